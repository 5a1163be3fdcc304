package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PayRunsStarted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_started_total", Help: "Pay runs newly created by start requests"})
	PayRunsFinalized  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payrun_finalized_total", Help: "Pay runs that reached a terminal status"}, []string{"status"})
	LeaseAcquired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_lease_acquired_total", Help: "Execute calls that obtained the pay run lease"})
	LeaseContended    = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_lease_contended_total", Help: "Execute calls that found the lease held by another worker"})
	ItemsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_items_succeeded_total", Help: "Items finalized successfully"})
	ItemsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_items_failed_total", Help: "Items that failed terminally"})
	ItemsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_items_retried_total", Help: "Failed items put back to QUEUED for another attempt"})
	ItemsRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_items_requeued_stale_total", Help: "RUNNING items reclaimed after the stale threshold"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payrun_queue_depth", Help: "Ready item messages waiting in Redis"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payrun_queue_inflight", Help: "Item messages currently being processed"})
	DeadLetters       = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_queue_dead_letter_total", Help: "Item messages moved to the DLQ"})
	PaymentsSettled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_payments_settled_total", Help: "Payments settled by the rail"})
	PaymentsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_payments_failed_total", Help: "Payments rejected by the rail"})
	BatchesReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payrun_batches_reconciled_total", Help: "Batch reconciliations by resulting status"}, []string{"status"})
	OutboxPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_outbox_published_total", Help: "Outbox events delivered"})
	OutboxFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "payrun_outbox_failures_total", Help: "Outbox deliveries that will be retried"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PayRunsStarted,
			PayRunsFinalized,
			LeaseAcquired,
			LeaseContended,
			ItemsSucceeded,
			ItemsFailed,
			ItemsRetried,
			ItemsRequeued,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			DeadLetters,
			PaymentsSettled,
			PaymentsFailed,
			BatchesReconciled,
			OutboxPublished,
			OutboxFailures,
		)
	})
	return promhttp.Handler()
}
