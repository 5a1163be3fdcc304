package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/telemetry"
)

// Events receives settlement outcomes; the outbox implements it.
type Events interface {
	PaymentChanged(ctx context.Context, p models.PaycheckPayment, status models.PaymentLifecycle) error
	PayRunPaymentChanged(ctx context.Context, employerID, payRunID, batchID string, status models.PaymentStatus) error
}

// ProcessorConfig bounds one processor tick.
type ProcessorConfig struct {
	Owner             string
	BatchSize         int
	MaxBatchesPerTick int
	LockTTL           time.Duration
	Interval          time.Duration
}

// TickResult reports one processor tick.
type TickResult struct {
	Batches int
	Settled int
	Failed  int
}

// Processor claims active batches and pushes their CREATED payments through the rail.
type Processor struct {
	store  *store.Store
	rail   Rail
	events Events
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    ProcessorConfig
}

func NewProcessor(st *store.Store, rail Rail, ev Events, clock clockwork.Clock, logger *slog.Logger, cfg ProcessorConfig) *Processor {
	if cfg.Owner == "" {
		cfg.Owner = "settlement"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatchesPerTick <= 0 {
		cfg.MaxBatchesPerTick = 25
	}
	cfg.MaxBatchesPerTick = min(cfg.MaxBatchesPerTick, 100)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	cfg.LockTTL = max(cfg.LockTTL, 5*time.Second)
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Processor{store: st, rail: rail, events: ev, clock: clock, logger: logger, cfg: cfg}
}

// Run ticks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	return runEvery(ctx, p.clock, p.cfg.Interval, func(ctx context.Context) error {
		_, err := p.TickOnce(ctx)
		return err
	}, p.logger, "settlement tick failed")
}

// TickOnce claims due batches and spends at most BatchSize payments across them.
func (p *Processor) TickOnce(ctx context.Context) (TickResult, error) {
	now := p.clock.Now()
	batches, err := p.store.ClaimActiveBatches(ctx, p.cfg.MaxBatchesPerTick, p.cfg.Owner, p.cfg.LockTTL, now)
	if err != nil {
		return TickResult{}, err
	}
	res := TickResult{Batches: len(batches)}
	budget := p.cfg.BatchSize
	for _, b := range batches {
		if budget > 0 {
			payments, err := p.store.ClaimCreatedPayments(ctx, b.EmployerID, b.BatchID, budget, p.cfg.Owner, p.cfg.LockTTL, now)
			if err != nil {
				return res, err
			}
			budget -= len(payments)
			for _, pay := range payments {
				settled, err := p.submit(ctx, pay)
				if err != nil {
					return res, err
				}
				if settled {
					res.Settled++
				} else {
					res.Failed++
				}
			}
		}
		reconciled, err := p.store.ReconcileBatch(ctx, b.EmployerID, b.BatchID)
		if err != nil {
			return res, err
		}
		telemetry.BatchesReconciled.WithLabelValues(string(reconciled.Status)).Inc()
		if err := project(ctx, p.store, p.events, p.logger, reconciled); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Processor) submit(ctx context.Context, pay models.PaycheckPayment) (bool, error) {
	out, railErr := p.rail.Submit(ctx, pay)
	status, reason := models.PaymentSettled, ""
	switch {
	case railErr != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		status, reason = models.PaymentRejected, railErr.Error()
	case !out.Settled:
		status, reason = models.PaymentRejected, out.Reason
	}

	ok, err := p.store.UpdatePaymentStatus(ctx, pay.EmployerID, pay.PaymentID, status, reason, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		p.logger.Warn("payment status not applied", "payment_id", pay.PaymentID, "status", status)
		return status == models.PaymentSettled, nil
	}
	if status == models.PaymentSettled {
		telemetry.PaymentsSettled.Inc()
	} else {
		telemetry.PaymentsFailed.Inc()
		p.logger.Info("payment rejected", "payment_id", pay.PaymentID, "paycheck_id", pay.PaycheckID, "reason", reason)
	}
	if p.events != nil {
		if err := p.events.PaymentChanged(ctx, pay, status); err != nil {
			p.logger.Warn("payment event not recorded", "payment_id", pay.PaymentID, "error", err)
		}
	}
	return status == models.PaymentSettled, nil
}

// project copies a terminal or partial batch status onto the pay run's
// payment status, recording an event when it moves.
func project(ctx context.Context, st *store.Store, ev Events, logger *slog.Logger, b models.PaymentBatch) error {
	target, ok := models.PaymentStatusFor(b.Status)
	if !ok {
		return nil
	}
	run, err := st.FindPayRun(ctx, b.EmployerID, b.PayRunID)
	if err != nil {
		return err
	}
	if run.PaymentStatus == target {
		return nil
	}
	moved, err := st.SetPaymentStatus(ctx, b.EmployerID, b.PayRunID, target)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	logger.Info("pay run payment status changed", "employer_id", b.EmployerID, "pay_run_id", b.PayRunID,
		"from", run.PaymentStatus, "to", target, "batch_id", b.BatchID)
	if err := st.AppendAudit(ctx, b.EmployerID, b.PayRunID, "payment_status_changed",
		fmt.Sprintf("from=%s to=%s batch=%s", run.PaymentStatus, target, b.BatchID)); err != nil {
		logger.Warn("audit write failed", "error", err)
	}
	if ev != nil {
		if err := ev.PayRunPaymentChanged(ctx, b.EmployerID, b.PayRunID, b.BatchID, target); err != nil {
			logger.Warn("pay run payment event not recorded", "pay_run_id", b.PayRunID, "error", err)
		}
	}
	return nil
}

func runEvery(ctx context.Context, clock clockwork.Clock, every time.Duration, fn func(context.Context) error, logger *slog.Logger, msg string) error {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error(msg, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
