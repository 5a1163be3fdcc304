package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/config"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/telemetry"
)

// Processor consumes per-item messages from the Redis queue.
type Processor struct {
	cfg    config.QueueConfig
	queue  *queue.RedisQueue
	exec   *Executor
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewProcessor(cfg config.QueueConfig, q *queue.RedisQueue, exec *Executor, clock clockwork.Clock, logger *slog.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{cfg: cfg, queue: q, exec: exec, clock: clock, logger: logger}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeep(ctx)
		handled, err := p.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("queue processing failed", "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.cfg.PollInterval):
		}
	}
}

func (p *Processor) housekeep(ctx context.Context) {
	now := p.clock.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.logger.Warn("requeue expired failed", "error", err)
	} else if len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", "count", len(reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

// ProcessOnce handles at most one message and reports whether one was dequeued.
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	msg, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	log := p.logger.With("employer_id", msg.EmployerID, "pay_run_id", msg.PayRunID,
		"employee_id", msg.EmployeeID, "attempt", msg.Attempt)

	outcome, err := p.exec.FinalizeItem(ctx, msg)
	switch {
	case err == nil && outcome == OutcomeDone:
		return true, p.queue.Ack(ctx, msg)

	case errors.Is(err, ErrItemBusy), errors.Is(err, ErrLeaseBusy):
		// Contention is not a failure: redeliver after the base backoff without spending an attempt.
		next := p.clock.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, 1))
		log.Debug("contended, rescheduling", "reason", err, "next_run", next)
		return true, p.queue.Schedule(ctx, msg, next)
	}

	msg.Attempt++
	if err != nil && msg.Attempt >= p.cfg.MaxAttempts {
		telemetry.DeadLetters.Inc()
		log.Error("message dead-lettered", "error", err)
		return true, p.queue.DLQPush(ctx, msg, err.Error())
	}
	next := p.clock.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, msg.Attempt))
	if err != nil {
		log.Warn("item processing error, retry scheduled", "error", err, "next_run", next)
	}
	return true, p.queue.Schedule(ctx, msg, next)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
