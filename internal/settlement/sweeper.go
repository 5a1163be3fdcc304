package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
)

// SweeperConfig tunes retry of partially completed batches.
type SweeperConfig struct {
	Limit              int
	LockTTL            time.Duration
	Interval           time.Duration
	MaxBatchAttempts   int
	MaxPaymentAttempts int
	RetryBase          time.Duration
	RetryMax           time.Duration
}

// SweepResult reports one sweeper tick.
type SweepResult struct {
	Reconciled int
	Scheduled  int
	Reopened   int
	Failed     int
}

// Sweeper reconciles batches nobody holds and retries the failed payments of
// partially completed ones with exponential backoff.
type Sweeper struct {
	store  *store.Store
	events Events
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    SweeperConfig
}

func NewSweeper(st *store.Store, ev Events, clock clockwork.Clock, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxBatchAttempts <= 0 {
		cfg.MaxBatchAttempts = 5
	}
	if cfg.MaxPaymentAttempts <= 0 {
		cfg.MaxPaymentAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = max(5*time.Minute, cfg.RetryBase)
	}
	return &Sweeper{store: st, events: ev, clock: clock, logger: logger, cfg: cfg}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	return runEvery(ctx, s.clock, s.cfg.Interval, func(ctx context.Context) error {
		_, err := s.TickOnce(ctx)
		return err
	}, s.logger, "settlement sweep failed")
}

// TickOnce handles every candidate batch once.
func (s *Sweeper) TickOnce(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	candidates, err := s.store.ListSweepCandidates(ctx, now.Add(-s.cfg.LockTTL), s.cfg.Limit)
	if err != nil {
		return SweepResult{}, err
	}
	var res SweepResult
	for _, c := range candidates {
		b, err := s.store.ReconcileBatch(ctx, c.EmployerID, c.BatchID)
		if err != nil {
			return res, err
		}
		res.Reconciled++
		if err := project(ctx, s.store, s.events, s.logger, b); err != nil {
			return res, err
		}
		if b.Status != models.BatchPartiallyCompleted {
			continue
		}
		log := s.logger.With("employer_id", b.EmployerID, "batch_id", b.BatchID, "attempts", b.Attempts)

		switch {
		case b.Attempts >= s.cfg.MaxBatchAttempts:
			if err := s.store.FailBatch(ctx, b.EmployerID, b.BatchID, fmt.Sprintf("max_batch_attempts_exceeded(%d)", s.cfg.MaxBatchAttempts)); err != nil {
				return res, err
			}
			res.Failed++
			log.Warn("batch retries exhausted")

		case b.NextAttemptAt == nil:
			next := now.Add(s.backoff(b.Attempts))
			if err := s.store.ScheduleBatchRetry(ctx, b.EmployerID, b.BatchID, next); err != nil {
				return res, err
			}
			res.Scheduled++
			log.Info("batch retry scheduled", "next_attempt", next)

		case !b.NextAttemptAt.After(now):
			n, err := s.store.ReopenFailedPayments(ctx, b.EmployerID, b.BatchID, s.cfg.MaxPaymentAttempts)
			if err != nil {
				return res, err
			}
			if n == 0 {
				if err := s.store.FailBatch(ctx, b.EmployerID, b.BatchID, "no_retryable_payments"); err != nil {
					return res, err
				}
				res.Failed++
				log.Warn("no payments left to retry")
				continue
			}
			if err := s.store.ReopenBatch(ctx, b.EmployerID, b.BatchID); err != nil {
				return res, err
			}
			res.Reopened += n
			log.Info("failed payments reopened", "payments", n)
		}
	}
	return res, nil
}

func (s *Sweeper) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase << min(attempts, 20)
	if d <= 0 || d > s.cfg.RetryMax {
		return s.cfg.RetryMax
	}
	return d
}
