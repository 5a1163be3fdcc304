package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
)

// Finalizer polls for active pay runs and gives each one execute slice per tick.
type Finalizer struct {
	store    *store.Store
	exec     *Executor
	clock    clockwork.Clock
	logger   *slog.Logger
	interval time.Duration
	perTick  int
	opts     ExecuteOptions
}

func NewFinalizer(st *store.Store, exec *Executor, clock clockwork.Clock, logger *slog.Logger, interval time.Duration, perTick int, opts ExecuteOptions) *Finalizer {
	if interval <= 0 {
		interval = time.Second
	}
	if perTick <= 0 {
		perTick = 50
	}
	return &Finalizer{store: st, exec: exec, clock: clock, logger: logger, interval: interval, perTick: perTick, opts: opts}
}

// Run ticks until ctx is cancelled.
func (f *Finalizer) Run(ctx context.Context) error {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if _, err := f.TickOnce(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("finalizer tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// TickOnce executes one slice for every QUEUED or RUNNING pay run it can see
// and returns how many items were processed.
func (f *Finalizer) TickOnce(ctx context.Context) (int, error) {
	processed := 0
	for _, status := range []models.PayRunStatus{models.PayRunRunning, models.PayRunQueued} {
		runs, err := f.store.ListPayRunsByStatus(ctx, status, f.perTick)
		if err != nil {
			return processed, err
		}
		for _, run := range runs {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			res, err := f.exec.ExecutePayRun(ctx, run.EmployerID, run.PayRunID, f.opts)
			if err != nil {
				f.logger.Error("execute pay run failed", "employer_id", run.EmployerID, "pay_run_id", run.PayRunID, "error", err)
				continue
			}
			processed += res.Processed
		}
	}
	return processed, nil
}
