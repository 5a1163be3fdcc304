package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/telemetry"
)

var (
	// ErrItemBusy means another worker holds the item; redeliver later.
	ErrItemBusy = errors.New("worker: item is running elsewhere")
	// ErrLeaseBusy means another worker holds the pay run lease; redeliver later.
	ErrLeaseBusy = errors.New("worker: pay run lease held elsewhere")
)

// Calculator computes one paycheck. It must be idempotent for a given paycheck id.
type Calculator interface {
	FinalizePaycheck(ctx context.Context, employerID, payRunID, employeeID, paycheckID string) error
}

// Notifier is told when a pay run reaches a terminal status. Failures are
// logged and never roll back the status change.
type Notifier interface {
	PayRunFinalized(ctx context.Context, run models.PayRun, status models.PayRunStatus, counts models.StatusCounts) error
}

// ExecuteOptions bounds one time slice of work on a pay run. Zero fields take
// the executor defaults.
type ExecuteOptions struct {
	BatchSize         int
	MaxItems          int
	MaxDuration       time.Duration
	RequeueStaleAfter time.Duration
	LeaseTTL          time.Duration
}

// ExecuteResult reports what a time slice achieved.
type ExecuteResult struct {
	AcquiredLease bool                `json:"acquired_lease"`
	Processed     int                 `json:"processed"`
	FinalStatus   models.PayRunStatus `json:"final_status"`
	MoreWork      bool                `json:"more_work"`
}

// ItemOutcome tells the queue consumer what to do with the message.
type ItemOutcome int

const (
	// OutcomeDone means the message can be acked.
	OutcomeDone ItemOutcome = iota
	// OutcomeRetry means the item went back to QUEUED and needs another delivery.
	OutcomeRetry
)

// Executor drives items of a pay run through the calculator under the pay run lease.
type Executor struct {
	store       *store.Store
	calc        Calculator
	notifier    Notifier
	clock       clockwork.Clock
	logger      *slog.Logger
	owner       string
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	defaults    ExecuteOptions
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Store       *store.Store
	Calculator  Calculator
	Notifier    Notifier
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Owner       string
	MaxAttempts int
	// RetryBase and RetryMax bound the backoff before a retried item can be
	// claimed by a batch again.
	RetryBase time.Duration
	RetryMax  time.Duration
	Defaults  ExecuteOptions
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		store:       cfg.Store,
		calc:        cfg.Calculator,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		owner:       cfg.Owner,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		retryMax:    cfg.RetryMax,
		defaults: cfg.Defaults.withFallback(ExecuteOptions{
			BatchSize:         25,
			MaxItems:          200,
			MaxDuration:       2 * time.Second,
			RequeueStaleAfter: 10 * time.Minute,
			LeaseTTL:          5 * time.Minute,
		}),
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 1
	}
	if e.owner == "" {
		e.owner = "worker"
	}
	if e.retryBase <= 0 {
		e.retryBase = time.Second
	}
	if e.retryMax < e.retryBase {
		e.retryMax = time.Minute
	}
	return e
}

func (o ExecuteOptions) withFallback(d ExecuteOptions) ExecuteOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxItems <= 0 {
		o.MaxItems = d.MaxItems
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = d.MaxDuration
	}
	if o.RequeueStaleAfter < 0 {
		o.RequeueStaleAfter = 0
	} else if o.RequeueStaleAfter == 0 {
		o.RequeueStaleAfter = d.RequeueStaleAfter
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	return o
}

// Owner is the lease owner token this executor writes.
func (e *Executor) Owner() string {
	return e.owner
}

// ExecutePayRun runs one bounded slice: take the lease, reclaim stale items,
// claim and compute batches until the item or time budget runs out, then
// persist the derived status if it is terminal.
func (e *Executor) ExecutePayRun(ctx context.Context, employerID, payRunID string, opts ExecuteOptions) (ExecuteResult, error) {
	opts = opts.withFallback(e.defaults)

	run, err := e.store.FindPayRun(ctx, employerID, payRunID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if run.Status.Terminal() {
		return ExecuteResult{FinalStatus: run.Status}, nil
	}
	if run.Status == models.PayRunQueued {
		// A QUEUED run with no items is still being started; deriving now would fail it.
		counts, err := e.store.CountsForPayRun(ctx, employerID, payRunID)
		if err != nil {
			return ExecuteResult{}, err
		}
		if counts.Total == 0 {
			return ExecuteResult{FinalStatus: run.Status}, nil
		}
	}

	ok, err := e.store.AcquireOrRenewLease(ctx, employerID, payRunID, e.owner, opts.LeaseTTL, e.clock.Now())
	if err != nil {
		return ExecuteResult{}, err
	}
	if !ok {
		telemetry.LeaseContended.Inc()
		return ExecuteResult{FinalStatus: run.Status, MoreWork: true}, nil
	}
	telemetry.LeaseAcquired.Inc()
	res := ExecuteResult{AcquiredLease: true}

	deadline := e.clock.Now().Add(opts.MaxDuration)
	for res.Processed < opts.MaxItems && e.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := e.clock.Now()
		held, err := e.store.RenewLeaseIfOwned(ctx, employerID, payRunID, e.owner, opts.LeaseTTL, now)
		if err != nil {
			return res, err
		}
		if !held {
			e.logger.Warn("lease lost mid-slice", "employer_id", employerID, "pay_run_id", payRunID, "owner", e.owner)
			res.AcquiredLease = false
			break
		}
		if opts.RequeueStaleAfter > 0 {
			n, err := e.store.RequeueStaleRunningItems(ctx, employerID, payRunID,
				now.Add(-opts.RequeueStaleAfter), store.StaleReason(opts.RequeueStaleAfter))
			if err != nil {
				return res, err
			}
			if n > 0 {
				telemetry.ItemsRequeued.Add(float64(n))
				e.logger.Info("requeued stale items", "employer_id", employerID, "pay_run_id", payRunID, "count", n)
			}
		}

		items, err := e.store.ClaimQueuedItems(ctx, employerID, payRunID, min(opts.BatchSize, opts.MaxItems-res.Processed))
		if err != nil {
			return res, err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if _, err := e.processClaimed(ctx, item); err != nil {
				return res, err
			}
			res.Processed++
		}
	}

	if !res.AcquiredLease {
		return e.afterLostLease(ctx, run, res)
	}
	counts, err := e.store.CountsForPayRun(ctx, employerID, payRunID)
	if err != nil {
		return res, err
	}
	res.FinalStatus = counts.Derive()
	res.MoreWork = counts.Pending()
	if res.FinalStatus.Terminal() {
		held, err := e.store.RenewLeaseIfOwned(ctx, employerID, payRunID, e.owner, opts.LeaseTTL, e.clock.Now())
		if err != nil {
			return res, err
		}
		if !held {
			e.logger.Warn("lease lost before completion", "employer_id", employerID, "pay_run_id", payRunID, "owner", e.owner)
			res.AcquiredLease = false
			return e.afterLostLease(ctx, run, res)
		}
		if err := e.complete(ctx, run, res.FinalStatus, counts); err != nil {
			return res, err
		}
	}
	return res, nil
}

// afterLostLease reports the stored status; the new lease holder derives and persists.
func (e *Executor) afterLostLease(ctx context.Context, run models.PayRun, res ExecuteResult) (ExecuteResult, error) {
	current, err := e.store.FindPayRun(ctx, run.EmployerID, run.PayRunID)
	if err != nil {
		return res, err
	}
	res.FinalStatus = current.Status
	res.MoreWork = !current.Status.Terminal()
	return res, nil
}

// FinalizeItem handles one queue message: claim the item, compute it, then
// take the pay run lease just long enough to derive and persist a terminal
// status. Duplicate deliveries of finished items only re-run the derivation.
func (e *Executor) FinalizeItem(ctx context.Context, msg queue.ItemMessage) (ItemOutcome, error) {
	run, err := e.store.FindPayRun(ctx, msg.EmployerID, msg.PayRunID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dropping message for unknown pay run", "employer_id", msg.EmployerID, "pay_run_id", msg.PayRunID)
		return OutcomeDone, nil
	}
	if err != nil {
		return OutcomeDone, err
	}
	if run.Status.Terminal() {
		return OutcomeDone, nil
	}

	item, claimed, err := e.store.ClaimItem(ctx, msg.EmployerID, msg.PayRunID, msg.EmployeeID,
		e.defaults.RequeueStaleAfter, e.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dropping message for unknown item", "employer_id", msg.EmployerID,
			"pay_run_id", msg.PayRunID, "employee_id", msg.EmployeeID)
		return OutcomeDone, nil
	}
	if err != nil {
		return OutcomeDone, err
	}
	if !claimed && !item.Status.Terminal() {
		return OutcomeDone, ErrItemBusy
	}
	if claimed {
		retry, err := e.processClaimed(ctx, item)
		if err != nil {
			return OutcomeDone, err
		}
		if retry {
			return OutcomeRetry, nil
		}
	}
	return OutcomeDone, e.deriveUnderLease(ctx, run)
}

func (e *Executor) deriveUnderLease(ctx context.Context, run models.PayRun) error {
	ok, err := e.store.AcquireOrRenewLease(ctx, run.EmployerID, run.PayRunID, e.owner, e.defaults.LeaseTTL, e.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		// Another worker may have already finished the run.
		current, err := e.store.FindPayRun(ctx, run.EmployerID, run.PayRunID)
		if err == nil && current.Status.Terminal() {
			return nil
		}
		return ErrLeaseBusy
	}
	counts, err := e.store.CountsForPayRun(ctx, run.EmployerID, run.PayRunID)
	if err != nil {
		return err
	}
	if status := counts.Derive(); status.Terminal() {
		return e.complete(ctx, run, status, counts)
	}
	_, err = e.store.ReleaseLeaseIfOwned(ctx, run.EmployerID, run.PayRunID, e.owner)
	return err
}

// processClaimed computes one RUNNING item. retry is true when the item was
// put back to QUEUED for another attempt.
func (e *Executor) processClaimed(ctx context.Context, item models.PayRunItem) (retry bool, err error) {
	paycheckID, err := e.store.GetOrAssignPaycheckID(ctx, item.EmployerID, item.PayRunID, item.EmployeeID)
	if err != nil {
		return false, err
	}
	calcErr := e.calc.FinalizePaycheck(ctx, item.EmployerID, item.PayRunID, item.EmployeeID, paycheckID)
	if calcErr == nil {
		if _, err := e.store.MarkSucceeded(ctx, item.EmployerID, item.PayRunID, item.EmployeeID, paycheckID); err != nil {
			return false, err
		}
		telemetry.ItemsSucceeded.Inc()
		return false, nil
	}
	if ctx.Err() != nil {
		// Shutting down: leave the item RUNNING for stale requeue.
		return false, ctx.Err()
	}

	log := e.logger.With("employer_id", item.EmployerID, "pay_run_id", item.PayRunID,
		"employee_id", item.EmployeeID, "attempt", item.AttemptCount)
	if item.AttemptCount < e.maxAttempts {
		retryAt := e.clock.Now().Add(backoffWithJitter(e.retryBase, e.retryMax, item.AttemptCount))
		if _, err := e.store.MarkRetryableFailure(ctx, item.EmployerID, item.PayRunID, item.EmployeeID, calcErr.Error(), retryAt); err != nil {
			return false, err
		}
		telemetry.ItemsRetried.Inc()
		log.Info("item failed, will retry", "error", calcErr, "retry_at", retryAt)
		return true, nil
	}

	reason := calcErr.Error()
	if e.maxAttempts > 1 {
		reason = fmt.Sprintf("max_attempts_exceeded(%d): %s", e.maxAttempts, reason)
		if err := e.store.AppendAudit(ctx, item.EmployerID, item.PayRunID, "item_dead_lettered",
			fmt.Sprintf("employee=%s attempts=%d", item.EmployeeID, item.AttemptCount)); err != nil {
			log.Warn("audit write failed", "error", err)
		}
	}
	if _, err := e.store.MarkFailed(ctx, item.EmployerID, item.PayRunID, item.EmployeeID, reason); err != nil {
		return false, err
	}
	telemetry.ItemsFailed.Inc()
	log.Warn("item failed", "error", calcErr)
	return false, nil
}

func (e *Executor) complete(ctx context.Context, run models.PayRun, status models.PayRunStatus, counts models.StatusCounts) error {
	ok, err := e.store.SetFinalStatusAndReleaseLease(ctx, run.EmployerID, run.PayRunID, status)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := e.store.MarkFinalizeCompletedIfNull(ctx, run.EmployerID, run.PayRunID); err != nil {
		return err
	}
	telemetry.PayRunsFinalized.WithLabelValues(string(status)).Inc()
	log := e.logger.With("employer_id", run.EmployerID, "pay_run_id", run.PayRunID)
	log.Info("pay run finalized", "status", status, "succeeded", counts.Succeeded, "failed", counts.Failed, "total", counts.Total)

	detail := fmt.Sprintf("status=%s total=%d succeeded=%d failed=%d", status, counts.Total, counts.Succeeded, counts.Failed)
	if err := e.store.AppendAudit(ctx, run.EmployerID, run.PayRunID, "finalized", detail); err != nil {
		log.Warn("audit write failed", "error", err)
	}
	if e.notifier != nil {
		run.Status = status
		if err := e.notifier.PayRunFinalized(ctx, run, status, counts); err != nil {
			log.Warn("finalized notification failed", "error", err)
		}
	}
	return nil
}
