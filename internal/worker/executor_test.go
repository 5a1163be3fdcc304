package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/store/storetest"
)

func TestExecutePayRunPartiallyFinalized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"e-3": -1})
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1", "e-2", "e-3")

	res, err := h.executor("w-1", 1).ExecutePayRun(ctx, emp, runID, ExecuteOptions{BatchSize: 2})
	require.NoError(t, err)
	assert.True(t, res.AcquiredLease)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, models.PayRunPartiallyFinalized, res.FinalStatus)
	assert.False(t, res.MoreWork)

	run, err := h.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PayRunPartiallyFinalized, run.Status)
	assert.Nil(t, run.LeaseOwner)
	assert.NotNil(t, run.FinalizeCompletedAt)

	failed, err := h.store.ListFailedItems(ctx, emp, runID, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e-3", failed[0].EmployeeID)
	require.NotNil(t, failed[0].Reason)
	assert.Contains(t, *failed[0].Reason, "calculator rejected paycheck")
	assert.NotContains(t, *failed[0].Reason, "max_attempts_exceeded")

	events := h.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.PayRunPartiallyFinalized, events[0].status)
	assert.Equal(t, 3, events[0].counts.Total)

	audit, err := h.store.ListAudit(ctx, emp, runID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "finalized", audit[0].Event)

	// terminal runs are left alone
	again, err := h.executor("w-2", 1).ExecutePayRun(ctx, emp, runID, ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, again.AcquiredLease)
	assert.Equal(t, models.PayRunPartiallyFinalized, again.FinalStatus)
	assert.Len(t, h.notifier.all(), 1)
}

func TestExecutePayRunHonoursItemBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1", "e-2", "e-3", "e-4", "e-5")
	exec := h.executor("w-1", 1)
	opts := ExecuteOptions{BatchSize: 10, MaxItems: 2}

	res, err := exec.ExecutePayRun(ctx, emp, runID, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, models.PayRunRunning, res.FinalStatus)
	assert.True(t, res.MoreWork)

	// the lease is still held between slices
	other, err := h.executor("w-2", 1).ExecutePayRun(ctx, emp, runID, opts)
	require.NoError(t, err)
	assert.False(t, other.AcquiredLease)
	assert.Zero(t, other.Processed)
	assert.True(t, other.MoreWork)

	res, err = exec.ExecutePayRun(ctx, emp, runID, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	res, err = exec.ExecutePayRun(ctx, emp, runID, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, models.PayRunFinalized, res.FinalStatus)
	assert.False(t, res.MoreWork)

	paychecks, err := h.store.ListSucceededPaychecks(ctx, emp, runID, 100)
	require.NoError(t, err)
	assert.Len(t, paychecks, 5)
}

func TestExecutePayRunTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1", "e-2")

	_, err := h.executor("w-1", 1).ExecutePayRun(ctx, emp, runID, ExecuteOptions{MaxItems: 1, LeaseTTL: time.Minute})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	res, err := h.executor("w-2", 1).ExecutePayRun(ctx, emp, runID, ExecuteOptions{LeaseTTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, res.AcquiredLease)
	assert.Equal(t, models.PayRunFinalized, res.FinalStatus)
}

func TestMaxAttemptsPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"flaky": 2, "broken": -1})
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "broken", "flaky", "steady")

	exec := NewExecutor(ExecutorConfig{
		Store:       h.store,
		Calculator:  h.calc,
		Notifier:    h.notifier,
		Clock:       h.clock,
		Logger:      discard,
		Owner:       "w-1",
		MaxAttempts: 3,
		RetryBase:   time.Second,
		RetryMax:    time.Second,
	})

	res, err := exec.ExecutePayRun(ctx, emp, runID, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, res.MoreWork)
	assert.Equal(t, models.PayRunRunning, res.FinalStatus)
	assert.Equal(t, 1, h.calc.callsFor("flaky"), "a retried item waits for its backoff")
	assert.Equal(t, 1, h.calc.callsFor("broken"))

	for i := 0; i < 5 && res.MoreWork; i++ {
		h.clock.Advance(time.Second)
		res, err = exec.ExecutePayRun(ctx, emp, runID, ExecuteOptions{})
		require.NoError(t, err)
	}
	assert.False(t, res.MoreWork)
	assert.Equal(t, models.PayRunPartiallyFinalized, res.FinalStatus)

	flaky, err := h.store.FindItem(ctx, emp, runID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, models.ItemSucceeded, flaky.Status)
	assert.Equal(t, 3, flaky.AttemptCount)
	assert.Equal(t, 3, h.calc.callsFor("flaky"))

	broken, err := h.store.FindItem(ctx, emp, runID, "broken")
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, broken.Status)
	assert.Equal(t, 3, broken.AttemptCount)
	require.NotNil(t, broken.LastError)
	assert.Contains(t, *broken.LastError, "max_attempts_exceeded(3)")
}

func TestExecutePayRunRequeuesStaleItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1", "e-2")

	// a worker claims e-1 and dies
	claimed, err := h.store.ClaimQueuedItems(ctx, emp, runID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.Advance(11 * time.Minute)
	res, err := h.executor("w-2", 1).ExecutePayRun(ctx, emp, runID, ExecuteOptions{RequeueStaleAfter: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, models.PayRunFinalized, res.FinalStatus)

	item, err := h.store.FindItem(ctx, emp, runID, "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemSucceeded, item.Status)
	assert.Equal(t, 2, item.AttemptCount, "reclaimed item was claimed a second time")
}

func TestFinalizeItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"e-3": 1})
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1", "e-2", "e-3")
	exec := h.executor("w-1", 2)
	msg := func(employee string) queue.ItemMessage {
		return queue.ItemMessage{EmployerID: emp, PayRunID: runID, EmployeeID: employee}
	}

	outcome, err := exec.FinalizeItem(ctx, msg("e-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	run, err := h.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PayRunRunning, run.Status)
	assert.Nil(t, run.LeaseOwner, "lease is released when the run is not done")

	// duplicate delivery does not recompute
	outcome, err = exec.FinalizeItem(ctx, msg("e-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 1, h.calc.callsFor("e-1"))

	outcome, err = exec.FinalizeItem(ctx, msg("e-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)
	item, err := h.store.FindItem(ctx, emp, runID, "e-3")
	require.NoError(t, err)
	assert.Equal(t, models.ItemQueued, item.Status)

	// e-2 is held by someone else
	_, claimed, err := h.store.ClaimItem(ctx, emp, runID, "e-2", 10*time.Minute, h.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = exec.FinalizeItem(ctx, msg("e-2"))
	assert.ErrorIs(t, err, ErrItemBusy)

	h.clock.Advance(11 * time.Minute)
	outcome, err = exec.FinalizeItem(ctx, msg("e-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	outcome, err = exec.FinalizeItem(ctx, msg("e-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	run, err = h.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PayRunFinalized, run.Status)
	require.Len(t, h.notifier.all(), 1)

	outcome, err = exec.FinalizeItem(ctx, queue.ItemMessage{EmployerID: emp, PayRunID: "nope", EmployeeID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
}

func TestFinalizeItemWaitsForForeignLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1", "e-2")

	ok, err := h.store.AcquireOrRenewLease(ctx, emp, runID, "other", time.Minute, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.executor("w-1", 1).FinalizeItem(ctx, queue.ItemMessage{EmployerID: emp, PayRunID: runID, EmployeeID: "e-1"})
	assert.ErrorIs(t, err, ErrLeaseBusy)

	item, err := h.store.FindItem(ctx, emp, runID, "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemSucceeded, item.Status, "the item result is kept even when derivation must wait")
}

func TestExecutePayRunLeavesEmptyQueuedRunAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp)
	exec := h.executor("w-1", 1)

	res, err := exec.ExecutePayRun(ctx, emp, runID, ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, res.AcquiredLease)
	assert.Equal(t, models.PayRunQueued, res.FinalStatus)

	run, err := h.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PayRunQueued, run.Status)
	assert.Nil(t, run.LeaseOwner)
	assert.Empty(t, h.notifier.all())

	// once started, a run without items fails
	_, err = h.store.MarkRunningIfQueued(ctx, emp, runID)
	require.NoError(t, err)
	res, err = exec.ExecutePayRun(ctx, emp, runID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PayRunFailed, res.FinalStatus)
}

func TestExecutePayRunDoesNotCompleteAfterLosingLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	emp := storetest.Employer()
	runID := storetest.SeedRun(t, h.store, emp, "e-1")

	// the slice stalls past its lease and another worker takes over
	stall := calcFunc(func(ctx context.Context, employerID, payRunID, _, _ string) error {
		h.clock.Advance(2 * time.Minute)
		ok, err := h.store.AcquireOrRenewLease(ctx, employerID, payRunID, "w-2", time.Minute, h.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	slow := NewExecutor(ExecutorConfig{
		Store:      h.store,
		Calculator: stall,
		Notifier:   h.notifier,
		Clock:      h.clock,
		Logger:     discard,
		Owner:      "w-1",
	})

	res, err := slow.ExecutePayRun(ctx, emp, runID, ExecuteOptions{LeaseTTL: time.Minute})
	require.NoError(t, err)
	assert.False(t, res.AcquiredLease)
	assert.Equal(t, models.PayRunRunning, res.FinalStatus)
	assert.True(t, res.MoreWork)
	assert.Empty(t, h.notifier.all())

	run, err := h.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PayRunRunning, run.Status)
	require.NotNil(t, run.LeaseOwner)
	assert.Equal(t, "w-2", *run.LeaseOwner)

	res, err = h.executor("w-2", 1).ExecutePayRun(ctx, emp, runID, ExecuteOptions{LeaseTTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, models.PayRunFinalized, res.FinalStatus)
	require.Len(t, h.notifier.all(), 1)
}
