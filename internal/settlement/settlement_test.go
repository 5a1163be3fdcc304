package settlement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/events"
	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/store/storetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fixedAmounts pays each paycheck the amount mapped to its employee.
type fixedAmounts struct {
	byPaycheck map[string]int64
}

func (f fixedAmounts) NetPay(_ context.Context, _, _, paycheckID string) (int64, string, error) {
	return f.byPaycheck[paycheckID], "", nil
}

// rejectRail rejects one paycheck forever and settles the rest.
type rejectRail struct {
	paycheckID string
}

func (r rejectRail) Submit(_ context.Context, p models.PaycheckPayment) (RailResult, error) {
	if p.PaycheckID == r.paycheckID {
		return RailResult{Reason: "account closed"}, nil
	}
	return RailResult{Settled: true}, nil
}

// finalizedRun seeds a pay run whose items all succeeded and whose payment
// status is PAYING. It returns employee to paycheck ids.
func finalizedRun(t *testing.T, st *store.Store, emp string, employees ...string) (string, map[string]string) {
	t.Helper()
	ctx := context.Background()
	runID := storetest.SeedRun(t, st, emp, employees...)
	_, err := st.ClaimQueuedItems(ctx, emp, runID, len(employees))
	require.NoError(t, err)
	paychecks := map[string]string{}
	for _, e := range employees {
		chk, err := st.GetOrAssignPaycheckID(ctx, emp, runID, e)
		require.NoError(t, err)
		_, err = st.MarkSucceeded(ctx, emp, runID, e, chk)
		require.NoError(t, err)
		paychecks[e] = chk
	}
	_, err = st.SetFinalStatusAndReleaseLease(ctx, emp, runID, models.PayRunFinalized)
	require.NoError(t, err)
	ok, err := st.SetPaymentStatus(ctx, emp, runID, models.PaymentPaying)
	require.NoError(t, err)
	require.True(t, ok)
	return runID, paychecks
}

type rig struct {
	store     *store.Store
	clock     *clockwork.FakeClock
	requester *Requester
	processor *Processor
	sweeper   *Sweeper
}

func newRig(t *testing.T, amounts AmountSource, rail Rail, sweep SweeperConfig) *rig {
	t.Helper()
	st, clock := storetest.New(t)
	outbox := events.NewOutbox(st, "", clock)
	return &rig{
		store:     st,
		clock:     clock,
		requester: NewRequester(st, amounts, "USD", discard),
		processor: NewProcessor(st, rail, outbox, clock, discard, ProcessorConfig{Owner: "proc-1"}),
		sweeper:   NewSweeper(st, outbox, clock, discard, sweep),
	}
}

func TestSettlementRetriesPartialBatchToPaid(t *testing.T) {
	ctx := context.Background()
	amounts := fixedAmounts{byPaycheck: map[string]int64{}}
	r := newRig(t, amounts, SimulatedRail{AutoSettle: true, FailIfNetCentsEquals: 777}, SweeperConfig{RetryBase: 2 * time.Second})
	emp := storetest.Employer()
	runID, paychecks := finalizedRun(t, r.store, emp, "e-1", "e-2", "e-3")
	amounts.byPaycheck[paychecks["e-1"]] = 150_000
	amounts.byPaycheck[paychecks["e-2"]] = 777
	amounts.byPaycheck[paychecks["e-3"]] = 90_000

	req, err := r.requester.RequestPayments(ctx, emp, runID)
	require.NoError(t, err)
	assert.True(t, req.BatchCreated)
	assert.Equal(t, 3, req.Inserted)
	assert.Equal(t, 3, req.Batch.TotalPayments)

	again, err := r.requester.RequestPayments(ctx, emp, runID)
	require.NoError(t, err)
	assert.False(t, again.BatchCreated)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, req.Batch.BatchID, again.Batch.BatchID)

	tick, err := r.processor.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Batches: 1, Settled: 2, Failed: 1}, tick)

	run, err := r.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartiallyPaid, run.PaymentStatus)

	sweep, err := r.sweeper.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Scheduled)

	tick, err = r.processor.TickOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, tick.Batches, "batch waits for its retry time")

	r.clock.Advance(3 * time.Second)
	sweep, err = r.sweeper.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Reopened)

	tick, err = r.processor.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Batches: 1, Settled: 1}, tick)

	run, err = r.store.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, run.PaymentStatus)
	assert.NotNil(t, run.PaidAt)

	batch, err := r.store.FindBatch(ctx, emp, req.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, batch.Status)
	assert.Equal(t, 3, batch.SettledPayments)

	// four payment outcomes plus two pay run projections
	pending, err := r.store.CountOutbox(ctx, models.OutboxPending)
	require.NoError(t, err)
	assert.Equal(t, 6, pending)
}

func TestSweeperGivesUpWhenPaymentsExhausted(t *testing.T) {
	ctx := context.Background()
	amounts := fixedAmounts{byPaycheck: map[string]int64{}}
	st, clock := storetest.New(t)
	emp := storetest.Employer()
	runID, paychecks := finalizedRun(t, st, emp, "e-1", "e-2")
	for _, chk := range paychecks {
		amounts.byPaycheck[chk] = 10_000
	}

	outbox := events.NewOutbox(st, "", clock)
	requester := NewRequester(st, amounts, "USD", discard)
	processor := NewProcessor(st, rejectRail{paycheckID: paychecks["e-2"]}, outbox, clock, discard, ProcessorConfig{})
	sweeper := NewSweeper(st, outbox, clock, discard, SweeperConfig{MaxPaymentAttempts: 2, RetryBase: time.Second})

	req, err := requester.RequestPayments(ctx, emp, runID)
	require.NoError(t, err)

	step := func() {
		_, err := processor.TickOnce(ctx)
		require.NoError(t, err)
		_, err = sweeper.TickOnce(ctx) // schedules the retry
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = sweeper.TickOnce(ctx) // reopens or gives up
		require.NoError(t, err)
	}
	step()
	batch, err := st.FindBatch(ctx, emp, req.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchProcessing, batch.Status, "first failure is reopened")

	step()
	batch, err = st.FindBatch(ctx, emp, req.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	require.NotNil(t, batch.LastError)
	assert.Equal(t, "no_retryable_payments", *batch.LastError)

	run, err := st.FindPayRun(ctx, emp, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartiallyPaid, run.PaymentStatus)
}

func TestSweeperFailsBatchAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	amounts := fixedAmounts{byPaycheck: map[string]int64{}}
	st, clock := storetest.New(t)
	emp := storetest.Employer()
	runID, paychecks := finalizedRun(t, st, emp, "e-1", "e-2")
	for _, chk := range paychecks {
		amounts.byPaycheck[chk] = 10_000
	}
	processor := NewProcessor(st, rejectRail{paycheckID: paychecks["e-1"]}, nil, clock, discard, ProcessorConfig{})
	sweeper := NewSweeper(st, nil, clock, discard, SweeperConfig{MaxBatchAttempts: 1})

	req, err := NewRequester(st, amounts, "USD", discard).RequestPayments(ctx, emp, runID)
	require.NoError(t, err)
	_, err = processor.TickOnce(ctx)
	require.NoError(t, err)

	res, err := sweeper.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scheduled)

	res, err = sweeper.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	batch, err := st.FindBatch(ctx, emp, req.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	require.NotNil(t, batch.LastError)
	assert.Contains(t, *batch.LastError, "max_batch_attempts_exceeded")
}
