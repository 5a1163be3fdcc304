package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/models"
)

func TestUpsertQueuedItemsIgnoresDuplicates(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)

		n, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e2", "e1", "e2", "", "e3"})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		paycheck, err := st.GetOrAssignPaycheckID(ctx, emp, runID, "e1")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(paycheck, "chk-"))

		n, err = st.UpsertQueuedItems(ctx, emp, runID, []string{"e1", "e4"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		again, err := st.GetOrAssignPaycheckID(ctx, emp, runID, "e1")
		require.NoError(t, err)
		assert.Equal(t, paycheck, again, "re-upsert must not clobber an assigned paycheck")

		counts, err := st.CountsForPayRun(ctx, emp, runID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCounts{Total: 4, Queued: 4}, counts)
	})
}

func TestUpsertQueuedItemsChunks(t *testing.T) {
	st, _ := newSQLiteStore(t)
	ctx := context.Background()
	emp := newEmployer()
	runID := createRun(t, st, emp)

	ids := make([]string, 0, upsertChunk*2+7)
	for i := 0; i < cap(ids); i++ {
		ids = append(ids, fmt.Sprintf("e%05d", i))
	}
	n, err := st.UpsertQueuedItems(ctx, emp, runID, ids)
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
}

func TestGetOrAssignPaycheckIDConcurrent(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e1"})
		require.NoError(t, err)

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = map[string]struct{}{}
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := st.GetOrAssignPaycheckID(ctx, emp, runID, "e1")
				assert.NoError(t, err)
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, 1)

		_, err = st.GetOrAssignPaycheckID(ctx, emp, runID, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClaimQueuedItemsInOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e3", "e1", "e2"})
		require.NoError(t, err)

		first, err := st.ClaimQueuedItems(ctx, emp, runID, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "e1", first[0].EmployeeID)
		assert.Equal(t, "e2", first[1].EmployeeID)
		for _, it := range first {
			assert.Equal(t, models.ItemRunning, it.Status)
			assert.Equal(t, 1, it.AttemptCount)
			require.NotNil(t, it.StartedAt)
			assert.True(t, it.StartedAt.Equal(clock.Now()))
		}

		second, err := st.ClaimQueuedItems(ctx, emp, runID, 2)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, "e3", second[0].EmployeeID)

		none, err := st.ClaimQueuedItems(ctx, emp, runID, 2)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		var ids []string
		for i := 0; i < 40; i++ {
			ids = append(ids, fmt.Sprintf("e%02d", i))
		}
		_, err := st.UpsertQueuedItems(ctx, emp, runID, ids)
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[string]int{}
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					items, err := st.ClaimQueuedItems(ctx, emp, runID, 3)
					if !assert.NoError(t, err) || len(items) == 0 {
						return
					}
					mu.Lock()
					for _, it := range items {
						seen[it.EmployeeID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, len(ids))
		for id, n := range seen {
			assert.Equal(t, 1, n, "item %s claimed more than once", id)
		}
	})
}

func TestMarkTerminalOutcomes(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e1", "e2"})
		require.NoError(t, err)

		ok, err := st.MarkSucceeded(ctx, emp, runID, "e1", "chk-x")
		require.NoError(t, err)
		assert.False(t, ok, "only RUNNING items complete")

		_, err = st.ClaimQueuedItems(ctx, emp, runID, 10)
		require.NoError(t, err)

		paycheck, err := st.GetOrAssignPaycheckID(ctx, emp, runID, "e1")
		require.NoError(t, err)
		ok, err = st.MarkSucceeded(ctx, emp, runID, "e1", paycheck)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.MarkFailed(ctx, emp, runID, "e2", strings.Repeat("x", 3000))
		require.NoError(t, err)
		assert.True(t, ok)

		counts, err := st.CountsForPayRun(ctx, emp, runID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCounts{Total: 2, Succeeded: 1, Failed: 1}, counts)
		assert.Equal(t, models.PayRunPartiallyFinalized, counts.Derive())

		failures, err := st.ListFailedItems(ctx, emp, runID, 10)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		require.NotNil(t, failures[0].Reason)
		assert.Len(t, *failures[0].Reason, maxErrorLen)

		paychecks, err := st.ListSucceededPaychecks(ctx, emp, runID, 10)
		require.NoError(t, err)
		assert.Equal(t, []models.SucceededPaycheck{{EmployeeID: "e1", PaycheckID: paycheck}}, paychecks)

		pending, err := st.HasAnyQueuedOrRunning(ctx, emp, runID)
		require.NoError(t, err)
		assert.False(t, pending)

		failed, err := st.ListEmployeeIDsByStatus(ctx, emp, runID, models.ItemFailed, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"e2"}, failed)
	})
}

func TestRequeueStaleRunningItems(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e1"})
		require.NoError(t, err)
		_, err = st.ClaimQueuedItems(ctx, emp, runID, 1)
		require.NoError(t, err)

		n, err := st.RequeueStaleRunningItems(ctx, emp, runID, clock.Now(), "stale")
		require.NoError(t, err)
		assert.Zero(t, n, "items touched at the cutoff are not stale")

		clock.Advance(time.Second)
		n, err = st.RequeueStaleRunningItems(ctx, emp, runID, clock.Now(), "stale")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		it, err := st.FindItem(ctx, emp, runID, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.ItemQueued, it.Status)
		assert.Equal(t, 1, it.AttemptCount)
		assert.Nil(t, it.StartedAt)
		require.NotNil(t, it.LastError)
		assert.Equal(t, "stale", *it.LastError)

		claimed, err := st.ClaimQueuedItems(ctx, emp, runID, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].AttemptCount)

		clock.Advance(time.Second)
		_, err = st.RequeueStaleRunningItems(ctx, emp, runID, clock.Now(), "stale again")
		require.NoError(t, err)
		it, err = st.FindItem(ctx, emp, runID, "e1")
		require.NoError(t, err)
		assert.Equal(t, "stale; stale again", *it.LastError)
	})
}

func TestRetryableFailureAndOperatorRequeue(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e1"})
		require.NoError(t, err)
		_, err = st.ClaimQueuedItems(ctx, emp, runID, 1)
		require.NoError(t, err)

		ok, err := st.MarkRetryableFailure(ctx, emp, runID, "e1", "timeout", clock.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		it, err := st.FindItem(ctx, emp, runID, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.ItemQueued, it.Status)
		assert.Equal(t, 1, it.AttemptCount)
		require.NotNil(t, it.NextAttemptAt)

		early, err := st.ClaimQueuedItems(ctx, emp, runID, 1)
		require.NoError(t, err)
		assert.Empty(t, early, "held back until the retry time")

		clock.Advance(time.Minute)
		claimed, err := st.ClaimQueuedItems(ctx, emp, runID, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Nil(t, claimed[0].NextAttemptAt)
		_, err = st.MarkFailed(ctx, emp, runID, "e1", "boom")
		require.NoError(t, err)

		n, err := st.RequeueFailedItems(ctx, emp, runID, "operator retry")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		it, err = st.FindItem(ctx, emp, runID, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.ItemQueued, it.Status)
		assert.Equal(t, 2, it.AttemptCount)
		assert.Equal(t, "boom; operator retry", *it.LastError)
		assert.Nil(t, it.CompletedAt)
	})
}

func TestClaimItemRequeuesStaleRunning(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e1"})
		require.NoError(t, err)

		it, claimed, err := st.ClaimItem(ctx, emp, runID, "e1", 10*time.Minute, clock.Now())
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, 1, it.AttemptCount)

		_, claimed, err = st.ClaimItem(ctx, emp, runID, "e1", 10*time.Minute, clock.Now())
		require.NoError(t, err)
		assert.False(t, claimed, "held by a live claim")

		clock.Advance(11 * time.Minute)
		it, claimed, err = st.ClaimItem(ctx, emp, runID, "e1", 10*time.Minute, clock.Now())
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, 2, it.AttemptCount)
		require.NotNil(t, it.LastError)
		assert.Contains(t, *it.LastError, "requeued_stale_running_after_600000ms")

		_, _, err = st.ClaimItem(ctx, emp, runID, "nobody", time.Minute, clock.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkFailedKeepsMultiByteErrorsValid(t *testing.T) {
	eachBackend(t, func(t *testing.T, st *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		emp := newEmployer()
		runID := createRun(t, st, emp)
		_, err := st.UpsertQueuedItems(ctx, emp, runID, []string{"e1"})
		require.NoError(t, err)
		_, err = st.ClaimQueuedItems(ctx, emp, runID, 1)
		require.NoError(t, err)

		reason := strings.Repeat("a", maxErrorLen-1) + "é: rejected by bank"
		ok, err := st.MarkFailed(ctx, emp, runID, "e1", reason)
		require.NoError(t, err)
		assert.True(t, ok)

		it, err := st.FindItem(ctx, emp, runID, "e1")
		require.NoError(t, err)
		require.NotNil(t, it.LastError)
		assert.True(t, utf8.ValidString(*it.LastError))
		assert.Equal(t, maxErrorLen, utf8.RuneCountInString(*it.LastError))
		assert.True(t, strings.HasSuffix(*it.LastError, "é"))
	})
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", truncateError("short"))
	assert.Equal(t, "bad \uFFFD byte", truncateError("bad \xff byte"))

	long := strings.Repeat("ü", maxErrorLen+5)
	got := truncateError(long)
	assert.Equal(t, maxErrorLen, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}
