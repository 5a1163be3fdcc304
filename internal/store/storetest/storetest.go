// Package storetest opens throwaway stores for tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/store"
)

// Epoch is the fake clock start for every store opened here.
var Epoch = time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)

// New opens a migrated SQLite store driven by a fake clock.
func New(t *testing.T) (*store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(Epoch)
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(context.Background()))
	return st, clock
}

// Employer returns a unique employer id.
func Employer() string {
	return "emp-" + uuid.NewString()[:8]
}

// SeedRun creates a pay run with one QUEUED item per employee and returns its id.
func SeedRun(t *testing.T, st *store.Store, employerID string, employees ...string) string {
	t.Helper()
	ctx := context.Background()
	run, _, err := st.CreateOrGetPayRun(ctx, store.CreatePayRunParams{
		EmployerID:  employerID,
		PayPeriodID: "2026-01-B",
	})
	require.NoError(t, err)
	_, err = st.UpsertQueuedItems(ctx, employerID, run.PayRunID, employees)
	require.NoError(t, err)
	return run.PayRunID
}
