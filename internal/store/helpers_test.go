package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)

// backends yields a fresh SQLite store, plus Postgres when POSTGRES_TEST_DSN is set.
func backends(t *testing.T) map[string]func(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	out := map[string]func(t *testing.T) (*Store, *clockwork.FakeClock){
		"sqlite": newSQLiteStore,
	}
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) (*Store, *clockwork.FakeClock) {
			clock := clockwork.NewFakeClockAt(testEpoch)
			st, err := OpenPostgres(context.Background(), dsn, WithClock(clock))
			require.NoError(t, err)
			t.Cleanup(st.Close)
			require.NoError(t, st.RunMigrations(context.Background()))
			return st, clock
		}
	}
	return out
}

func newSQLiteStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "payruns.db"), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(context.Background()))
	return st, clock
}

// eachBackend runs fn once per available backend.
func eachBackend(t *testing.T, fn func(t *testing.T, st *Store, clock *clockwork.FakeClock)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, clock := open(t)
			fn(t, st, clock)
		})
	}
}

// newEmployer isolates rows of one test from others sharing a database.
func newEmployer() string {
	return "emp-" + uuid.NewString()[:8]
}

func createRun(t *testing.T, st *Store, employerID string) string {
	t.Helper()
	run, created, err := st.CreateOrGetPayRun(context.Background(), CreatePayRunParams{
		EmployerID:  employerID,
		PayPeriodID: "2026-01-B",
	})
	require.NoError(t, err)
	require.True(t, created)
	return run.PayRunID
}
