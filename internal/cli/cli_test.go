package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/orchestrator"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/store/storetest"
	"payrun-orchestrator/internal/worker"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seededDB(t *testing.T, employees ...string) (path, employerID, payRunID string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "payroll.db")
	st, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.RunMigrations(context.Background()))
	employerID = storetest.Employer()
	payRunID = storetest.SeedRun(t, st, employerID, employees...)
	return path, employerID, payRunID
}

func TestMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payroll.db")
	out, err := run(t, "migrate", "--db", path, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"dialect": "sqlite"`)
}

func TestStatusAndExecute(t *testing.T) {
	path, emp, runID := seededDB(t, "e-1", "e-2", "e-3")

	out, err := run(t, "status", emp, runID, "--db", path, "--format", "json")
	require.NoError(t, err)
	var view orchestrator.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, 3, view.Counts.Total)
	assert.Equal(t, 3, view.Counts.Queued)

	out, err = run(t, "execute", emp, runID, "--db", path, "--format", "json", "--batch-size", "2")
	require.NoError(t, err)
	var res worker.ExecuteResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.AcquiredLease)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, models.PayRunFinalized, res.FinalStatus)

	out, err = run(t, "status", emp, runID, "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "status=FINALIZED")

	_, err = run(t, "requeue-failed", emp, runID, "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestStatusUnknownRun(t *testing.T) {
	path, emp, _ := seededDB(t, "e-1")
	_, err := run(t, "status", emp, "missing", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "migrate", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSweepWithNothingToDo(t *testing.T) {
	path, _, _ := seededDB(t, "e-1")
	out, err := run(t, "sweep", "--db", path, "--relay", "--format", "json")
	require.NoError(t, err)
	var res sweepOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.Processed.Batches)
	assert.Zero(t, res.Swept.Reconciled)
}

func TestDLQ(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := queue.New(client, "payrun:finalize", 0, clockwork.NewRealClock())
	msg := queue.ItemMessage{EmployerID: "emp-1", PayRunID: "run-1", EmployeeID: "e-9", Attempt: 8}
	require.NoError(t, q.DLQPush(context.Background(), msg, "calculator unavailable"))

	path := filepath.Join(t.TempDir(), "payroll.db")
	out, err := run(t, "dlq", "--db", path, "--redis", mr.Addr())
	require.NoError(t, err)
	assert.Contains(t, out, "emp-1|run-1|e-9")
	assert.Contains(t, out, "reason=calculator unavailable")
}
