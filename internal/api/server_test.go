package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/calculator"
	"payrun-orchestrator/internal/orchestrator"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/ratelimit"
	"payrun-orchestrator/internal/settlement"
	"payrun-orchestrator/internal/store/storetest"
	"payrun-orchestrator/internal/worker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	url   string
	queue *queue.RedisQueue
}

func newTestServer(t *testing.T, capacity int) *testServer {
	t.Helper()
	st, clock := storetest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	calc := calculator.Dev{FailPrefix: "bad-"}
	svc := orchestrator.New(st, orchestrator.Options{
		Payments: settlement.NewRequester(st, calc, "USD", discard),
		Logger:   discard,
	})
	q := queue.New(client, "test", time.Minute, clock)
	exec := worker.NewExecutor(worker.ExecutorConfig{Store: st, Calculator: calc, Clock: clock, Logger: discard})
	limiter := ratelimit.NewTokenBucket(client, capacity, 0.001, time.Hour).WithClock(clockwork.NewFakeClock())

	srv := httptest.NewServer(New(svc, Deps{Executor: exec, DLQ: q, Limiter: limiter, Logger: discard}).Router())
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, queue: q}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.url+path, rdr)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPayRunLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, 10)
	base := "/employers/emp-1/payruns"

	code, body := ts.do(t, http.MethodPost, base, map[string]any{
		"pay_period_id":   "2026-03-A",
		"employee_ids":    []string{"e-1", "e-2"},
		"idempotency_key": "start-1",
	}, nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, float64(2), body["total_items"])
	runID, _ := body["pay_run_id"].(string)
	require.NotEmpty(t, runID)

	code, body = ts.do(t, http.MethodPost, base, map[string]any{
		"pay_period_id": "2026-03-A",
		"employee_ids":  []string{"e-1", "e-2"},
	}, map[string]string{"Idempotency-Key": "start-1"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, runID, body["pay_run_id"])

	code, _ = ts.do(t, http.MethodPost, base+"/"+runID+"/approve", nil, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = ts.do(t, http.MethodPost, base+"/"+runID+"/execute?batchSize=1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "FINALIZED", body["final_status"])
	assert.Equal(t, float64(2), body["processed"])

	code, body = ts.do(t, http.MethodGet, base+"/"+runID, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "FINALIZED", body["status"])

	code, _ = ts.do(t, http.MethodPost, base+"/"+runID+"/payments", nil, map[string]string{"Idempotency-Key": "pay-1"})
	assert.Equal(t, http.StatusConflict, code, "payment requires approval")

	code, _ = ts.do(t, http.MethodPost, base+"/"+runID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, base+"/"+runID+"/payments", nil, map[string]string{"Idempotency-Key": "pay-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["enqueued"])

	code, _ = ts.do(t, http.MethodPost, base+"/"+runID+"/payments", nil, map[string]string{"Idempotency-Key": "pay-2"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(t, http.MethodPost, base+"/"+runID+"/requeue-failed", nil, nil)
	assert.Equal(t, http.StatusConflict, code, "terminal runs are not requeued")
}

func TestStatusErrors(t *testing.T) {
	ts := newTestServer(t, 10)

	code, _ := ts.do(t, http.MethodGet, "/employers/emp-1/payruns/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodPost, "/employers/emp-1/payruns", map[string]any{"employee_ids": []string{"e-1"}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStartIsRateLimitedPerEmployer(t *testing.T) {
	ts := newTestServer(t, 1)
	start := map[string]any{"pay_period_id": "2026-03-A", "employee_ids": []string{"e-1"}}

	code, _ := ts.do(t, http.MethodPost, "/employers/emp-1/payruns", start, nil)
	require.Equal(t, http.StatusAccepted, code)
	code, _ = ts.do(t, http.MethodPost, "/employers/emp-1/payruns", start, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	code, _ = ts.do(t, http.MethodPost, "/employers/emp-2/payruns", start, nil)
	assert.Equal(t, http.StatusAccepted, code)
}

func TestDLQListsDeadLetters(t *testing.T) {
	ts := newTestServer(t, 10)
	msg := queue.ItemMessage{EmployerID: "emp-1", PayRunID: "run-1", EmployeeID: "e-1", Attempt: 8}
	require.NoError(t, ts.queue.DLQPush(context.Background(), msg, "calculator unavailable"))

	code, body := ts.do(t, http.MethodGet, "/dlq", nil, nil)
	require.Equal(t, http.StatusOK, code)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "calculator unavailable", first["reason"])
}
