package calculator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFinalizeAndNetPay(t *testing.T) {
	var got finalizeRequest
	r := chi.NewRouter()
	r.Post("/v1/employers/{employerID}/payruns/{payRunID}/paychecks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "emp-1", chi.URLParam(r, "employerID"))
		assert.Equal(t, "run-1", chi.URLParam(r, "payRunID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.EmployeeID == "bad" {
			http.Error(w, "no tax profile", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/v1/employers/{employerID}/paychecks/{paycheckID}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(netPayResponse{NetCents: 123456, Currency: "CAD"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	require.NoError(t, c.FinalizePaycheck(ctx, "emp-1", "run-1", "e-1", "chk-1"))
	assert.Equal(t, finalizeRequest{EmployeeID: "e-1", PaycheckID: "chk-1"}, got)

	err := c.FinalizePaycheck(ctx, "emp-1", "run-1", "bad", "chk-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "no tax profile")

	cents, currency, err := c.NetPay(ctx, "emp-1", "run-1", "chk-1")
	require.NoError(t, err)
	assert.EqualValues(t, 123456, cents)
	assert.Equal(t, "CAD", currency)
}

func TestDevCalculator(t *testing.T) {
	d := Dev{FailPrefix: "fail-"}
	ctx := context.Background()
	require.NoError(t, d.FinalizePaycheck(ctx, "emp", "run", "e-1", "chk"))
	assert.ErrorIs(t, d.FinalizePaycheck(ctx, "emp", "run", "fail-2", "chk"), ErrSimulatedFailure)

	a, cur, err := d.NetPay(ctx, "emp", "run", "chk-1")
	require.NoError(t, err)
	b, _, _ := d.NetPay(ctx, "emp", "run", "chk-1")
	assert.Equal(t, a, b)
	assert.Equal(t, "USD", cur)
	assert.GreaterOrEqual(t, a, int64(100_000))
}
