package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/orchestrator"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/ratelimit"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/telemetry"
	"payrun-orchestrator/internal/worker"
)

// Executor runs one bounded slice of a pay run on request.
type Executor interface {
	ExecutePayRun(ctx context.Context, employerID, payRunID string, opts worker.ExecuteOptions) (worker.ExecuteResult, error)
}

// DeadLetters exposes the queue's DLQ for inspection.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Server wires HTTP handlers for the pay run API.
type Server struct {
	svc     *orchestrator.Service
	exec    Executor
	dlq     DeadLetters
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// Deps are the optional collaborators of a Server. Nil fields disable the
// routes or checks that need them.
type Deps struct {
	Executor Executor
	DLQ      DeadLetters
	Limiter  *ratelimit.TokenBucket
	Logger   *slog.Logger
}

// New constructs the API server.
func New(svc *orchestrator.Service, deps Deps) *Server {
	s := &Server{
		svc:     svc,
		exec:    deps.Executor,
		dlq:     deps.DLQ,
		limiter: deps.Limiter,
		logger:  deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/employers/{employerID}/payruns", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/{payRunID}", s.handleStatus)
		r.Post("/{payRunID}/execute", s.handleExecute)
		r.Post("/{payRunID}/approve", s.handleApprove)
		r.Post("/{payRunID}/payments", s.handleInitiatePayments)
		r.Post("/{payRunID}/requeue-failed", s.handleRequeueFailed)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

type startResponse struct {
	EmployerID string              `json:"employer_id"`
	PayRunID   string              `json:"pay_run_id"`
	Status     models.PayRunStatus `json:"status"`
	TotalItems int                 `json:"total_items"`
	Created    bool                `json:"created"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	employerID := chi.URLParam(r, "employerID")
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.EmployerID = employerID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowEmployer(r.Context(), employerID)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "employer_id", employerID, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	res, err := s.svc.StartFinalization(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		EmployerID: employerID,
		PayRunID:   res.PayRun.PayRunID,
		Status:     res.Status,
		TotalItems: res.Counts.Total,
		Created:    res.Created,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "failureLimit", orchestrator.DefaultFailureLimit)
	view, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "employerID"), chi.URLParam(r, "payRunID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		writeError(w, http.StatusNotImplemented, "execution is not enabled on this node")
		return
	}
	opts := worker.ExecuteOptions{
		BatchSize:         queryInt(r, "batchSize", 0),
		MaxItems:          queryInt(r, "maxItems", 0),
		MaxDuration:       time.Duration(queryInt(r, "maxMillis", 0)) * time.Millisecond,
		RequeueStaleAfter: time.Duration(queryInt(r, "requeueStaleMillis", 0)) * time.Millisecond,
	}
	res, err := s.exec.ExecutePayRun(r.Context(), chi.URLParam(r, "employerID"), chi.URLParam(r, "payRunID"), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Approve(r.Context(), chi.URLParam(r, "employerID"), chi.URLParam(r, "payRunID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleInitiatePayments(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.InitiatePayments(r.Context(), chi.URLParam(r, "employerID"), chi.URLParam(r, "payRunID"),
		r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type requeueRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	n, err := s.svc.RequeueFailed(r.Context(), chi.URLParam(r, "employerID"), chi.URLParam(r, "payRunID"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// handleDLQ returns the oldest dead-lettered item messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.DeadLetter{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), int64(queryInt(r, "limit", 100)))
	if err != nil {
		s.logger.Error("dlq read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotFinalized),
		errors.Is(err, orchestrator.ErrPayRunFailed),
		errors.Is(err, orchestrator.ErrPayRunTerminal),
		errors.Is(err, orchestrator.ErrNotApproved),
		errors.Is(err, orchestrator.ErrIdempotencyKeyMismatch),
		errors.Is(err, orchestrator.ErrCorrectionMismatch),
		errors.Is(err, store.ErrConflictUnresolved):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
