// Package orchestrator is the pay run lifecycle as seen by callers: start a
// finalization, read its status, approve it and initiate payments.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/settlement"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/telemetry"
)

var (
	ErrInvalidRequest         = errors.New("orchestrator: invalid request")
	ErrNotFinalized           = errors.New("orchestrator: pay run not yet finalized")
	ErrPayRunFailed           = errors.New("orchestrator: pay run failed")
	ErrPayRunTerminal         = errors.New("orchestrator: pay run already terminal")
	ErrNotApproved            = errors.New("orchestrator: pay run must be approved before payment")
	ErrIdempotencyKeyMismatch = errors.New("orchestrator: payment already initiated with a different idempotency key")
	ErrCorrectionMismatch     = errors.New("orchestrator: pay run already corrects a different run")
)

// DefaultFailureLimit bounds the failures returned by GetStatus.
const DefaultFailureLimit = 25

// Dispatcher hands per-employee work to queue consumers.
type Dispatcher interface {
	EnqueueMany(ctx context.Context, msgs []queue.ItemMessage) error
}

// PaymentRequester creates the settlement batch of an approved pay run.
type PaymentRequester interface {
	RequestPayments(ctx context.Context, employerID, payRunID string) (settlement.RequestResult, error)
}

// Service coordinates the store, the dispatch queue and settlement.
type Service struct {
	store      *store.Store
	dispatcher Dispatcher
	payments   PaymentRequester
	logger     *slog.Logger
}

// Options wires optional collaborators. A nil Dispatcher leaves items for the
// polling finalizer.
type Options struct {
	Dispatcher Dispatcher
	Payments   PaymentRequester
	Logger     *slog.Logger
}

func New(st *store.Store, opts Options) *Service {
	s := &Service{
		store:      st,
		dispatcher: opts.Dispatcher,
		payments:   opts.Payments,
		logger:     opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// StartRequest asks for one pay period to be finalized for a set of employees.
type StartRequest struct {
	EmployerID        string         `json:"-"`
	PayPeriodID       string         `json:"pay_period_id"`
	EmployeeIDs       []string       `json:"employee_ids"`
	RunType           models.RunType `json:"run_type,omitempty"`
	RunSequence       int            `json:"run_sequence,omitempty"`
	RequestedPayRunID string         `json:"requested_pay_run_id,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	CorrectionOf      string         `json:"correction_of_pay_run_id,omitempty"`
}

// StartResult is the run a start request resolved to.
type StartResult struct {
	PayRun  models.PayRun       `json:"pay_run"`
	Counts  models.StatusCounts `json:"counts"`
	Status  models.PayRunStatus `json:"status"`
	Created bool                `json:"created"`
}

// StartFinalization creates the pay run and its items, or returns the run an
// earlier identical request created.
func (s *Service) StartFinalization(ctx context.Context, req StartRequest) (StartResult, error) {
	if strings.TrimSpace(req.EmployerID) == "" || strings.TrimSpace(req.PayPeriodID) == "" {
		return StartResult{}, fmt.Errorf("%w: employer and pay period are required", ErrInvalidRequest)
	}
	switch req.RunType {
	case "", models.RunTypeRegular, models.RunTypeOffCycle, models.RunTypeAdjust, models.RunTypeVoid, models.RunTypeReissue:
	default:
		return StartResult{}, fmt.Errorf("%w: unknown run type %q", ErrInvalidRequest, req.RunType)
	}

	employees := uniqueEmployees(req.EmployeeIDs)
	if req.IdempotencyKey != "" {
		run, found, err := s.store.FindByIdempotencyKey(ctx, req.EmployerID, req.IdempotencyKey)
		if err != nil {
			return StartResult{}, err
		}
		if found {
			return s.resume(ctx, req, run, employees)
		}
	}

	run, created, inserted, err := s.store.CreatePayRunWithItems(ctx, store.CreatePayRunParams{
		EmployerID:     req.EmployerID,
		PayRunID:       req.RequestedPayRunID,
		PayPeriodID:    req.PayPeriodID,
		RunType:        req.RunType,
		RunSequence:    req.RunSequence,
		IdempotencyKey: req.IdempotencyKey,
	}, employees)
	if err != nil {
		return StartResult{}, err
	}
	if !created {
		return s.resume(ctx, req, run, employees)
	}
	telemetry.PayRunsStarted.Inc()

	if req.CorrectionOf != "" {
		ok, err := s.store.AcceptCorrectionOf(ctx, run.EmployerID, run.PayRunID, req.CorrectionOf)
		if err != nil {
			return StartResult{}, err
		}
		if !ok {
			return StartResult{}, ErrCorrectionMismatch
		}
	}

	if err := s.dispatch(ctx, run, employees); err != nil {
		return StartResult{}, err
	}
	if _, err := s.store.MarkRunningIfQueued(ctx, run.EmployerID, run.PayRunID); err != nil {
		return StartResult{}, err
	}
	if err := s.store.AppendAudit(ctx, run.EmployerID, run.PayRunID, "started",
		fmt.Sprintf("period=%s type=%s items=%d", run.PayPeriodID, run.RunType, inserted)); err != nil {
		s.logger.Warn("audit write failed", "pay_run_id", run.PayRunID, "error", err)
	}
	s.logger.Info("pay run started", "employer_id", run.EmployerID, "pay_run_id", run.PayRunID,
		"pay_period_id", run.PayPeriodID, "items", inserted)

	res, err := s.existing(ctx, run, false)
	res.Created = true
	return res, err
}

// resume finishes a start that an earlier request for the same run began.
// Items are upserted again and the run is marked RUNNING, so a retry after a
// crash mid-start leaves the same state as an uninterrupted start. Terminal
// runs and runs found under a key reused for another business key are only read.
func (s *Service) resume(ctx context.Context, req StartRequest, run models.PayRun, employees []string) (StartResult, error) {
	key := models.BusinessKey{PayPeriodID: req.PayPeriodID, RunType: req.RunType, RunSequence: req.RunSequence}
	if key.RunType == "" {
		key.RunType = models.RunTypeRegular
	}
	if key.RunSequence <= 0 {
		key.RunSequence = 1
	}
	if run.Status.Terminal() || !run.SameBusinessKey(key) {
		return s.existing(ctx, run, true)
	}

	if req.CorrectionOf != "" {
		ok, err := s.store.AcceptCorrectionOf(ctx, run.EmployerID, run.PayRunID, req.CorrectionOf)
		if err != nil {
			return StartResult{}, err
		}
		if !ok {
			return StartResult{}, ErrCorrectionMismatch
		}
	}
	inserted, err := s.store.UpsertQueuedItems(ctx, run.EmployerID, run.PayRunID, employees)
	if err != nil {
		return StartResult{}, err
	}
	if inserted > 0 {
		s.logger.Warn("start retry inserted missing items", "employer_id", run.EmployerID,
			"pay_run_id", run.PayRunID, "items", inserted)
	}
	if _, err := s.store.MarkRunningIfQueued(ctx, run.EmployerID, run.PayRunID); err != nil {
		return StartResult{}, err
	}
	return s.existing(ctx, run, true)
}

// existing re-reads a run. With redispatch its QUEUED items are enqueued
// again, which covers a crash between item upsert and enqueue.
func (s *Service) existing(ctx context.Context, run models.PayRun, redispatch bool) (StartResult, error) {
	run, err := s.store.FindPayRun(ctx, run.EmployerID, run.PayRunID)
	if err != nil {
		return StartResult{}, err
	}
	counts, err := s.store.CountsForPayRun(ctx, run.EmployerID, run.PayRunID)
	if err != nil {
		return StartResult{}, err
	}
	if redispatch && s.dispatcher != nil && !run.Status.Terminal() && counts.Queued > 0 {
		queued, err := s.store.ListEmployeeIDsByStatus(ctx, run.EmployerID, run.PayRunID, models.ItemQueued, counts.Queued)
		if err != nil {
			return StartResult{}, err
		}
		if err := s.dispatch(ctx, run, queued); err != nil {
			return StartResult{}, err
		}
	}
	return StartResult{PayRun: run, Counts: counts, Status: effectiveStatus(run, counts)}, nil
}

func (s *Service) dispatch(ctx context.Context, run models.PayRun, employees []string) error {
	if s.dispatcher == nil || len(employees) == 0 {
		return nil
	}
	msgs := make([]queue.ItemMessage, 0, len(employees))
	for _, id := range employees {
		msgs = append(msgs, queue.ItemMessage{EmployerID: run.EmployerID, PayRunID: run.PayRunID, EmployeeID: id})
	}
	if err := s.dispatcher.EnqueueMany(ctx, msgs); err != nil {
		return fmt.Errorf("dispatch items: %w", err)
	}
	return nil
}

func uniqueEmployees(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// StatusView is a pay run with its item counts and first failures.
type StatusView struct {
	PayRun          models.PayRun        `json:"pay_run"`
	Counts          models.StatusCounts  `json:"counts"`
	Failures        []models.ItemFailure `json:"failures"`
	EffectiveStatus models.PayRunStatus  `json:"status"`
}

// GetStatus returns store.ErrNotFound for unknown runs.
func (s *Service) GetStatus(ctx context.Context, employerID, payRunID string, failureLimit int) (StatusView, error) {
	if failureLimit <= 0 {
		failureLimit = DefaultFailureLimit
	}
	run, err := s.store.FindPayRun(ctx, employerID, payRunID)
	if err != nil {
		return StatusView{}, err
	}
	counts, err := s.store.CountsForPayRun(ctx, employerID, payRunID)
	if err != nil {
		return StatusView{}, err
	}
	failures, err := s.store.ListFailedItems(ctx, employerID, payRunID, failureLimit)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{PayRun: run, Counts: counts, Failures: failures, EffectiveStatus: effectiveStatus(run, counts)}, nil
}

// effectiveStatus prefers a persisted terminal status; otherwise the items decide.
// A run with no items reports what is stored until a worker derives it.
func effectiveStatus(run models.PayRun, counts models.StatusCounts) models.PayRunStatus {
	if run.Status.Terminal() || counts.Total == 0 {
		return run.Status
	}
	return counts.Derive()
}

// Approve records approval of a finalized run. Approving twice is a no-op.
func (s *Service) Approve(ctx context.Context, employerID, payRunID string) (StatusView, error) {
	view, err := s.GetStatus(ctx, employerID, payRunID, DefaultFailureLimit)
	if err != nil {
		return StatusView{}, err
	}
	if err := payable(view.EffectiveStatus); err != nil {
		return view, err
	}
	if view.PayRun.ApprovalStatus == models.ApprovalApproved {
		return view, nil
	}
	ok, err := s.store.MarkApprovedIfPending(ctx, employerID, payRunID)
	if err != nil {
		return view, err
	}
	if ok {
		if err := s.store.AppendAudit(ctx, employerID, payRunID, "approved", string(view.EffectiveStatus)); err != nil {
			s.logger.Warn("audit write failed", "pay_run_id", payRunID, "error", err)
		}
	}
	return s.GetStatus(ctx, employerID, payRunID, DefaultFailureLimit)
}

func payable(status models.PayRunStatus) error {
	switch status {
	case models.PayRunFinalized, models.PayRunPartiallyFinalized:
		return nil
	case models.PayRunFailed:
		return ErrPayRunFailed
	default:
		return ErrNotFinalized
	}
}

// PaymentResult reports what InitiatePayments did.
type PaymentResult struct {
	StatusView
	Candidates int                  `json:"candidates"`
	Enqueued   int                  `json:"enqueued"`
	Batch      *models.PaymentBatch `json:"batch,omitempty"`
}

// InitiatePayments requests settlement of an approved run. A non-empty
// idempotency key is bound to the run on first use; later calls must repeat it.
func (s *Service) InitiatePayments(ctx context.Context, employerID, payRunID, idempotencyKey string) (PaymentResult, error) {
	view, err := s.GetStatus(ctx, employerID, payRunID, DefaultFailureLimit)
	if err != nil {
		return PaymentResult{}, err
	}
	res := PaymentResult{StatusView: view}
	if err := payable(view.EffectiveStatus); err != nil {
		return res, err
	}
	if view.PayRun.ApprovalStatus != models.ApprovalApproved {
		return res, ErrNotApproved
	}
	if idempotencyKey != "" {
		ok, err := s.store.AcceptPaymentInitiateIdempotencyKey(ctx, employerID, payRunID, idempotencyKey)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, ErrIdempotencyKeyMismatch
		}
	}
	if view.PayRun.PaymentStatus == models.PaymentPaid {
		batch, found, err := s.store.FindBatchForPayRun(ctx, employerID, payRunID)
		if err != nil {
			return res, err
		}
		if found {
			res.Batch = &batch
		}
		return res, nil
	}
	if s.payments == nil {
		return res, errors.New("orchestrator: settlement is not configured")
	}

	if view.PayRun.PaymentStatus == models.PaymentUnpaid {
		if _, err := s.store.SetPaymentStatus(ctx, employerID, payRunID, models.PaymentPaying); err != nil {
			return res, err
		}
	}
	req, err := s.payments.RequestPayments(ctx, employerID, payRunID)
	if err != nil {
		return res, err
	}
	if req.Inserted > 0 {
		if err := s.store.AppendAudit(ctx, employerID, payRunID, "payments_requested",
			fmt.Sprintf("batch=%s inserted=%d", req.Batch.BatchID, req.Inserted)); err != nil {
			s.logger.Warn("audit write failed", "pay_run_id", payRunID, "error", err)
		}
	}

	view, err = s.GetStatus(ctx, employerID, payRunID, DefaultFailureLimit)
	if err != nil {
		return res, err
	}
	batch := req.Batch
	return PaymentResult{
		StatusView: view,
		Candidates: view.Counts.Succeeded,
		Enqueued:   req.Inserted,
		Batch:      &batch,
	}, nil
}

// RequeueFailed puts FAILED items of a running pay run back to QUEUED.
// Terminal runs are refused; their status is final.
func (s *Service) RequeueFailed(ctx context.Context, employerID, payRunID, reason string) (int, error) {
	run, err := s.store.FindPayRun(ctx, employerID, payRunID)
	if err != nil {
		return 0, err
	}
	if run.Status.Terminal() {
		return 0, ErrPayRunTerminal
	}
	if reason == "" {
		reason = "operator requeue"
	}
	failed, err := s.store.ListEmployeeIDsByStatus(ctx, employerID, payRunID, models.ItemFailed, 100_000)
	if err != nil {
		return 0, err
	}
	n, err := s.store.RequeueFailedItems(ctx, employerID, payRunID, reason)
	if err != nil || n == 0 {
		return n, err
	}
	if _, err := s.store.MarkRunningIfQueued(ctx, employerID, payRunID); err != nil {
		return n, err
	}
	if err := s.dispatch(ctx, run, failed); err != nil {
		return n, err
	}
	if err := s.store.AppendAudit(ctx, employerID, payRunID, "requeued_failed", fmt.Sprintf("count=%d reason=%s", n, reason)); err != nil {
		s.logger.Warn("audit write failed", "pay_run_id", payRunID, "error", err)
	}
	return n, nil
}
