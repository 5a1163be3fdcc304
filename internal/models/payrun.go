package models

import (
	"time"
)

// PayRunStatus enumerates lifecycle states of a pay run.
type PayRunStatus string

const (
	PayRunQueued             PayRunStatus = "QUEUED"
	PayRunRunning            PayRunStatus = "RUNNING"
	PayRunFinalized          PayRunStatus = "FINALIZED"
	PayRunPartiallyFinalized PayRunStatus = "PARTIALLY_FINALIZED"
	PayRunFailed             PayRunStatus = "FAILED"
)

// Terminal reports whether no further status change is allowed.
func (s PayRunStatus) Terminal() bool {
	switch s {
	case PayRunFinalized, PayRunPartiallyFinalized, PayRunFailed:
		return true
	}
	return false
}

// ApprovalStatus tracks the human approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
)

// PaymentStatus is the pay run level projection of settlement progress.
type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "UNPAID"
	PaymentPaying        PaymentStatus = "PAYING"
	PaymentPaid          PaymentStatus = "PAID"
	PaymentPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentFailed        PaymentStatus = "FAILED"
)

// RunType distinguishes regular runs from off-cycle and correction runs.
type RunType string

const (
	RunTypeRegular  RunType = "REGULAR"
	RunTypeOffCycle RunType = "OFF_CYCLE"
	RunTypeAdjust   RunType = "ADJUSTMENT"
	RunTypeVoid     RunType = "VOID"
	RunTypeReissue  RunType = "REISSUE"
)

// PayRun is the unit of work: one pay period run for one employer.
type PayRun struct {
	EmployerID                    string         `json:"employer_id"`
	PayRunID                      string         `json:"pay_run_id"`
	PayPeriodID                   string         `json:"pay_period_id"`
	RunType                       RunType        `json:"run_type"`
	RunSequence                   int            `json:"run_sequence"`
	Status                        PayRunStatus   `json:"status"`
	ApprovalStatus                ApprovalStatus `json:"approval_status"`
	PaymentStatus                 PaymentStatus  `json:"payment_status"`
	RequestedIdempotencyKey       *string        `json:"requested_idempotency_key,omitempty"`
	PaymentInitiateIdempotencyKey *string        `json:"payment_initiate_idempotency_key,omitempty"`
	CorrectionOfPayRunID          *string        `json:"correction_of_pay_run_id,omitempty"`
	LeaseOwner                    *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt                *time.Time     `json:"lease_expires_at,omitempty"`
	ApprovedAt                    *time.Time     `json:"approved_at,omitempty"`
	PaidAt                        *time.Time     `json:"paid_at,omitempty"`
	FinalizeCompletedAt           *time.Time     `json:"finalize_completed_at,omitempty"`
	CreatedAt                     time.Time      `json:"created_at"`
	UpdatedAt                     time.Time      `json:"updated_at"`
}

// BusinessKey identifies a run by what it pays rather than by id.
type BusinessKey struct {
	PayPeriodID string
	RunType     RunType
	RunSequence int
}

// SameBusinessKey reports whether the run was created for k.
func (r PayRun) SameBusinessKey(k BusinessKey) bool {
	return r.PayPeriodID == k.PayPeriodID && r.RunType == k.RunType && r.RunSequence == k.RunSequence
}

// AuditLog is an append-only diagnostic row for a pay run.
type AuditLog struct {
	ID         string    `json:"id"`
	EmployerID string    `json:"employer_id"`
	PayRunID   string    `json:"pay_run_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
