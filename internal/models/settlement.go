package models

import "time"

// BatchStatus enumerates payment batch states.
type BatchStatus string

const (
	BatchCreated            BatchStatus = "CREATED"
	BatchProcessing         BatchStatus = "PROCESSING"
	BatchCompleted          BatchStatus = "COMPLETED"
	BatchPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchFailed             BatchStatus = "FAILED"
)

// Terminal reports whether the batch will not be claimed again.
// PARTIALLY_COMPLETED stays claimable while the sweeper retries it.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// PaymentLifecycle enumerates states of a single paycheck payment.
type PaymentLifecycle string

const (
	PaymentCreated   PaymentLifecycle = "CREATED"
	PaymentSubmitted PaymentLifecycle = "SUBMITTED"
	PaymentSettled   PaymentLifecycle = "SETTLED"
	PaymentRejected  PaymentLifecycle = "FAILED"
)

// PaymentBatch groups the payments of one pay run.
type PaymentBatch struct {
	EmployerID      string      `json:"employer_id"`
	BatchID         string      `json:"batch_id"`
	PayRunID        string      `json:"pay_run_id"`
	Status          BatchStatus `json:"status"`
	TotalPayments   int         `json:"total_payments"`
	SettledPayments int         `json:"settled_payments"`
	FailedPayments  int         `json:"failed_payments"`
	Attempts        int         `json:"attempts"`
	NextAttemptAt   *time.Time  `json:"next_attempt_at,omitempty"`
	LastError       *string     `json:"last_error,omitempty"`
	LockedBy        *string     `json:"locked_by,omitempty"`
	LockedAt        *time.Time  `json:"locked_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PaycheckPayment is one money movement for one paycheck.
type PaycheckPayment struct {
	EmployerID    string           `json:"employer_id"`
	PaymentID     string           `json:"payment_id"`
	PaycheckID    string           `json:"paycheck_id"`
	PayRunID      string           `json:"pay_run_id"`
	EmployeeID    string           `json:"employee_id"`
	BatchID       string           `json:"batch_id"`
	NetCents      int64            `json:"net_cents"`
	Currency      string           `json:"currency"`
	Status        PaymentLifecycle `json:"status"`
	Attempts      int              `json:"attempts"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	LastError     *string          `json:"last_error,omitempty"`
	LockedBy      *string          `json:"locked_by,omitempty"`
	LockedAt      *time.Time       `json:"locked_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// BatchCounts aggregates payment states for one batch.
type BatchCounts struct {
	Total   int `json:"total"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// Derive computes the batch status from payment counts.
func (c BatchCounts) Derive() BatchStatus {
	switch {
	case c.Total == 0:
		return BatchCreated
	case c.Settled == c.Total:
		return BatchCompleted
	case c.Failed == c.Total:
		return BatchFailed
	case c.Settled > 0 && c.Failed > 0:
		return BatchPartiallyCompleted
	default:
		return BatchProcessing
	}
}

// PaymentStatusFor maps a terminal batch status onto the pay run projection.
func PaymentStatusFor(s BatchStatus) (PaymentStatus, bool) {
	switch s {
	case BatchCompleted:
		return PaymentPaid, true
	case BatchFailed:
		return PaymentFailed, true
	case BatchPartiallyCompleted:
		return PaymentPartiallyPaid, true
	}
	return "", false
}
