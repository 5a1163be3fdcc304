package models

import "time"

// ItemStatus enumerates the states of one employee within a pay run.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "QUEUED"
	ItemRunning   ItemStatus = "RUNNING"
	ItemSucceeded ItemStatus = "SUCCEEDED"
	ItemFailed    ItemStatus = "FAILED"
)

// Terminal reports whether the item is done, successfully or not.
func (s ItemStatus) Terminal() bool {
	return s == ItemSucceeded || s == ItemFailed
}

// PayRunItem is the claimable per-employee unit of a pay run.
type PayRunItem struct {
	EmployerID   string     `json:"employer_id"`
	PayRunID     string     `json:"pay_run_id"`
	EmployeeID   string     `json:"employee_id"`
	Status       ItemStatus `json:"status"`
	PaycheckID   *string    `json:"paycheck_id,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	LastError    *string    `json:"last_error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	// NextAttemptAt holds a retried item back from batch claims until then.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ItemFailure is the slim view of a failed item returned by status queries.
type ItemFailure struct {
	EmployeeID string  `json:"employee_id"`
	Reason     *string `json:"reason,omitempty"`
}

// SucceededPaycheck pairs an employee with the paycheck computed for them.
type SucceededPaycheck struct {
	EmployeeID string `json:"employee_id"`
	PaycheckID string `json:"paycheck_id"`
}

// StatusCounts aggregates item states for one pay run.
type StatusCounts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Derive computes the effective pay run status from item counts.
// A run with no items has nothing to finalize and counts as failed.
func (c StatusCounts) Derive() PayRunStatus {
	switch {
	case c.Total == 0:
		return PayRunFailed
	case c.Succeeded == c.Total:
		return PayRunFinalized
	case c.Failed == c.Total:
		return PayRunFailed
	case c.Succeeded > 0 && c.Failed > 0 && c.Succeeded+c.Failed == c.Total:
		return PayRunPartiallyFinalized
	default:
		return PayRunRunning
	}
}

// Pending reports whether any item can still make progress.
func (c StatusCounts) Pending() bool {
	return c.Queued > 0 || c.Running > 0
}
