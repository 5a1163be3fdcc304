package events

import (
	"fmt"
	"time"

	"payrun-orchestrator/internal/models"
)

// Type names a domain event; it doubles as the AMQP routing key.
type Type string

const (
	TypePayRunFinalized        Type = "payrun.finalized"
	TypePayRunPaymentChanged   Type = "payrun.payment_status_changed"
	TypePaycheckPaymentChanged Type = "paycheck.payment_status_changed"
)

// Event is the payload written to the outbox and delivered to publishers.
type Event struct {
	ID         string               `json:"event_id"`
	Type       Type                 `json:"type"`
	EmployerID string               `json:"employer_id"`
	PayRunID   string               `json:"pay_run_id"`
	BatchID    string               `json:"batch_id,omitempty"`
	EmployeeID string               `json:"employee_id,omitempty"`
	PaycheckID string               `json:"paycheck_id,omitempty"`
	Status     string               `json:"status"`
	Counts     *models.StatusCounts `json:"counts,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// PayRunFinalized builds the event for a pay run reaching a terminal status.
func PayRunFinalized(run models.PayRun, status models.PayRunStatus, counts models.StatusCounts, at time.Time) Event {
	return Event{
		ID:         fmt.Sprintf("pay-run-finalized:%s:%s:%s", run.EmployerID, run.PayRunID, status),
		Type:       TypePayRunFinalized,
		EmployerID: run.EmployerID,
		PayRunID:   run.PayRunID,
		Status:     string(status),
		Counts:     &counts,
		OccurredAt: at.UTC(),
	}
}

// PayRunPaymentChanged builds the event for the pay run payment projection moving.
func PayRunPaymentChanged(employerID, payRunID, batchID string, status models.PaymentStatus, at time.Time) Event {
	return Event{
		ID:         fmt.Sprintf("pay-run-payment-status-changed:%s:%s:%s", employerID, payRunID, status),
		Type:       TypePayRunPaymentChanged,
		EmployerID: employerID,
		PayRunID:   payRunID,
		BatchID:    batchID,
		Status:     string(status),
		OccurredAt: at.UTC(),
	}
}

// PaycheckPaymentChanged builds the event for one payment settling or failing.
func PaycheckPaymentChanged(p models.PaycheckPayment, status models.PaymentLifecycle, at time.Time) Event {
	return Event{
		ID:         fmt.Sprintf("paycheck-payment-status-changed:%s:%s:%s", p.EmployerID, p.PaycheckID, status),
		Type:       TypePaycheckPaymentChanged,
		EmployerID: p.EmployerID,
		PayRunID:   p.PayRunID,
		BatchID:    p.BatchID,
		EmployeeID: p.EmployeeID,
		PaycheckID: p.PaycheckID,
		Status:     string(status),
		OccurredAt: at.UTC(),
	}
}
