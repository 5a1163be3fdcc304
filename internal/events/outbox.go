package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
)

// Outbox records events in the same database as the state they describe.
// The Relay publishes them later.
type Outbox struct {
	store *store.Store
	topic string
	clock clockwork.Clock
}

func NewOutbox(st *store.Store, topic string, clock clockwork.Clock) *Outbox {
	if topic == "" {
		topic = "payrun.events"
	}
	return &Outbox{store: st, topic: topic, clock: clock}
}

// Record stores ev. Recording the same event id twice is a no-op reported as false.
func (o *Outbox) Record(ctx context.Context, ev Event) (bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	return o.store.EnqueueOutbox(ctx, models.OutboxEvent{
		EventID:     ev.ID,
		Topic:       o.topic,
		EventKey:    ev.EmployerID,
		EventType:   string(ev.Type),
		PayloadJSON: string(payload),
	})
}

// PayRunFinalized records the terminal event of a pay run.
func (o *Outbox) PayRunFinalized(ctx context.Context, run models.PayRun, status models.PayRunStatus, counts models.StatusCounts) error {
	_, err := o.Record(ctx, PayRunFinalized(run, status, counts, o.clock.Now()))
	return err
}

// PaymentChanged records a paycheck payment outcome.
func (o *Outbox) PaymentChanged(ctx context.Context, p models.PaycheckPayment, status models.PaymentLifecycle) error {
	_, err := o.Record(ctx, PaycheckPaymentChanged(p, status, o.clock.Now()))
	return err
}

// PayRunPaymentChanged records a move of the pay run payment projection.
func (o *Outbox) PayRunPaymentChanged(ctx context.Context, employerID, payRunID, batchID string, status models.PaymentStatus) error {
	_, err := o.Record(ctx, PayRunPaymentChanged(employerID, payRunID, batchID, status, o.clock.Now()))
	return err
}
