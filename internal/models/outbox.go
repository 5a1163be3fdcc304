package models

import "time"

// OutboxStatus tracks delivery of a domain event to the broker.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSending OutboxStatus = "SENDING"
	OutboxSent    OutboxStatus = "SENT"
)

// OutboxEvent is a durable, not yet published domain event. EventID is
// deterministic so re-enqueueing the same fact is a no-op.
type OutboxEvent struct {
	OutboxID    string       `json:"outbox_id"`
	EventID     string       `json:"event_id"`
	Topic       string       `json:"topic"`
	EventKey    string       `json:"event_key"`
	EventType   string       `json:"event_type"`
	PayloadJSON string       `json:"payload_json"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   *string      `json:"last_error,omitempty"`
	LockedAt    *time.Time   `json:"locked_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
