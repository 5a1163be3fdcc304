package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payrun-orchestrator/internal/models"
)

// EnqueueOutbox stores an event for later publication. A second enqueue of
// the same EventID is ignored and reported as false.
func (s *Store) EnqueueOutbox(ctx context.Context, ev models.OutboxEvent) (bool, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ok, err := s.insertIfAbsent(ctx, s.db, `
		INSERT INTO outbox_event (outbox_id, event_id, topic, event_key, event_type, payload_json, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.EventID, ev.Topic, ev.EventKey, ev.EventType, ev.PayloadJSON,
		string(models.OutboxPending), toMillis(s.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("enqueue outbox: %w", err)
	}
	return ok, nil
}

// ClaimOutbox locks up to limit due events for owner. Events stuck in SENDING
// under a lock older than ttl are claimed again.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, owner string, ttl time.Duration, now time.Time) ([]models.OutboxEvent, error) {
	nowMs := toMillis(now)
	cutoff := toMillis(now.Add(-ttl))
	claimable := `(status = ? AND (next_attempt_at_ms IS NULL OR next_attempt_at_ms <= ?) AND (locked_at_ms IS NULL OR locked_at_ms < ?))
		OR (status = ? AND locked_at_ms < ?)`
	claimArgs := []any{string(models.OutboxPending), nowMs, cutoff, string(models.OutboxSending), cutoff}

	var claimed []models.OutboxEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
			SELECT outbox_id, event_id, topic, event_key, event_type, payload_json, attempts, created_at_ms
			FROM outbox_event
			WHERE `+claimable+`
			ORDER BY created_at_ms, outbox_id
			LIMIT ?`+s.dialect.lockRows,
			append(append([]any{}, claimArgs...), clampInt(limit, 1, 500))...)
		if err != nil {
			return fmt.Errorf("select outbox: %w", err)
		}
		var candidates []models.OutboxEvent
		for rows.Next() {
			var (
				ev      models.OutboxEvent
				created int64
			)
			if err := rows.Scan(&ev.OutboxID, &ev.EventID, &ev.Topic, &ev.EventKey, &ev.EventType,
				&ev.PayloadJSON, &ev.Attempts, &created); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox: %w", err)
			}
			ev.CreatedAt = fromMillis(created)
			candidates = append(candidates, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		lockedAt := fromMillis(nowMs)
		for _, ev := range candidates {
			args := append([]any{string(models.OutboxSending), owner, nowMs, ev.OutboxID}, claimArgs...)
			n, err := s.exec(ctx, tx, `
				UPDATE outbox_event SET status = ?, locked_by = ?, locked_at_ms = ?
				WHERE outbox_id = ? AND (`+claimable+`)`, args...)
			if err != nil {
				return fmt.Errorf("lock outbox: %w", err)
			}
			if n == 1 {
				ev.Status = models.OutboxSending
				ev.LockedAt = &lockedAt
				claimed = append(claimed, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxSent completes an event; only the lock holder may do so.
func (s *Store) MarkOutboxSent(ctx context.Context, outboxID, owner string, lockedAt, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE outbox_event
		SET status = ?, published_at_ms = ?, locked_by = NULL, locked_at_ms = NULL, last_error = NULL
		WHERE outbox_id = ? AND status = ? AND locked_by = ? AND locked_at_ms = ?`,
		string(models.OutboxSent), toMillis(now),
		outboxID, string(models.OutboxSending), owner, toMillis(lockedAt))
	if err != nil {
		return false, fmt.Errorf("mark outbox sent: %w", err)
	}
	return n == 1, nil
}

// MarkOutboxFailed releases the lock and schedules another attempt.
func (s *Store) MarkOutboxFailed(ctx context.Context, outboxID, owner string, lockedAt time.Time, reason string, next time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE outbox_event
		SET status = ?, attempts = attempts + 1, next_attempt_at_ms = ?, last_error = ?,
			locked_by = NULL, locked_at_ms = NULL
		WHERE outbox_id = ? AND status = ? AND locked_by = ? AND locked_at_ms = ?`,
		string(models.OutboxPending), toMillis(next), truncateError(reason),
		outboxID, string(models.OutboxSending), owner, toMillis(lockedAt))
	if err != nil {
		return false, fmt.Errorf("mark outbox failed: %w", err)
	}
	return n == 1, nil
}

// CountOutbox returns how many events are in status.
func (s *Store) CountOutbox(ctx context.Context, status models.OutboxStatus) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM outbox_event WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// PurgeSentOutbox deletes up to limit SENT events published before olderThan
// and returns how many went. Pending and failing events are never touched.
func (s *Store) PurgeSentOutbox(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	n, err := s.exec(ctx, s.db, `
		DELETE FROM outbox_event WHERE outbox_id IN (
			SELECT outbox_id FROM outbox_event
			WHERE status = ? AND published_at_ms < ?
			ORDER BY published_at_ms
			LIMIT ?)`,
		string(models.OutboxSent), toMillis(olderThan), clampInt(limit, 1, 10000))
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return int(n), nil
}
