package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payrun-orchestrator/internal/models"
)

// ClaimQueuedItems moves up to batchSize QUEUED items of a pay run to RUNNING
// and returns them, lowest employee id first. Selection and update share one
// transaction; on Postgres the selected rows are locked and rows locked by a
// concurrent claimer are skipped, so concurrent callers get disjoint sets.
func (s *Store) ClaimQueuedItems(ctx context.Context, employerID, payRunID string, batchSize int) ([]models.PayRunItem, error) {
	limit := clampInt(batchSize, 1, 500)
	now := toMillis(s.clock.Now())

	var claimed []models.PayRunItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
			SELECT employee_id FROM pay_run_item
			WHERE employer_id = ? AND pay_run_id = ? AND status = ?
			  AND (next_attempt_at_ms IS NULL OR next_attempt_at_ms <= ?)
			ORDER BY employee_id
			LIMIT ?`+s.dialect.lockRows,
			employerID, payRunID, string(models.ItemQueued), now, limit)
		if err != nil {
			return fmt.Errorf("select queued items: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan queued item: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		in := placeholders(len(ids))
		args := []any{string(models.ItemRunning), now, now, employerID, payRunID, string(models.ItemQueued)}
		for _, id := range ids {
			args = append(args, id)
		}
		n, err := s.exec(ctx, tx, `
			UPDATE pay_run_item
			SET status = ?, attempt_count = attempt_count + 1, next_attempt_at_ms = NULL,
				started_at_ms = COALESCE(started_at_ms, ?), updated_at_ms = ?
			WHERE employer_id = ? AND pay_run_id = ? AND status = ? AND employee_id IN (`+in+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("claim items: %w", err)
		}
		if int(n) != len(ids) {
			s.logger.Debug("claim updated fewer rows than selected",
				"employer_id", employerID, "pay_run_id", payRunID,
				"selected", len(ids), "updated", n)
		}

		readArgs := []any{employerID, payRunID, string(models.ItemRunning)}
		for _, id := range ids {
			readArgs = append(readArgs, id)
		}
		rows, err = s.query(ctx, tx, `
			SELECT `+itemColumns+` FROM pay_run_item
			WHERE employer_id = ? AND pay_run_id = ? AND status = ? AND employee_id IN (`+in+`)
			ORDER BY employee_id`, readArgs...)
		if err != nil {
			return fmt.Errorf("read claimed items: %w", err)
		}
		claimed, err = s.scanItems(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// StaleReason annotates items reclaimed from a worker that stopped updating them.
func StaleReason(after time.Duration) string {
	return fmt.Sprintf("requeued_stale_running_after_%dms", after.Milliseconds())
}

// ClaimItem claims a single item for the queue consumer. An item stuck in
// RUNNING for longer than requeueStaleAfter is first returned to QUEUED. The
// boolean reports whether this call moved the item to RUNNING; otherwise the
// current row is returned unchanged. A pending retry time is not honoured
// here; the queue schedules redelivery itself.
func (s *Store) ClaimItem(ctx context.Context, employerID, payRunID, employeeID string, requeueStaleAfter time.Duration, now time.Time) (models.PayRunItem, bool, error) {
	var (
		item    models.PayRunItem
		claimed bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanItem(s.queryRow(ctx, tx,
			`SELECT `+itemColumns+` FROM pay_run_item
			WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ?`+s.dialect.lockRow,
			employerID, payRunID, employeeID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select item: %w", err)
		}

		if current.Status == models.ItemRunning && requeueStaleAfter > 0 {
			if _, err := s.requeueStale(ctx, tx, employerID, payRunID, employeeID,
				now.Add(-requeueStaleAfter), StaleReason(requeueStaleAfter)); err != nil {
				return err
			}
		}

		nowMs := toMillis(now)
		n, err := s.exec(ctx, tx, `
			UPDATE pay_run_item
			SET status = ?, attempt_count = attempt_count + 1, next_attempt_at_ms = NULL,
				started_at_ms = COALESCE(started_at_ms, ?), updated_at_ms = ?
			WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ? AND status = ?`,
			string(models.ItemRunning), nowMs, nowMs,
			employerID, payRunID, employeeID, string(models.ItemQueued))
		if err != nil {
			return fmt.Errorf("claim item: %w", err)
		}
		claimed = n == 1

		item, err = scanItem(s.queryRow(ctx, tx,
			`SELECT `+itemColumns+` FROM pay_run_item
			WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ?`,
			employerID, payRunID, employeeID))
		return err
	})
	if err != nil {
		return models.PayRunItem{}, false, err
	}
	return item, claimed, nil
}
