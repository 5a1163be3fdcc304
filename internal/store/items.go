package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payrun-orchestrator/internal/models"
)

// upsertChunk bounds rows per INSERT so SQLite stays under its variable limit.
const upsertChunk = 500

const itemColumns = `employer_id, pay_run_id, employee_id, status, paycheck_id, attempt_count,
	last_error, started_at_ms, completed_at_ms, next_attempt_at_ms, updated_at_ms`

func scanItem(row rowScanner) (models.PayRunItem, error) {
	var (
		it                 models.PayRunItem
		status             string
		paycheckID, errMsg sql.NullString
		startedAt, doneAt  sql.NullInt64
		nextAttemptAt      sql.NullInt64
		updatedAt          int64
	)
	if err := row.Scan(&it.EmployerID, &it.PayRunID, &it.EmployeeID, &status, &paycheckID,
		&it.AttemptCount, &errMsg, &startedAt, &doneAt, &nextAttemptAt, &updatedAt); err != nil {
		return models.PayRunItem{}, err
	}
	it.Status = models.ItemStatus(status)
	it.PaycheckID = nullString(paycheckID)
	it.LastError = nullString(errMsg)
	it.StartedAt = nullMillis(startedAt)
	it.CompletedAt = nullMillis(doneAt)
	it.NextAttemptAt = nullMillis(nextAttemptAt)
	it.UpdatedAt = fromMillis(updatedAt)
	return it, nil
}

func (s *Store) scanItems(rows *sql.Rows) ([]models.PayRunItem, error) {
	defer rows.Close()
	var out []models.PayRunItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpsertQueuedItems creates one QUEUED item per distinct employee id. Existing
// items are left exactly as they are. It returns how many rows were inserted.
func (s *Store) UpsertQueuedItems(ctx context.Context, employerID, payRunID string, employeeIDs []string) (int, error) {
	ids := distinctIDs(employeeIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.insertItems(ctx, tx, employerID, payRunID, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) insertItems(ctx context.Context, q querier, employerID, payRunID string, ids []string) (int, error) {
	now := toMillis(s.clock.Now())
	inserted := 0
	for start := 0; start < len(ids); start += upsertChunk {
		end := min(start+upsertChunk, len(ids))
		chunk := ids[start:end]
		values := make([]byte, 0, len(chunk)*20)
		args := make([]any, 0, len(chunk)*5)
		for i, id := range chunk {
			if i > 0 {
				values = append(values, ", "...)
			}
			values = append(values, "(?, ?, ?, ?, ?)"...)
			args = append(args, employerID, payRunID, id, string(models.ItemQueued), now)
		}
		n, err := s.exec(ctx, q, `
			INSERT INTO pay_run_item (employer_id, pay_run_id, employee_id, status, updated_at_ms)
			VALUES `+string(values)+` ON CONFLICT DO NOTHING`, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert items: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func distinctIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
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

// FindItem returns one item or ErrNotFound.
func (s *Store) FindItem(ctx context.Context, employerID, payRunID, employeeID string) (models.PayRunItem, error) {
	it, err := scanItem(s.queryRow(ctx, s.db,
		`SELECT `+itemColumns+` FROM pay_run_item WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ?`,
		employerID, payRunID, employeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PayRunItem{}, ErrNotFound
	}
	if err != nil {
		return models.PayRunItem{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// GetOrAssignPaycheckID returns the item's paycheck id, assigning a fresh one
// if none is set. Concurrent callers all observe the same id.
func (s *Store) GetOrAssignPaycheckID(ctx context.Context, employerID, payRunID, employeeID string) (string, error) {
	it, err := s.FindItem(ctx, employerID, payRunID, employeeID)
	if err != nil {
		return "", err
	}
	if it.PaycheckID != nil {
		return *it.PaycheckID, nil
	}

	candidate := "chk-" + uuid.NewString()
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run_item SET paycheck_id = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ? AND paycheck_id IS NULL`,
		candidate, toMillis(s.clock.Now()), employerID, payRunID, employeeID)
	if err != nil {
		return "", fmt.Errorf("assign paycheck id: %w", err)
	}
	if n == 1 {
		return candidate, nil
	}

	it, err = s.FindItem(ctx, employerID, payRunID, employeeID)
	if err != nil {
		return "", err
	}
	if it.PaycheckID == nil {
		return "", fmt.Errorf("paycheck id for %s/%s still unset after lost race", payRunID, employeeID)
	}
	return *it.PaycheckID, nil
}

// MarkSucceeded records a computed paycheck for a RUNNING item.
func (s *Store) MarkSucceeded(ctx context.Context, employerID, payRunID, employeeID, paycheckID string) (bool, error) {
	now := toMillis(s.clock.Now())
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run_item
		SET status = ?, paycheck_id = COALESCE(paycheck_id, ?), last_error = NULL,
			completed_at_ms = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ? AND status = ?`,
		string(models.ItemSucceeded), paycheckID, now, now,
		employerID, payRunID, employeeID, string(models.ItemRunning))
	if err != nil {
		return false, fmt.Errorf("mark item succeeded: %w", err)
	}
	return n == 1, nil
}

// MarkFailed records a terminal failure for a RUNNING item.
func (s *Store) MarkFailed(ctx context.Context, employerID, payRunID, employeeID, reason string) (bool, error) {
	now := toMillis(s.clock.Now())
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run_item
		SET status = ?, last_error = ?, completed_at_ms = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ? AND status = ?`,
		string(models.ItemFailed), truncateError(reason), now, now,
		employerID, payRunID, employeeID, string(models.ItemRunning))
	if err != nil {
		return false, fmt.Errorf("mark item failed: %w", err)
	}
	return n == 1, nil
}

// MarkRetryableFailure puts a RUNNING item back to QUEUED with the error kept
// for diagnosis. The attempt count is not touched; the next claim increments it.
// Batch claims skip the item until retryAt; a zero retryAt makes it claimable at once.
func (s *Store) MarkRetryableFailure(ctx context.Context, employerID, payRunID, employeeID, reason string, retryAt time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run_item
		SET status = ?, last_error = ?, started_at_ms = NULL, completed_at_ms = NULL,
			next_attempt_at_ms = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND employee_id = ? AND status = ?`,
		string(models.ItemQueued), truncateError(reason), zeroToNilMillis(retryAt), toMillis(s.clock.Now()),
		employerID, payRunID, employeeID, string(models.ItemRunning))
	if err != nil {
		return false, fmt.Errorf("mark item retryable: %w", err)
	}
	return n == 1, nil
}

const appendError = `SUBSTR(CASE WHEN last_error IS NULL THEN ? ELSE last_error || '; ' || ? END, 1, 2000)`

// RequeueStaleRunningItems returns RUNNING items untouched since cutoff to
// QUEUED, appending reason to their last error. Attempt counts are kept.
func (s *Store) RequeueStaleRunningItems(ctx context.Context, employerID, payRunID string, cutoff time.Time, reason string) (int, error) {
	return s.requeueStale(ctx, s.db, employerID, payRunID, "", cutoff, reason)
}

func (s *Store) requeueStale(ctx context.Context, q querier, employerID, payRunID, employeeID string, cutoff time.Time, reason string) (int, error) {
	query := `
		UPDATE pay_run_item
		SET status = ?, started_at_ms = NULL, completed_at_ms = NULL,
			last_error = ` + appendError + `, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND status = ?
		  AND completed_at_ms IS NULL AND updated_at_ms < ?`
	args := []any{string(models.ItemQueued), reason, reason, toMillis(s.clock.Now()),
		employerID, payRunID, string(models.ItemRunning), toMillis(cutoff)}
	if employeeID != "" {
		query += ` AND employee_id = ?`
		args = append(args, employeeID)
	}
	n, err := s.exec(ctx, q, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	return int(n), nil
}

// RequeueFailedItems moves FAILED items back to QUEUED for an operator retry.
func (s *Store) RequeueFailedItems(ctx context.Context, employerID, payRunID, reason string) (int, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run_item
		SET status = ?, started_at_ms = NULL, completed_at_ms = NULL, next_attempt_at_ms = NULL,
			last_error = `+appendError+`, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND status = ?`,
		string(models.ItemQueued), reason, reason, toMillis(s.clock.Now()),
		employerID, payRunID, string(models.ItemFailed))
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}
	return int(n), nil
}

// CountsForPayRun aggregates item statuses.
func (s *Store) CountsForPayRun(ctx context.Context, employerID, payRunID string) (models.StatusCounts, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT status, COUNT(*) FROM pay_run_item
		WHERE employer_id = ? AND pay_run_id = ?
		GROUP BY status`, employerID, payRunID)
	if err != nil {
		return models.StatusCounts{}, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	var c models.StatusCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.StatusCounts{}, fmt.Errorf("scan count: %w", err)
		}
		c.Total += n
		switch models.ItemStatus(status) {
		case models.ItemQueued:
			c.Queued = n
		case models.ItemRunning:
			c.Running = n
		case models.ItemSucceeded:
			c.Succeeded = n
		case models.ItemFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// HasAnyQueuedOrRunning reports whether any item can still make progress.
func (s *Store) HasAnyQueuedOrRunning(ctx context.Context, employerID, payRunID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, s.db, `
		SELECT 1 FROM pay_run_item
		WHERE employer_id = ? AND pay_run_id = ? AND status IN (?, ?)
		LIMIT 1`,
		employerID, payRunID, string(models.ItemQueued), string(models.ItemRunning)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check pending items: %w", err)
	}
	return true, nil
}

// ListFailedItems returns up to limit failures ordered by employee id.
func (s *Store) ListFailedItems(ctx context.Context, employerID, payRunID string, limit int) ([]models.ItemFailure, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT employee_id, last_error FROM pay_run_item
		WHERE employer_id = ? AND pay_run_id = ? AND status = ?
		ORDER BY employee_id
		LIMIT ?`,
		employerID, payRunID, string(models.ItemFailed), clampInt(limit, 1, 500))
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var out []models.ItemFailure
	for rows.Next() {
		var (
			f      models.ItemFailure
			reason sql.NullString
		)
		if err := rows.Scan(&f.EmployeeID, &reason); err != nil {
			return nil, fmt.Errorf("scan failed item: %w", err)
		}
		f.Reason = nullString(reason)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListSucceededPaychecks returns (employee, paycheck) pairs for succeeded items.
func (s *Store) ListSucceededPaychecks(ctx context.Context, employerID, payRunID string, limit int) ([]models.SucceededPaycheck, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT employee_id, paycheck_id FROM pay_run_item
		WHERE employer_id = ? AND pay_run_id = ? AND status = ? AND paycheck_id IS NOT NULL
		ORDER BY employee_id
		LIMIT ?`,
		employerID, payRunID, string(models.ItemSucceeded), clampInt(limit, 1, 100000))
	if err != nil {
		return nil, fmt.Errorf("list succeeded paychecks: %w", err)
	}
	defer rows.Close()

	var out []models.SucceededPaycheck
	for rows.Next() {
		var p models.SucceededPaycheck
		if err := rows.Scan(&p.EmployeeID, &p.PaycheckID); err != nil {
			return nil, fmt.Errorf("scan paycheck: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEmployeeIDsByStatus returns employee ids of items in status, ordered.
func (s *Store) ListEmployeeIDsByStatus(ctx context.Context, employerID, payRunID string, status models.ItemStatus, limit int) ([]string, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT employee_id FROM pay_run_item
		WHERE employer_id = ? AND pay_run_id = ? AND status = ?
		ORDER BY employee_id
		LIMIT ?`,
		employerID, payRunID, string(status), clampInt(limit, 1, 100000))
	if err != nil {
		return nil, fmt.Errorf("list employee ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan employee id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
