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

var errLostMappingRace = errors.New("pay run batch mapping already exists")

const batchColumns = `employer_id, batch_id, pay_run_id, status, total_payments, settled_payments,
	failed_payments, attempts, next_attempt_at_ms, last_error, locked_by, locked_at_ms,
	created_at_ms, updated_at_ms`

var activeBatchStatuses = []models.BatchStatus{
	models.BatchCreated, models.BatchProcessing, models.BatchPartiallyCompleted,
}

func scanBatch(row rowScanner) (models.PaymentBatch, error) {
	var (
		b                 models.PaymentBatch
		status            string
		lastErr, lockedBy sql.NullString
		nextAt, lockedAt  sql.NullInt64
		created, updated  int64
	)
	if err := row.Scan(&b.EmployerID, &b.BatchID, &b.PayRunID, &status, &b.TotalPayments,
		&b.SettledPayments, &b.FailedPayments, &b.Attempts, &nextAt, &lastErr, &lockedBy,
		&lockedAt, &created, &updated); err != nil {
		return models.PaymentBatch{}, err
	}
	b.Status = models.BatchStatus(status)
	b.NextAttemptAt = nullMillis(nextAt)
	b.LastError = nullString(lastErr)
	b.LockedBy = nullString(lockedBy)
	b.LockedAt = nullMillis(lockedAt)
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

// GetOrCreateBatchForPayRun returns the single batch mapped to a pay run,
// creating it if needed. When two callers race, the loser's transaction is
// rolled back so no orphan batch remains, and both observe the winner's id.
func (s *Store) GetOrCreateBatchForPayRun(ctx context.Context, employerID, payRunID string) (string, bool, error) {
	if id, found, err := s.batchIDForPayRun(ctx, employerID, payRunID); err != nil || found {
		return id, false, err
	}

	batchID := "pbatch-" + uuid.NewString()
	now := toMillis(s.clock.Now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO payment_batch (employer_id, batch_id, pay_run_id, status, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			employerID, batchID, payRunID, string(models.BatchCreated), now, now); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		mapped, err := s.insertIfAbsent(ctx, tx, `
			INSERT INTO pay_run_payment_batch (employer_id, pay_run_id, batch_id, created_at_ms)
			VALUES (?, ?, ?, ?)`,
			employerID, payRunID, batchID, now)
		if err != nil {
			return fmt.Errorf("map batch: %w", err)
		}
		if !mapped {
			return errLostMappingRace
		}
		return nil
	})
	if err == nil {
		return batchID, true, nil
	}
	if !errors.Is(err, errLostMappingRace) && !s.dialect.isUniqueViolation(err) {
		return "", false, err
	}
	id, found, err := s.batchIDForPayRun(ctx, employerID, payRunID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, ErrConflictUnresolved
	}
	return id, false, nil
}

func (s *Store) batchIDForPayRun(ctx context.Context, employerID, payRunID string) (string, bool, error) {
	var id string
	err := s.queryRow(ctx, s.db,
		`SELECT batch_id FROM pay_run_payment_batch WHERE employer_id = ? AND pay_run_id = ?`,
		employerID, payRunID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get batch mapping: %w", err)
	}
	return id, true, nil
}

// FindBatch returns a batch or ErrNotFound.
func (s *Store) FindBatch(ctx context.Context, employerID, batchID string) (models.PaymentBatch, error) {
	b, err := scanBatch(s.queryRow(ctx, s.db,
		`SELECT `+batchColumns+` FROM payment_batch WHERE employer_id = ? AND batch_id = ?`,
		employerID, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentBatch{}, ErrNotFound
	}
	if err != nil {
		return models.PaymentBatch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// FindBatchForPayRun returns the batch mapped to a pay run, if any.
func (s *Store) FindBatchForPayRun(ctx context.Context, employerID, payRunID string) (models.PaymentBatch, bool, error) {
	id, found, err := s.batchIDForPayRun(ctx, employerID, payRunID)
	if err != nil || !found {
		return models.PaymentBatch{}, false, err
	}
	b, err := s.FindBatch(ctx, employerID, id)
	if err != nil {
		return models.PaymentBatch{}, false, err
	}
	return b, true, nil
}

// ComputeCountsForBatch aggregates payment states of a batch.
func (s *Store) ComputeCountsForBatch(ctx context.Context, employerID, batchID string) (models.BatchCounts, error) {
	var c models.BatchCounts
	err := s.queryRow(ctx, s.db, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM paycheck_payment
		WHERE employer_id = ? AND batch_id = ?`,
		string(models.PaymentSettled), string(models.PaymentRejected), employerID, batchID,
	).Scan(&c.Total, &c.Settled, &c.Failed)
	if err != nil {
		return models.BatchCounts{}, fmt.Errorf("count batch payments: %w", err)
	}
	return c, nil
}

// ReconcileBatch recomputes counters and status from payment rows and
// releases the batch lock.
func (s *Store) ReconcileBatch(ctx context.Context, employerID, batchID string) (models.PaymentBatch, error) {
	counts, err := s.ComputeCountsForBatch(ctx, employerID, batchID)
	if err != nil {
		return models.PaymentBatch{}, err
	}
	n, err := s.exec(ctx, s.db, `
		UPDATE payment_batch
		SET status = ?, total_payments = ?, settled_payments = ?, failed_payments = ?,
			locked_by = NULL, locked_at_ms = NULL, updated_at_ms = ?
		WHERE employer_id = ? AND batch_id = ?`,
		string(counts.Derive()), counts.Total, counts.Settled, counts.Failed,
		toMillis(s.clock.Now()), employerID, batchID)
	if err != nil {
		return models.PaymentBatch{}, fmt.Errorf("reconcile batch: %w", err)
	}
	if n == 0 {
		return models.PaymentBatch{}, ErrNotFound
	}
	return s.FindBatch(ctx, employerID, batchID)
}

// ClaimActiveBatches locks up to limit batches that are due and not held by a
// live lock, oldest first, and marks them PROCESSING for owner.
func (s *Store) ClaimActiveBatches(ctx context.Context, limit int, owner string, ttl time.Duration, now time.Time) ([]models.PaymentBatch, error) {
	nowMs := toMillis(now)
	cutoff := toMillis(now.Add(-ttl))
	active := stringArgs(activeBatchStatuses)
	due := ` AND status IN (` + placeholders(len(active)) + `)
		AND (next_attempt_at_ms IS NULL OR next_attempt_at_ms <= ?)
		AND (locked_at_ms IS NULL OR locked_at_ms < ?)`

	var claimed []models.PaymentBatch
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		args := append(append([]any{}, active...), nowMs, cutoff, clampInt(limit, 1, 100))
		rows, err := s.query(ctx, tx, `
			SELECT employer_id, batch_id FROM payment_batch
			WHERE 1 = 1`+due+`
			ORDER BY created_at_ms, batch_id
			LIMIT ?`+s.dialect.lockRows, args...)
		if err != nil {
			return fmt.Errorf("select active batches: %w", err)
		}
		type key struct{ employer, batch string }
		var keys []key
		for rows.Next() {
			var k key
			if err := rows.Scan(&k.employer, &k.batch); err != nil {
				rows.Close()
				return fmt.Errorf("scan batch key: %w", err)
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, k := range keys {
			args := []any{string(models.BatchProcessing), owner, nowMs, nowMs, k.employer, k.batch}
			args = append(append(args, active...), nowMs, cutoff)
			n, err := s.exec(ctx, tx, `
				UPDATE payment_batch
				SET status = ?, locked_by = ?, locked_at_ms = ?, updated_at_ms = ?
				WHERE employer_id = ? AND batch_id = ?`+due, args...)
			if err != nil {
				return fmt.Errorf("lock batch: %w", err)
			}
			if n != 1 {
				continue
			}
			b, err := scanBatch(s.queryRow(ctx, tx,
				`SELECT `+batchColumns+` FROM payment_batch WHERE employer_id = ? AND batch_id = ?`,
				k.employer, k.batch))
			if err != nil {
				return fmt.Errorf("read claimed batch: %w", err)
			}
			claimed = append(claimed, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SweepCandidate identifies a batch the sweeper should look at.
type SweepCandidate struct {
	EmployerID string
	BatchID    string
}

// ListSweepCandidates returns unlocked (or stale-locked) batches that are
// still processing or only partially completed.
func (s *Store) ListSweepCandidates(ctx context.Context, lockCutoff time.Time, limit int) ([]SweepCandidate, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT employer_id, batch_id FROM payment_batch
		WHERE status IN (?, ?) AND (locked_at_ms IS NULL OR locked_at_ms < ?)
		ORDER BY updated_at_ms, batch_id
		LIMIT ?`,
		string(models.BatchProcessing), string(models.BatchPartiallyCompleted),
		toMillis(lockCutoff), clampInt(limit, 1, 1000))
	if err != nil {
		return nil, fmt.Errorf("list sweep candidates: %w", err)
	}
	defer rows.Close()

	var out []SweepCandidate
	for rows.Next() {
		var c SweepCandidate
		if err := rows.Scan(&c.EmployerID, &c.BatchID); err != nil {
			return nil, fmt.Errorf("scan sweep candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FailBatch marks a batch FAILED and cancels any scheduled retry.
func (s *Store) FailBatch(ctx context.Context, employerID, batchID, reason string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE payment_batch
		SET status = ?, next_attempt_at_ms = NULL, last_error = ?, updated_at_ms = ?
		WHERE employer_id = ? AND batch_id = ?`,
		string(models.BatchFailed), truncateError(reason), toMillis(s.clock.Now()), employerID, batchID)
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	return nil
}

// ScheduleBatchRetry sets the next attempt time and counts the attempt.
func (s *Store) ScheduleBatchRetry(ctx context.Context, employerID, batchID string, next time.Time) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE payment_batch
		SET next_attempt_at_ms = ?, attempts = attempts + 1, updated_at_ms = ?
		WHERE employer_id = ? AND batch_id = ?`,
		toMillis(next), toMillis(s.clock.Now()), employerID, batchID)
	if err != nil {
		return fmt.Errorf("schedule batch retry: %w", err)
	}
	return nil
}

// ReopenBatch returns a batch to PROCESSING with no lock and no pending retry.
func (s *Store) ReopenBatch(ctx context.Context, employerID, batchID string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE payment_batch
		SET status = ?, next_attempt_at_ms = NULL, locked_by = NULL, locked_at_ms = NULL, updated_at_ms = ?
		WHERE employer_id = ? AND batch_id = ?`,
		string(models.BatchProcessing), toMillis(s.clock.Now()), employerID, batchID)
	if err != nil {
		return fmt.Errorf("reopen batch: %w", err)
	}
	return nil
}
