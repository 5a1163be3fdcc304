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

const paymentColumns = `employer_id, payment_id, paycheck_id, pay_run_id, employee_id, batch_id,
	net_cents, currency, status, attempts, next_attempt_at_ms, last_error, locked_by, locked_at_ms,
	created_at_ms, updated_at_ms`

func scanPayment(row rowScanner) (models.PaycheckPayment, error) {
	var (
		p                          models.PaycheckPayment
		status                     string
		batchID, lastErr, lockedBy sql.NullString
		nextAt, lockedAt           sql.NullInt64
		created, updated           int64
	)
	if err := row.Scan(&p.EmployerID, &p.PaymentID, &p.PaycheckID, &p.PayRunID, &p.EmployeeID,
		&batchID, &p.NetCents, &p.Currency, &status, &p.Attempts, &nextAt, &lastErr, &lockedBy,
		&lockedAt, &created, &updated); err != nil {
		return models.PaycheckPayment{}, err
	}
	p.BatchID = batchID.String
	p.Status = models.PaymentLifecycle(status)
	p.NextAttemptAt = nullMillis(nextAt)
	p.LastError = nullString(lastErr)
	p.LockedBy = nullString(lockedBy)
	p.LockedAt = nullMillis(lockedAt)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]models.PaycheckPayment, error) {
	defer rows.Close()
	var out []models.PaycheckPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NewPayment describes a payment to create for one paycheck.
type NewPayment struct {
	EmployerID string
	PayRunID   string
	EmployeeID string
	PaycheckID string
	BatchID    string
	NetCents   int64
	Currency   string
}

// InsertPaymentIfAbsent creates a CREATED payment unless the paycheck already
// has one. It reports whether a row was written.
func (s *Store) InsertPaymentIfAbsent(ctx context.Context, p NewPayment) (bool, error) {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	now := toMillis(s.clock.Now())
	ok, err := s.insertIfAbsent(ctx, s.db, `
		INSERT INTO paycheck_payment (employer_id, payment_id, paycheck_id, pay_run_id, employee_id,
			batch_id, net_cents, currency, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.EmployerID, "pay-"+uuid.NewString(), p.PaycheckID, p.PayRunID, p.EmployeeID,
		emptyToNil(p.BatchID), p.NetCents, p.Currency, string(models.PaymentCreated), now, now)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return ok, nil
}

// AttachBatchIfMissing assigns a batch to a payment created without one.
func (s *Store) AttachBatchIfMissing(ctx context.Context, employerID, paycheckID, batchID string) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE paycheck_payment SET batch_id = ?, updated_at_ms = ?
		WHERE employer_id = ? AND paycheck_id = ? AND batch_id IS NULL`,
		batchID, toMillis(s.clock.Now()), employerID, paycheckID)
	if err != nil {
		return false, fmt.Errorf("attach batch: %w", err)
	}
	return n == 1, nil
}

// FindPaymentByPaycheck returns the payment of a paycheck or ErrNotFound.
func (s *Store) FindPaymentByPaycheck(ctx context.Context, employerID, paycheckID string) (models.PaycheckPayment, error) {
	p, err := scanPayment(s.queryRow(ctx, s.db,
		`SELECT `+paymentColumns+` FROM paycheck_payment WHERE employer_id = ? AND paycheck_id = ?`,
		employerID, paycheckID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaycheckPayment{}, ErrNotFound
	}
	if err != nil {
		return models.PaycheckPayment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ListPaymentsByPayRun returns all payments of a pay run ordered by employee.
func (s *Store) ListPaymentsByPayRun(ctx context.Context, employerID, payRunID string) ([]models.PaycheckPayment, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+paymentColumns+` FROM paycheck_payment
		WHERE employer_id = ? AND pay_run_id = ? ORDER BY employee_id`,
		employerID, payRunID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return scanPayments(rows)
}

// ClaimCreatedPayments moves up to limit due CREATED payments of a batch to
// SUBMITTED under owner's lock and returns them.
func (s *Store) ClaimCreatedPayments(ctx context.Context, employerID, batchID string, limit int, owner string, ttl time.Duration, now time.Time) ([]models.PaycheckPayment, error) {
	nowMs := toMillis(now)
	cutoff := toMillis(now.Add(-ttl))

	var claimed []models.PaycheckPayment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
			SELECT payment_id FROM paycheck_payment
			WHERE employer_id = ? AND batch_id = ? AND status = ?
			  AND (next_attempt_at_ms IS NULL OR next_attempt_at_ms <= ?)
			  AND (locked_at_ms IS NULL OR locked_at_ms < ?)
			ORDER BY created_at_ms, payment_id
			LIMIT ?`+s.dialect.lockRows,
			employerID, batchID, string(models.PaymentCreated), nowMs, cutoff, clampInt(limit, 1, 500))
		if err != nil {
			return fmt.Errorf("select created payments: %w", err)
		}
		var ids []any
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan payment id: %w", err)
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
		args := append([]any{string(models.PaymentSubmitted), owner, nowMs, nowMs, nowMs,
			employerID, string(models.PaymentCreated)}, ids...)
		if _, err := s.exec(ctx, tx, `
			UPDATE paycheck_payment
			SET status = ?, locked_by = ?, locked_at_ms = ?, submitted_at_ms = ?, updated_at_ms = ?
			WHERE employer_id = ? AND status = ? AND payment_id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("claim payments: %w", err)
		}

		readArgs := append([]any{employerID, string(models.PaymentSubmitted), owner, nowMs}, ids...)
		rows, err = s.query(ctx, tx, `
			SELECT `+paymentColumns+` FROM paycheck_payment
			WHERE employer_id = ? AND status = ? AND locked_by = ? AND locked_at_ms = ?
			  AND payment_id IN (`+in+`)
			ORDER BY created_at_ms, payment_id`, readArgs...)
		if err != nil {
			return fmt.Errorf("read claimed payments: %w", err)
		}
		claimed, err = scanPayments(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdatePaymentStatus moves a payment along its lifecycle. Moving to FAILED
// counts an attempt only when the payment was not already FAILED, so repeated
// failure reports are idempotent. Returns false when the move is not allowed
// from the current status.
func (s *Store) UpdatePaymentStatus(ctx context.Context, employerID, paymentID string, status models.PaymentLifecycle, reason string, nextAttemptAt *time.Time) (bool, error) {
	if status == models.PaymentCreated {
		return false, fmt.Errorf("%w: reopen payments with ReopenFailedPayments", ErrInvalidTransition)
	}
	sources := models.LifecycleSourcesFor(status)
	if len(sources) == 0 {
		return false, fmt.Errorf("%w: unknown payment status %s", ErrInvalidTransition, status)
	}
	now := toMillis(s.clock.Now())

	var (
		set  string
		args []any
	)
	switch status {
	case models.PaymentSubmitted:
		set = `submitted_at_ms = ?`
		args = []any{now}
	case models.PaymentSettled:
		set = `last_error = NULL, next_attempt_at_ms = NULL, locked_by = NULL, locked_at_ms = NULL, settled_at_ms = ?`
		args = []any{now}
	case models.PaymentRejected:
		var next any
		if nextAttemptAt != nil {
			next = toMillis(*nextAttemptAt)
		}
		set = `last_error = ?, next_attempt_at_ms = ?, locked_by = NULL, locked_at_ms = NULL,
			attempts = CASE WHEN status <> ? THEN attempts + 1 ELSE attempts END`
		args = []any{emptyToNil(truncateError(reason)), next, string(models.PaymentRejected)}
	}

	args = append([]any{string(status)}, args...)
	args = append(args, now, employerID, paymentID)
	args = append(args, stringArgs(sources)...)
	n, err := s.exec(ctx, s.db, `
		UPDATE paycheck_payment
		SET status = ?, `+set+`, updated_at_ms = ?
		WHERE employer_id = ? AND payment_id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return n == 1, nil
}

// ReopenFailedPayments returns FAILED payments with attempts left to CREATED.
func (s *Store) ReopenFailedPayments(ctx context.Context, employerID, batchID string, maxAttempts int) (int, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE paycheck_payment
		SET status = ?, next_attempt_at_ms = NULL, last_error = NULL, locked_by = NULL,
			locked_at_ms = NULL, updated_at_ms = ?
		WHERE employer_id = ? AND batch_id = ? AND status = ? AND attempts < ?`,
		string(models.PaymentCreated), toMillis(s.clock.Now()),
		employerID, batchID, string(models.PaymentRejected), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reopen failed payments: %w", err)
	}
	return int(n), nil
}
