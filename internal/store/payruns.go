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

const payRunColumns = `employer_id, pay_run_id, pay_period_id, run_type, run_sequence,
	status, approval_status, payment_status,
	requested_idempotency_key, payment_initiate_idempotency_key, correction_of_pay_run_id,
	lease_owner, lease_expires_at_ms, approved_at_ms, paid_at_ms, finalize_completed_at_ms,
	created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayRun(row rowScanner) (models.PayRun, error) {
	var (
		run                                      models.PayRun
		runType, status, approval, payment       string
		requestedKey, paymentKey, correctionOf   sql.NullString
		leaseOwner                               sql.NullString
		leaseExpires, approvedAt, paidAt, doneAt sql.NullInt64
		createdAt, updatedAt                     int64
	)
	err := row.Scan(
		&run.EmployerID, &run.PayRunID, &run.PayPeriodID, &runType, &run.RunSequence,
		&status, &approval, &payment,
		&requestedKey, &paymentKey, &correctionOf,
		&leaseOwner, &leaseExpires, &approvedAt, &paidAt, &doneAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return models.PayRun{}, err
	}
	run.RunType = models.RunType(runType)
	run.Status = models.PayRunStatus(status)
	run.ApprovalStatus = models.ApprovalStatus(approval)
	run.PaymentStatus = models.PaymentStatus(payment)
	run.RequestedIdempotencyKey = nullString(requestedKey)
	run.PaymentInitiateIdempotencyKey = nullString(paymentKey)
	run.CorrectionOfPayRunID = nullString(correctionOf)
	run.LeaseOwner = nullString(leaseOwner)
	run.LeaseExpiresAt = nullMillis(leaseExpires)
	run.ApprovedAt = nullMillis(approvedAt)
	run.PaidAt = nullMillis(paidAt)
	run.FinalizeCompletedAt = nullMillis(doneAt)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return run, nil
}

// CreatePayRunParams collects inputs required to insert a pay run.
type CreatePayRunParams struct {
	EmployerID     string
	PayRunID       string
	PayPeriodID    string
	RunType        models.RunType
	RunSequence    int
	IdempotencyKey string
}

// CreateOrGetPayRun inserts a QUEUED pay run unless one already exists under
// any of its unique keys. An existing row is resolved by idempotency key, then
// by business key, then by id. The boolean reports whether this call created it.
func (s *Store) CreateOrGetPayRun(ctx context.Context, p CreatePayRunParams) (models.PayRun, bool, error) {
	p = p.withDefaults()
	created, err := s.insertPayRun(ctx, s.db, p)
	if err != nil {
		return models.PayRun{}, false, err
	}
	if created {
		run, err := s.FindPayRun(ctx, p.EmployerID, p.PayRunID)
		return run, true, err
	}
	return s.resolveExisting(ctx, p)
}

// CreatePayRunWithItems inserts the pay run and one QUEUED item per distinct
// employee in a single transaction, so no reader ever sees a new run without
// its items. When the run already exists nothing is written and the existing
// run is returned with created false.
func (s *Store) CreatePayRunWithItems(ctx context.Context, p CreatePayRunParams, employeeIDs []string) (run models.PayRun, created bool, inserted int, err error) {
	p = p.withDefaults()
	ids := distinctIDs(employeeIDs)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		created, err = s.insertPayRun(ctx, tx, p)
		if err != nil || !created {
			return err
		}
		inserted, err = s.insertItems(ctx, tx, p.EmployerID, p.PayRunID, ids)
		return err
	})
	if err != nil {
		return models.PayRun{}, false, 0, err
	}
	if created {
		run, err = s.FindPayRun(ctx, p.EmployerID, p.PayRunID)
		return run, true, inserted, err
	}
	run, _, err = s.resolveExisting(ctx, p)
	return run, false, 0, err
}

func (p CreatePayRunParams) withDefaults() CreatePayRunParams {
	if p.PayRunID == "" {
		p.PayRunID = "run-" + uuid.NewString()
	}
	if p.RunType == "" {
		p.RunType = models.RunTypeRegular
	}
	if p.RunSequence <= 0 {
		p.RunSequence = 1
	}
	return p
}

func (s *Store) insertPayRun(ctx context.Context, q querier, p CreatePayRunParams) (bool, error) {
	now := toMillis(s.clock.Now())
	created, err := s.insertIfAbsent(ctx, q, `
		INSERT INTO pay_run (employer_id, pay_run_id, pay_period_id, run_type, run_sequence,
			status, approval_status, payment_status, requested_idempotency_key,
			created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.EmployerID, p.PayRunID, p.PayPeriodID, string(p.RunType), p.RunSequence,
		string(models.PayRunQueued), string(models.ApprovalPending), string(models.PaymentUnpaid),
		emptyToNil(p.IdempotencyKey), now, now)
	if err != nil {
		return false, fmt.Errorf("insert pay run: %w", err)
	}
	return created, nil
}

func (s *Store) resolveExisting(ctx context.Context, p CreatePayRunParams) (models.PayRun, bool, error) {
	if p.IdempotencyKey != "" {
		run, found, err := s.FindByIdempotencyKey(ctx, p.EmployerID, p.IdempotencyKey)
		if err != nil {
			return models.PayRun{}, false, err
		}
		if found {
			if !run.SameBusinessKey(p.businessKey()) {
				s.logger.Warn("idempotency key reused for a different pay run",
					"employer_id", p.EmployerID,
					"idempotency_key", p.IdempotencyKey,
					"existing_pay_run_id", run.PayRunID,
					"requested_pay_period_id", p.PayPeriodID)
			}
			return run, false, nil
		}
	}
	run, found, err := s.FindByBusinessKey(ctx, p.EmployerID, p.businessKey())
	if err != nil {
		return models.PayRun{}, false, err
	}
	if found {
		return run, false, nil
	}
	run, err = s.FindPayRun(ctx, p.EmployerID, p.PayRunID)
	if errors.Is(err, ErrNotFound) {
		return models.PayRun{}, false, ErrConflictUnresolved
	}
	return run, false, err
}

func (p CreatePayRunParams) businessKey() models.BusinessKey {
	return models.BusinessKey{PayPeriodID: p.PayPeriodID, RunType: p.RunType, RunSequence: p.RunSequence}
}

// FindPayRun returns the pay run or ErrNotFound.
func (s *Store) FindPayRun(ctx context.Context, employerID, payRunID string) (models.PayRun, error) {
	run, err := scanPayRun(s.queryRow(ctx, s.db,
		`SELECT `+payRunColumns+` FROM pay_run WHERE employer_id = ? AND pay_run_id = ?`,
		employerID, payRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PayRun{}, ErrNotFound
	}
	if err != nil {
		return models.PayRun{}, fmt.Errorf("get pay run: %w", err)
	}
	return run, nil
}

// FindByIdempotencyKey returns the pay run created under the start request key, if any.
func (s *Store) FindByIdempotencyKey(ctx context.Context, employerID, key string) (models.PayRun, bool, error) {
	return s.findOne(ctx,
		`SELECT `+payRunColumns+` FROM pay_run WHERE employer_id = ? AND requested_idempotency_key = ?`,
		employerID, key)
}

// FindByBusinessKey returns the pay run for (period, type, sequence), if any.
func (s *Store) FindByBusinessKey(ctx context.Context, employerID string, key models.BusinessKey) (models.PayRun, bool, error) {
	return s.findOne(ctx,
		`SELECT `+payRunColumns+` FROM pay_run
		WHERE employer_id = ? AND pay_period_id = ? AND run_type = ? AND run_sequence = ?`,
		employerID, key.PayPeriodID, string(key.RunType), key.RunSequence)
}

// FindByPaymentInitiateKey returns the pay run that accepted the payment initiation key, if any.
func (s *Store) FindByPaymentInitiateKey(ctx context.Context, employerID, key string) (models.PayRun, bool, error) {
	return s.findOne(ctx,
		`SELECT `+payRunColumns+` FROM pay_run WHERE employer_id = ? AND payment_initiate_idempotency_key = ?`,
		employerID, key)
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (models.PayRun, bool, error) {
	run, err := scanPayRun(s.queryRow(ctx, s.db, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PayRun{}, false, nil
	}
	if err != nil {
		return models.PayRun{}, false, fmt.Errorf("find pay run: %w", err)
	}
	return run, true, nil
}

// ListPayRunsByStatus returns up to limit runs in the given status, least recently touched first.
func (s *Store) ListPayRunsByStatus(ctx context.Context, status models.PayRunStatus, limit int) ([]models.PayRun, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+payRunColumns+` FROM pay_run WHERE status = ? ORDER BY updated_at_ms, pay_run_id LIMIT ?`,
		string(status), clampInt(limit, 1, 500))
	if err != nil {
		return nil, fmt.Errorf("list pay runs: %w", err)
	}
	defer rows.Close()

	var out []models.PayRun
	for rows.Next() {
		run, err := scanPayRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pay run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AcquireOrRenewLease takes the lease of a QUEUED or RUNNING run when it is
// free, expired or already ours, moving QUEUED to RUNNING.
// A foreign lease counts as expired only once now passes expiry plus the
// configured clock skew allowance.
func (s *Store) AcquireOrRenewLease(ctx context.Context, employerID, payRunID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	nowMs := toMillis(now)
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run
		SET lease_owner = ?, lease_expires_at_ms = ?, updated_at_ms = ?, status = ?
		WHERE employer_id = ? AND pay_run_id = ? AND status IN (?, ?)
		  AND (lease_owner IS NULL OR lease_expires_at_ms IS NULL OR lease_expires_at_ms < ? OR lease_owner = ?)`,
		owner, toMillis(now.Add(ttl)), nowMs, string(models.PayRunRunning),
		employerID, payRunID, string(models.PayRunQueued), string(models.PayRunRunning),
		nowMs-s.leaseSkew.Milliseconds(), owner)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLeaseIfOwned drops owner's lease without touching status.
func (s *Store) ReleaseLeaseIfOwned(ctx context.Context, employerID, payRunID, owner string) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run
		SET lease_owner = NULL, lease_expires_at_ms = NULL, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND lease_owner = ?`,
		toMillis(s.clock.Now()), employerID, payRunID, owner)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return n == 1, nil
}

// RenewLeaseIfOwned extends the lease only when owner still holds it, expired or not.
func (s *Store) RenewLeaseIfOwned(ctx context.Context, employerID, payRunID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run
		SET lease_expires_at_ms = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND lease_owner = ?`,
		toMillis(now.Add(ttl)), toMillis(now), employerID, payRunID, owner)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

// MarkRunningIfQueued flips QUEUED to RUNNING and reports whether it did.
func (s *Store) MarkRunningIfQueued(ctx context.Context, employerID, payRunID string) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run SET status = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND status = ?`,
		string(models.PayRunRunning), toMillis(s.clock.Now()),
		employerID, payRunID, string(models.PayRunQueued))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return n == 1, nil
}

// SetFinalStatusAndReleaseLease writes a terminal status and clears the lease
// in one statement. Rows already terminal are left untouched.
func (s *Store) SetFinalStatusAndReleaseLease(ctx context.Context, employerID, payRunID string, status models.PayRunStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	sources := models.PayRunSourcesFor(status)
	args := []any{string(status), toMillis(s.clock.Now()), employerID, payRunID}
	args = append(args, stringArgs(sources)...)
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run
		SET status = ?, lease_owner = NULL, lease_expires_at_ms = NULL, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("set final status: %w", err)
	}
	return n == 1, nil
}

// MarkFinalizeCompletedIfNull stamps the first moment a run reached a terminal status.
func (s *Store) MarkFinalizeCompletedIfNull(ctx context.Context, employerID, payRunID string) (bool, error) {
	now := toMillis(s.clock.Now())
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run SET finalize_completed_at_ms = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND finalize_completed_at_ms IS NULL`,
		now, now, employerID, payRunID)
	if err != nil {
		return false, fmt.Errorf("mark finalize completed: %w", err)
	}
	return n == 1, nil
}

// MarkApprovedIfPending records approval once.
func (s *Store) MarkApprovedIfPending(ctx context.Context, employerID, payRunID string) (bool, error) {
	now := toMillis(s.clock.Now())
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run SET approval_status = ?, approved_at_ms = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND approval_status = ?`,
		string(models.ApprovalApproved), now, now,
		employerID, payRunID, string(models.ApprovalPending))
	if err != nil {
		return false, fmt.Errorf("mark approved: %w", err)
	}
	return n == 1, nil
}

// SetPaymentStatus moves the payment projection along the transition matrix.
// It returns false when the current value cannot reach status.
func (s *Store) SetPaymentStatus(ctx context.Context, employerID, payRunID string, status models.PaymentStatus) (bool, error) {
	sources := models.PaymentSourcesFor(status)
	if len(sources) == 0 {
		return false, fmt.Errorf("%w: unknown payment status %s", ErrInvalidTransition, status)
	}
	now := toMillis(s.clock.Now())
	paidAt := "paid_at_ms"
	args := []any{string(status)}
	if status == models.PaymentPaid {
		paidAt = "COALESCE(paid_at_ms, ?)"
		args = append(args, now)
	}
	args = append(args, now, employerID, payRunID)
	args = append(args, stringArgs(sources)...)
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run SET payment_status = ?, paid_at_ms = `+paidAt+`, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND payment_status IN (`+placeholders(len(sources))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("set payment status: %w", err)
	}
	return n == 1, nil
}

// AcceptPaymentInitiateIdempotencyKey stores key if none is set and accepts a
// repeat of the same key. Any other key, including one already used by a
// different run of the employer, is refused.
func (s *Store) AcceptPaymentInitiateIdempotencyKey(ctx context.Context, employerID, payRunID, key string) (bool, error) {
	n, err := s.exec(ctx, s.db, `
		UPDATE pay_run
		SET payment_initiate_idempotency_key = COALESCE(payment_initiate_idempotency_key, ?), updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ?
		  AND (payment_initiate_idempotency_key IS NULL OR payment_initiate_idempotency_key = ?)`,
		key, toMillis(s.clock.Now()), employerID, payRunID, key)
	if s.dialect.isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("accept payment initiate key: %w", err)
	}
	return n == 1, nil
}

// AcceptCorrectionOf sets the back-reference to the run being corrected once
// and reports whether the stored value now equals correctionOf.
func (s *Store) AcceptCorrectionOf(ctx context.Context, employerID, payRunID, correctionOf string) (bool, error) {
	if _, err := s.exec(ctx, s.db, `
		UPDATE pay_run
		SET correction_of_pay_run_id = ?, updated_at_ms = ?
		WHERE employer_id = ? AND pay_run_id = ? AND correction_of_pay_run_id IS NULL`,
		correctionOf, toMillis(s.clock.Now()), employerID, payRunID); err != nil {
		return false, fmt.Errorf("set correction of: %w", err)
	}
	run, err := s.FindPayRun(ctx, employerID, payRunID)
	if err != nil {
		return false, err
	}
	return run.CorrectionOfPayRunID != nil && *run.CorrectionOfPayRunID == correctionOf, nil
}

// AppendAudit writes one diagnostic row for a pay run.
func (s *Store) AppendAudit(ctx context.Context, employerID, payRunID, event, detail string) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO pay_run_audit (audit_id, employer_id, pay_run_id, event, detail, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), employerID, payRunID, event, truncateError(detail), toMillis(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit rows for a pay run, newest first.
func (s *Store) ListAudit(ctx context.Context, employerID, payRunID string, limit int) ([]models.AuditLog, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT audit_id, employer_id, pay_run_id, event, detail, recorded_at_ms
		FROM pay_run_audit
		WHERE employer_id = ? AND pay_run_id = ?
		ORDER BY recorded_at_ms DESC, audit_id
		LIMIT ?`,
		employerID, payRunID, clampInt(limit, 1, 500))
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var (
			a  models.AuditLog
			ms int64
		)
		if err := rows.Scan(&a.ID, &a.EmployerID, &a.PayRunID, &a.Event, &a.Detail, &ms); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Recorded = fromMillis(ms)
		out = append(out, a)
	}
	return out, rows.Err()
}
