// Package settlement moves approved pay runs through payment batches: one
// batch per pay run, one payment per succeeded paycheck.
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
)

// AmountSource returns the net pay of a finalized paycheck.
type AmountSource interface {
	NetPay(ctx context.Context, employerID, payRunID, paycheckID string) (cents int64, currency string, err error)
}

// RequestResult summarises a RequestPayments call.
type RequestResult struct {
	Batch        models.PaymentBatch `json:"batch"`
	BatchCreated bool                `json:"batch_created"`
	Inserted     int                 `json:"inserted"`
}

// Requester creates the batch and payments for a pay run. Every step is
// insert-if-absent, so calling it again after a crash fills in what is missing.
type Requester struct {
	store    *store.Store
	amounts  AmountSource
	currency string
	logger   *slog.Logger
}

func NewRequester(st *store.Store, amounts AmountSource, currency string, logger *slog.Logger) *Requester {
	return &Requester{store: st, amounts: amounts, currency: currency, logger: logger}
}

// maxPaychecks bounds one pay run's payments.
const maxPaychecks = 100_000

// RequestPayments gets or creates the pay run's batch and one CREATED payment
// per succeeded paycheck.
func (r *Requester) RequestPayments(ctx context.Context, employerID, payRunID string) (RequestResult, error) {
	batchID, created, err := r.store.GetOrCreateBatchForPayRun(ctx, employerID, payRunID)
	if err != nil {
		return RequestResult{}, err
	}
	paychecks, err := r.store.ListSucceededPaychecks(ctx, employerID, payRunID, maxPaychecks)
	if err != nil {
		return RequestResult{}, err
	}

	res := RequestResult{BatchCreated: created}
	for _, pc := range paychecks {
		cents, currency, err := r.amounts.NetPay(ctx, employerID, payRunID, pc.PaycheckID)
		if err != nil {
			return res, fmt.Errorf("net pay for paycheck %s: %w", pc.PaycheckID, err)
		}
		if currency == "" {
			currency = r.currency
		}
		inserted, err := r.store.InsertPaymentIfAbsent(ctx, store.NewPayment{
			EmployerID: employerID,
			PayRunID:   payRunID,
			EmployeeID: pc.EmployeeID,
			PaycheckID: pc.PaycheckID,
			BatchID:    batchID,
			NetCents:   cents,
			Currency:   currency,
		})
		if err != nil {
			return res, err
		}
		if inserted {
			res.Inserted++
			continue
		}
		if _, err := r.store.AttachBatchIfMissing(ctx, employerID, pc.PaycheckID, batchID); err != nil {
			return res, err
		}
	}

	if created || res.Inserted > 0 {
		res.Batch, err = r.store.ReconcileBatch(ctx, employerID, batchID)
	} else {
		res.Batch, err = r.store.FindBatch(ctx, employerID, batchID)
	}
	if err != nil {
		return res, err
	}
	r.logger.Info("payments requested", "employer_id", employerID, "pay_run_id", payRunID,
		"batch_id", batchID, "batch_created", created, "inserted", res.Inserted, "total", res.Batch.TotalPayments)
	return res, nil
}
