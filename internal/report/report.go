// Package report renders a JSON summary of each finalized pay run.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"payrun-orchestrator/internal/events"
	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
)

const maxListed = 10_000

// Report is the document written for a finalized pay run.
type Report struct {
	EmployerID  string                     `json:"employer_id"`
	PayRunID    string                     `json:"pay_run_id"`
	PayPeriodID string                     `json:"pay_period_id"`
	RunType     models.RunType             `json:"run_type"`
	RunSequence int                        `json:"run_sequence"`
	Status      models.PayRunStatus        `json:"status"`
	Counts      models.StatusCounts        `json:"counts"`
	Failures    []models.ItemFailure       `json:"failures"`
	Paychecks   []models.SucceededPaycheck `json:"paychecks"`
	FinalizedAt *time.Time                 `json:"finalized_at,omitempty"`
}

// Publisher writes a report whenever a pay run finalized event passes
// through. Other events are ignored.
type Publisher struct {
	store  *store.Store
	sink   Sink
	logger *slog.Logger
}

func NewPublisher(st *store.Store, sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{store: st, sink: sink, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	if ev.Type != events.TypePayRunFinalized {
		return nil
	}
	rep, err := p.Build(ctx, ev.EmployerID, ev.PayRunID)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	loc, err := p.sink.Put(ctx, Key(ev.EmployerID, ev.PayRunID), body, "application/json")
	if err != nil {
		return err
	}
	p.logger.Info("pay run report written", "employer_id", ev.EmployerID, "pay_run_id", ev.PayRunID, "location", loc)
	return nil
}

// Build assembles the report from current store state.
func (p *Publisher) Build(ctx context.Context, employerID, payRunID string) (Report, error) {
	run, err := p.store.FindPayRun(ctx, employerID, payRunID)
	if err != nil {
		return Report{}, err
	}
	counts, err := p.store.CountsForPayRun(ctx, employerID, payRunID)
	if err != nil {
		return Report{}, err
	}
	failures, err := p.store.ListFailedItems(ctx, employerID, payRunID, maxListed)
	if err != nil {
		return Report{}, err
	}
	paychecks, err := p.store.ListSucceededPaychecks(ctx, employerID, payRunID, maxListed)
	if err != nil {
		return Report{}, err
	}
	return Report{
		EmployerID:  run.EmployerID,
		PayRunID:    run.PayRunID,
		PayPeriodID: run.PayPeriodID,
		RunType:     run.RunType,
		RunSequence: run.RunSequence,
		Status:      run.Status,
		Counts:      counts,
		Failures:    failures,
		Paychecks:   paychecks,
		FinalizedAt: run.FinalizeCompletedAt,
	}, nil
}

// Key is where the report for a pay run is stored.
func Key(employerID, payRunID string) string {
	return fmt.Sprintf("payruns/%s/%s/finalize-report.json", employerID, payRunID)
}
