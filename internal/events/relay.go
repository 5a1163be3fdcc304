package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/telemetry"
)

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Owner     string
	Batch     int
	LockTTL   time.Duration
	Interval  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
	// Retention keeps SENT events this long; zero keeps them forever.
	Retention  time.Duration
	PurgeEvery time.Duration
	PurgeBatch int
}

// Relay moves outbox rows to a Publisher. Delivery is at least once; the
// event id lets consumers drop duplicates.
type Relay struct {
	store     *store.Store
	publisher Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       RelayConfig
	lastPurge time.Time
}

func NewRelay(st *store.Store, pub Publisher, clock clockwork.Clock, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.Owner == "" {
		cfg.Owner = "relay"
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = time.Hour
	}
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = 1000
	}
	return &Relay{store: st, publisher: pub, clock: clock, logger: logger, cfg: cfg}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.TickOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay tick failed", "error", err)
		}
		if r.cfg.Retention > 0 && r.clock.Since(r.lastPurge) >= r.cfg.PurgeEvery {
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox purge failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// TickOnce claims one batch and returns how many events were delivered.
func (r *Relay) TickOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	claimed, err := r.store.ClaimOutbox(ctx, r.cfg.Batch, r.cfg.Owner, r.cfg.LockTTL, now)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, row := range claimed {
		var ev Event
		pubErr := json.Unmarshal([]byte(row.PayloadJSON), &ev)
		if pubErr == nil {
			pubErr = r.publisher.Publish(ctx, ev)
		} else {
			pubErr = fmt.Errorf("decode outbox payload: %w", pubErr)
		}

		if pubErr != nil {
			next := r.clock.Now().Add(r.retryDelay(row.Attempts))
			if _, err := r.store.MarkOutboxFailed(ctx, row.OutboxID, r.cfg.Owner, *row.LockedAt, pubErr.Error(), next); err != nil {
				return sent, err
			}
			telemetry.OutboxFailures.Inc()
			r.logger.Warn("outbox delivery failed", "event_id", row.EventID, "attempts", row.Attempts+1, "next_attempt", next, "error", pubErr)
			continue
		}
		ok, err := r.store.MarkOutboxSent(ctx, row.OutboxID, r.cfg.Owner, *row.LockedAt, r.clock.Now())
		if err != nil {
			return sent, err
		}
		if !ok {
			r.logger.Warn("outbox lock lost before completion", "event_id", row.EventID)
			continue
		}
		telemetry.OutboxPublished.Inc()
		sent++
	}
	return sent, nil
}

// Purge deletes SENT events older than the retention window, one batch at a
// time until a short batch. It is a no-op when retention is zero.
func (r *Relay) Purge(ctx context.Context) (int, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	now := r.clock.Now()
	r.lastPurge = now
	cutoff := now.Add(-r.cfg.Retention)
	total := 0
	for {
		n, err := r.store.PurgeSentOutbox(ctx, cutoff, r.cfg.PurgeBatch)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.cfg.PurgeBatch {
			break
		}
	}
	if total > 0 {
		r.logger.Info("purged sent outbox events", "count", total, "published_before", cutoff)
	}
	return total, nil
}

func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.cfg.RetryBase << min(attempts, 20)
	if d <= 0 || d > r.cfg.RetryMax {
		return r.cfg.RetryMax
	}
	return d
}
