// Package bootstrap builds the shared dependencies of the binaries from Config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"payrun-orchestrator/internal/calculator"
	"payrun-orchestrator/internal/config"
	"payrun-orchestrator/internal/settlement"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/worker"
)

// NewLogger returns a text logger in dev and a JSON logger elsewhere.
func NewLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.Env == "dev" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("service", "payrun-orchestrator")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenStore connects to the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg config.Config, clock clockwork.Clock, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabaseDSN,
		store.WithClock(clock),
		store.WithLeaseSkew(cfg.Lease.ClockSkew),
		store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// Redis opens the client shared by the queue and the rate limiter.
func Redis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// PaycheckService computes paychecks and reports their net pay.
type PaycheckService interface {
	worker.Calculator
	settlement.AmountSource
}

// Calculator returns the HTTP client when a URL is configured and the
// in-process Dev calculator otherwise.
func Calculator(cfg config.Config) PaycheckService {
	if cfg.Calculator.URL == "" {
		return calculator.Dev{FailPrefix: os.Getenv("DEV_FAIL_PREFIX"), Currency: cfg.Settlement.Currency}
	}
	return calculator.NewClient(cfg.Calculator.URL, cfg.Calculator.Timeout)
}

// WorkerID prefers the configured id, then the hostname, then the pid.
func WorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
