package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	api "payrun-orchestrator/internal/api"
	"payrun-orchestrator/internal/bootstrap"
	"payrun-orchestrator/internal/config"
	"payrun-orchestrator/internal/orchestrator"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/ratelimit"
	"payrun-orchestrator/internal/settlement"
	"payrun-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(cfg).With("component", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	st, err := bootstrap.OpenStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := bootstrap.Redis(cfg)
	defer rdb.Close()
	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.VisibilityTimeout, clock)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, time.Hour)

	calc := bootstrap.Calculator(cfg)
	opts := orchestrator.Options{
		Payments: settlement.NewRequester(st, calc, cfg.Settlement.Currency, logger),
		Logger:   logger,
	}
	if cfg.Queue.Enabled {
		opts.Dispatcher = q
	}
	svc := orchestrator.New(st, opts)

	exec := worker.NewExecutor(worker.ExecutorConfig{
		Store:       st,
		Calculator:  calc,
		Clock:       clock,
		Logger:      logger,
		Owner:       bootstrap.WorkerID(cfg) + "-api",
		MaxAttempts: cfg.Execution.MaxAttempts,
		RetryBase:   cfg.Execution.RetryBase,
		RetryMax:    cfg.Execution.RetryMax,
		Defaults: worker.ExecuteOptions{
			BatchSize:         cfg.Execution.BatchSize,
			MaxItems:          cfg.Execution.MaxItems,
			MaxDuration:       cfg.Execution.MaxDuration,
			RequeueStaleAfter: cfg.Execution.RequeueStaleAfter,
			LeaseTTL:          cfg.Lease.TTL,
		},
	})

	server := api.New(svc, api.Deps{Executor: exec, DLQ: q, Limiter: limiter, Logger: logger})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "dialect", st.Dialect(), "queue_enabled", cfg.Queue.Enabled)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
