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
	"golang.org/x/sync/errgroup"

	"payrun-orchestrator/internal/bootstrap"
	"payrun-orchestrator/internal/config"
	"payrun-orchestrator/internal/events"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/report"
	"payrun-orchestrator/internal/settlement"
	"payrun-orchestrator/internal/telemetry"
	workerproc "payrun-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	workerID := bootstrap.WorkerID(cfg)
	logger := bootstrap.NewLogger(cfg).With("component", "worker", "worker_id", workerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	st, err := bootstrap.OpenStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	outbox := events.NewOutbox(st, cfg.Events.Topic, clock)
	exec := workerproc.NewExecutor(workerproc.ExecutorConfig{
		Store:       st,
		Calculator:  bootstrap.Calculator(cfg),
		Notifier:    outbox,
		Clock:       clock,
		Logger:      logger,
		Owner:       workerID,
		MaxAttempts: cfg.Execution.MaxAttempts,
		RetryBase:   cfg.Execution.RetryBase,
		RetryMax:    cfg.Execution.RetryMax,
		Defaults: workerproc.ExecuteOptions{
			BatchSize:         cfg.Execution.BatchSize,
			MaxItems:          cfg.Execution.MaxItems,
			MaxDuration:       cfg.Execution.MaxDuration,
			RequeueStaleAfter: cfg.Execution.RequeueStaleAfter,
			LeaseTTL:          cfg.Lease.TTL,
		},
	})

	sink, err := report.NewSink(ctx, cfg.Reports)
	if err != nil {
		logger.Error("report sink unavailable", "error", err)
		os.Exit(1)
	}
	publishers := events.Multi{
		events.LogPublisher{Logger: logger},
		report.NewPublisher(st, sink, logger),
	}
	if cfg.Events.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			logger.Error("amqp unavailable", "error", err)
			os.Exit(1)
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The finalizer also covers runs the queue never hears about, such as
	// runs without items and runs started before queue mode was enabled.
	finalizer := workerproc.NewFinalizer(st, exec, clock, logger, cfg.Execution.PollInterval, cfg.Execution.RunsPerTick, workerproc.ExecuteOptions{})
	g.Go(func() error { return finalizer.Run(gctx) })

	if cfg.Queue.Enabled {
		rdb := bootstrap.Redis(cfg)
		defer rdb.Close()
		q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.VisibilityTimeout, clock)
		processor := workerproc.NewProcessor(cfg.Queue, q, exec, clock, logger)
		g.Go(func() error { return processor.Run(gctx) })
	}

	relay := events.NewRelay(st, publishers, clock, logger, events.RelayConfig{
		Owner:      workerID,
		Batch:      cfg.Events.RelayBatch,
		LockTTL:    cfg.Events.LockTTL,
		Interval:   cfg.Events.RelayInterval,
		Retention:  cfg.Events.Retention,
		PurgeEvery: cfg.Events.PurgeInterval,
	})
	g.Go(func() error { return relay.Run(gctx) })

	if cfg.Settlement.Enabled {
		processor := settlement.NewProcessor(st, settlement.SimulatedRail{AutoSettle: true}, outbox, clock, logger, settlement.ProcessorConfig{
			Owner:             workerID,
			BatchSize:         cfg.Settlement.BatchSize,
			MaxBatchesPerTick: cfg.Settlement.MaxBatchesPerTick,
			LockTTL:           cfg.Settlement.LockTTL,
			Interval:          cfg.Settlement.TickInterval,
		})
		sweeper := settlement.NewSweeper(st, outbox, clock, logger, settlement.SweeperConfig{
			Limit:              cfg.Settlement.SweepLimit,
			LockTTL:            cfg.Settlement.LockTTL,
			Interval:           cfg.Settlement.SweepInterval,
			MaxBatchAttempts:   cfg.Settlement.MaxBatchAttempts,
			MaxPaymentAttempts: cfg.Settlement.MaxPaymentAttempts,
			RetryBase:          cfg.Settlement.RetryBase,
			RetryMax:           cfg.Settlement.RetryMax,
		})
		g.Go(func() error { return processor.Run(gctx) })
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"dialect", st.Dialect(),
		"queue_enabled", cfg.Queue.Enabled,
		"settlement_enabled", cfg.Settlement.Enabled,
		"lease_ttl", cfg.Lease.TTL,
		"max_attempts", cfg.Execution.MaxAttempts)

	err = g.Wait()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
