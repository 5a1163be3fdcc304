package cli

import (
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"payrun-orchestrator/internal/bootstrap"
	"payrun-orchestrator/internal/events"
	"payrun-orchestrator/internal/queue"
	"payrun-orchestrator/internal/settlement"
)

type sweepOutput struct {
	Processed settlement.TickResult  `json:"processed"`
	Swept     settlement.SweepResult `json:"swept"`
	Relayed   int                    `json:"relayed"`
	Purged    int                    `json:"purged"`
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	var relay bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one settlement processor tick and one sweeper tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := opts.cfg
			clock := clockwork.NewRealClock()
			logger := opts.logger(cmd)
			owner := "payrunctl-" + bootstrap.WorkerID(cfg)
			outbox := events.NewOutbox(st, cfg.Events.Topic, clock)

			var out sweepOutput
			out.Processed, err = settlement.NewProcessor(st, settlement.SimulatedRail{AutoSettle: true}, outbox, clock, logger,
				settlement.ProcessorConfig{
					Owner:             owner,
					BatchSize:         cfg.Settlement.BatchSize,
					MaxBatchesPerTick: cfg.Settlement.MaxBatchesPerTick,
					LockTTL:           cfg.Settlement.LockTTL,
				}).TickOnce(ctx)
			if err != nil {
				return wrapExit(ExitCommandError, "settlement tick", err)
			}
			out.Swept, err = settlement.NewSweeper(st, outbox, clock, logger, settlement.SweeperConfig{
				Limit:              cfg.Settlement.SweepLimit,
				LockTTL:            cfg.Settlement.LockTTL,
				MaxBatchAttempts:   cfg.Settlement.MaxBatchAttempts,
				MaxPaymentAttempts: cfg.Settlement.MaxPaymentAttempts,
				RetryBase:          cfg.Settlement.RetryBase,
				RetryMax:           cfg.Settlement.RetryMax,
			}).TickOnce(ctx)
			if err != nil {
				return wrapExit(ExitCommandError, "sweep", err)
			}
			if relay {
				r := events.NewRelay(st, events.LogPublisher{Logger: logger}, clock, logger,
					events.RelayConfig{Owner: owner, Batch: cfg.Events.RelayBatch, Retention: cfg.Events.Retention})
				out.Relayed, err = r.TickOnce(ctx)
				if err != nil {
					return wrapExit(ExitCommandError, "relay outbox", err)
				}
				out.Purged, err = r.Purge(ctx)
				if err != nil {
					return wrapExit(ExitCommandError, "purge outbox", err)
				}
			}
			return opts.print(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "batches=%d settled=%d failed=%d\n", out.Processed.Batches, out.Processed.Settled, out.Processed.Failed)
				fmt.Fprintf(w, "reconciled=%d scheduled=%d reopened=%d gave_up=%d relayed=%d purged=%d\n",
					out.Swept.Reconciled, out.Swept.Scheduled, out.Swept.Reopened, out.Swept.Failed, out.Relayed, out.Purged)
			})
		},
	}
	cmd.Flags().BoolVar(&relay, "relay", false, "also relay pending outbox events to the log")
	return cmd
}

func newDLQCommand(opts *RootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered item messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			rdb := bootstrap.Redis(cfg)
			defer rdb.Close()
			q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.VisibilityTimeout, clockwork.NewRealClock())
			items, err := q.DLQPeek(cmd.Context(), limit)
			if err != nil {
				return wrapExit(ExitCommandError, "read dlq", err)
			}
			return opts.print(cmd, items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintln(w, "dlq is empty")
					return
				}
				for _, dl := range items {
					fmt.Fprintf(w, "%s attempt=%d at=%s reason=%s\n", dl.Message.ID(), dl.Message.Attempt, dl.At.Format("2006-01-02T15:04:05Z07:00"), dl.Reason)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 100, "maximum entries to list")
	return cmd
}
