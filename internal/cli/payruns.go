package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"payrun-orchestrator/internal/bootstrap"
	"payrun-orchestrator/internal/events"
	"payrun-orchestrator/internal/orchestrator"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/worker"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			return opts.print(cmd, map[string]string{"status": "migrated", "dialect": st.Dialect()}, func(w io.Writer) {
				fmt.Fprintf(w, "migrations applied (%s)\n", st.Dialect())
			})
		},
	}
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	var failures int
	cmd := &cobra.Command{
		Use:   "status EMPLOYER_ID PAY_RUN_ID",
		Short: "Show a pay run with item counts and failures",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			view, err := orchestrator.New(st, orchestrator.Options{Logger: opts.logger(cmd)}).
				GetStatus(cmd.Context(), args[0], args[1], failures)
			if errors.Is(err, store.ErrNotFound) {
				return wrapExit(ExitFailure, "pay run not found", err)
			}
			if err != nil {
				return wrapExit(ExitCommandError, "read status", err)
			}
			return opts.print(cmd, view, func(w io.Writer) {
				c := view.Counts
				fmt.Fprintf(w, "%s/%s period=%s status=%s approval=%s payment=%s\n",
					view.PayRun.EmployerID, view.PayRun.PayRunID, view.PayRun.PayPeriodID,
					view.EffectiveStatus, view.PayRun.ApprovalStatus, view.PayRun.PaymentStatus)
				fmt.Fprintf(w, "items total=%d queued=%d running=%d succeeded=%d failed=%d\n",
					c.Total, c.Queued, c.Running, c.Succeeded, c.Failed)
				for _, f := range view.Failures {
					reason := ""
					if f.Reason != nil {
						reason = *f.Reason
					}
					fmt.Fprintf(w, "  failed %s: %s\n", f.EmployeeID, reason)
				}
			})
		},
	}
	cmd.Flags().IntVar(&failures, "failures", orchestrator.DefaultFailureLimit, "maximum failures to list")
	return cmd
}

func newExecuteCommand(opts *RootOptions) *cobra.Command {
	var (
		batchSize int
		maxItems  int
		owner     string
	)
	cmd := &cobra.Command{
		Use:   "execute EMPLOYER_ID PAY_RUN_ID",
		Short: "Run one bounded execution slice for a pay run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := opts.cfg
			if owner == "" {
				owner = "payrunctl-" + bootstrap.WorkerID(cfg)
			}
			clock := clockwork.NewRealClock()
			exec := worker.NewExecutor(worker.ExecutorConfig{
				Store:       st,
				Calculator:  bootstrap.Calculator(cfg),
				Notifier:    events.NewOutbox(st, cfg.Events.Topic, clock),
				Clock:       clock,
				Logger:      opts.logger(cmd),
				Owner:       owner,
				MaxAttempts: cfg.Execution.MaxAttempts,
				RetryBase:   cfg.Execution.RetryBase,
				RetryMax:    cfg.Execution.RetryMax,
				Defaults: worker.ExecuteOptions{
					MaxDuration:       cfg.Execution.MaxDuration,
					RequeueStaleAfter: cfg.Execution.RequeueStaleAfter,
					LeaseTTL:          cfg.Lease.TTL,
				},
			})
			res, err := exec.ExecutePayRun(ctx, args[0], args[1], worker.ExecuteOptions{BatchSize: batchSize, MaxItems: maxItems})
			if errors.Is(err, store.ErrNotFound) {
				return wrapExit(ExitFailure, "pay run not found", err)
			}
			if err != nil {
				return wrapExit(ExitCommandError, "execute", err)
			}
			return opts.print(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "lease=%t processed=%d status=%s more_work=%t\n",
					res.AcquiredLease, res.Processed, res.FinalStatus, res.MoreWork)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 25, "items claimed per batch")
	cmd.Flags().IntVar(&maxItems, "max-items", 200, "items processed in this slice")
	cmd.Flags().StringVar(&owner, "owner", "", "lease owner token")
	return cmd
}

func newRequeueFailedCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "requeue-failed EMPLOYER_ID PAY_RUN_ID",
		Short: "Put FAILED items of a running pay run back to QUEUED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := requeueFailed(cmd.Context(), orchestrator.New(st, orchestrator.Options{Logger: opts.logger(cmd)}), args[0], args[1], reason)
			if err != nil {
				return err
			}
			return opts.print(cmd, map[string]int{"requeued": n}, func(w io.Writer) {
				fmt.Fprintf(w, "requeued %d items\n", n)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator requeue", "reason appended to each item's error")
	return cmd
}

func requeueFailed(ctx context.Context, svc *orchestrator.Service, employerID, payRunID, reason string) (int, error) {
	n, err := svc.RequeueFailed(ctx, employerID, payRunID, reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 0, wrapExit(ExitFailure, "pay run not found", err)
	case errors.Is(err, orchestrator.ErrPayRunTerminal):
		return 0, wrapExit(ExitFailure, "pay run is terminal", err)
	case err != nil:
		return 0, wrapExit(ExitCommandError, "requeue failed items", err)
	}
	return n, nil
}
