// Package cli implements payrunctl, the operator CLI.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"payrun-orchestrator/internal/bootstrap"
	"payrun-orchestrator/internal/config"
	"payrun-orchestrator/internal/store"
)

// Exit codes for payrunctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and was refused
	ExitCommandError = 2 // bad flags, unreachable database
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, defaulting to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags.
type RootOptions struct {
	Database string
	Redis    string
	Format   string
	Verbose  bool

	cfg config.Config
}

// NewRootCommand builds payrunctl with every subcommand attached.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "payrunctl",
		Short: "Inspect and drive pay runs",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return wrapExit(ExitCommandError, fmt.Sprintf("invalid format %q", opts.Format), nil)
			}
			cfg, err := config.Load()
			if err != nil {
				return wrapExit(ExitCommandError, "load config", err)
			}
			if opts.Database != "" {
				cfg.DatabaseDSN = opts.Database
			}
			if opts.Redis != "" {
				cfg.RedisAddr = opts.Redis
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN (overrides DATABASE_DSN)")
	cmd.PersistentFlags().StringVar(&opts.Redis, "redis", "", "redis address (overrides REDIS_ADDR)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newExecuteCommand(opts))
	cmd.AddCommand(newRequeueFailedCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))
	return cmd
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (o *RootOptions) openStore(ctx context.Context, cmd *cobra.Command) (*store.Store, error) {
	st, err := bootstrap.OpenStore(ctx, o.cfg, clockwork.NewRealClock(), o.logger(cmd))
	if err != nil {
		return nil, wrapExit(ExitCommandError, "open database", err)
	}
	return st, nil
}

// print writes v as JSON, or text via the supplied formatter.
func (o *RootOptions) print(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
