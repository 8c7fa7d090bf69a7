package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/workd/internal/api"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	PollInterval time.Duration
	MetricsAddr  string
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Resume pending processes until interrupted",
		Long: `Poll the store for processes that are neither terminal nor held by a
live heartbeat, and resume them from their checkpoints.

The daemon runs until SIGINT or SIGTERM. With --metrics-addr it also
serves /healthz, /metrics and a read-only view of /v1/processes.

Example:
  workd daemon --db ./workd.db
  workd daemon --db ./workd.db --poll-interval 2s --metrics-addr :9090 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 0, "time between scans for pending processes (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address of the status and metrics server (overrides config)")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.PollInterval > 0 {
		cfg.Daemon.PollInterval = opts.PollInterval
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log config", err)
	}
	n, err := openNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := n.daemon.Run(gctx)
		return err
	})
	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(cfg.Metrics.Addr, api.Deps{
			Store:     n.store,
			Persister: n.persister,
			Engine:    n.engine,
			Daemon:    n.daemon,
			Metrics:   n.metrics,
			Logger:    logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("daemon started", "db", cfg.DBPath, "poll_interval", cfg.Daemon.PollInterval)
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon started. Press Ctrl-C to stop.")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	logger.Info("daemon stopped gracefully")
	return nil
}
