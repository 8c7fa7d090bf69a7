package cli

import (
	"io"
	"log/slog"

	"github.com/roach88/workd/internal/config"
	"github.com/roach88/workd/internal/daemon"
	"github.com/roach88/workd/internal/engine"
	"github.com/roach88/workd/internal/job"
	"github.com/roach88/workd/internal/metrics"
	"github.com/roach88/workd/internal/persistence"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/transport"
)

// node is one runner: a store with everything needed to drive the
// processes recorded in it.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	registry  *process.Registry
	persister *persistence.Persister
	queue     *transport.Queue
	engine    *engine.Engine
	daemon    *daemon.Daemon
	metrics   *metrics.Collector
}

// loadConfig reads the config file and environment, then applies the
// root flags on top.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	return cfg, nil
}

// newLogger builds the slog logger selected by cfg. Verbose forces debug.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// openNode opens the store of cfg and wires the runner around it. The
// shell job is registered under job.ShellKey.
func openNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	logger.Debug("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	n := &node{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: process.NewRegistry(),
		metrics:  metrics.New(),
	}
	env := process.Env{
		Store:             st,
		Logger:            logger,
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
	}
	n.persister = persistence.New(st, n.registry, env)

	n.queue = transport.NewQueue(transport.WithLogger(logger))
	n.metrics.WatchQueue(n.queue.NumWaiting)

	shell := job.NewShell()
	rt := &job.Runtime{
		Queue:        n.queue,
		Resolver:     cfg.Resolver(),
		Computer:     cfg.Jobs.Computer,
		PollInterval: cfg.Jobs.PollInterval,
	}
	if err := job.Register(n.registry, job.ShellKey, shell.Job, rt); err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register jobs", err)
	}

	n.engine = engine.New(n.persister,
		engine.WithMaxConcurrent(cfg.Engine.MaxConcurrent),
		engine.WithLogger(logger),
		engine.WithMetrics(n.metrics),
	)
	n.daemon = daemon.New(st, n.engine,
		daemon.WithPollInterval(cfg.Daemon.PollInterval),
		daemon.WithLaunchConcurrency(cfg.Daemon.LaunchConcurrency),
		daemon.WithLogger(logger),
		daemon.WithMetrics(n.metrics),
	)
	return n, nil
}

// Close evicts running processes, then closes the queue and the store.
func (n *node) Close() {
	n.engine.Close()
	n.queue.Close()
	if err := n.store.Close(); err != nil {
		n.logger.Error("error closing database", "error", err)
	}
}

// setup is the common prologue of every command.
func setup(opts *RootOptions, errw io.Writer) (*node, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(errw, cfg.Log, opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log config", err)
	}
	return openNode(cfg, logger)
}
