// Package daemon resumes calculations that no runner is driving.
//
// A calculation is pending when its record is in an active state and its
// heartbeat is absent or expired. Each tick of Run queries the pending
// records and hands every one of them to the engine, which reloads its
// checkpoint and drives it. The daemon keeps no state between ticks;
// everything it needs is in the store.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/workd/internal/clock"
	"github.com/roach88/workd/internal/engine"
	"github.com/roach88/workd/internal/heartbeat"
	"github.com/roach88/workd/internal/loop"
	"github.com/roach88/workd/internal/metrics"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
)

// DefaultPollInterval is the time between two ticks of Run.
const DefaultPollInterval = 10 * time.Second

// DefaultLaunchConcurrency bounds the concurrent launches of one tick.
const DefaultLaunchConcurrency = 4

// Daemon polls the store for pending calculations.
type Daemon struct {
	store       *store.Store
	engine      *engine.Engine
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Collector
	interval    time.Duration
	concurrency int
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithPollInterval sets the time between ticks.
func WithPollInterval(d time.Duration) Option {
	return func(dm *Daemon) { dm.interval = d }
}

// WithClock sets the clock used for expiry checks and tick waits.
func WithClock(c clock.Clock) Option {
	return func(dm *Daemon) { dm.clock = c }
}

// WithLogger sets the daemon logger.
func WithLogger(l *slog.Logger) Option {
	return func(dm *Daemon) { dm.logger = l }
}

// WithMetrics records ticks and launches.
func WithMetrics(c *metrics.Collector) Option {
	return func(dm *Daemon) { dm.metrics = c }
}

// WithLaunchConcurrency bounds concurrent launches within a tick.
func WithLaunchConcurrency(n int) Option {
	return func(dm *Daemon) { dm.concurrency = n }
}

// New returns a daemon that continues pending calculations on e.
func New(s *store.Store, e *engine.Engine, opts ...Option) *Daemon {
	d := &Daemon{
		store:       s,
		engine:      e,
		interval:    DefaultPollInterval,
		concurrency: DefaultLaunchConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.concurrency <= 0 {
		d.concurrency = 1
	}
	return d
}

// Result summarises one launch batch.
type Result struct {
	Pending  int
	Launched int
	Skipped  int
	Failed   int
}

// Stats accumulates results across ticks.
type Stats struct {
	Ticks int
	Result
}

func (s Stats) add(r Result) Stats {
	s.Ticks++
	s.Pending = r.Pending
	s.Launched += r.Launched
	s.Skipped += r.Skipped
	s.Failed += r.Failed
	return s
}

// PendingCalculations returns the records in an active state whose
// heartbeat is absent or expired. It only reads.
func (d *Daemon) PendingCalculations(ctx context.Context) ([]*store.Node, error) {
	states := make([]string, len(process.ActiveStates))
	for i, st := range process.ActiveStates {
		states[i] = string(st)
	}
	return d.store.QueryPending(ctx, states, heartbeat.ExpiresAttr, d.clock.Now())
}

// LaunchPending continues every pending calculation. A failure to launch
// one record is logged and does not stop the others; only a failing
// query returns an error.
func (d *Daemon) LaunchPending(ctx context.Context) (Result, error) {
	pending, err := d.PendingCalculations(ctx)
	if err != nil {
		return Result{}, err
	}

	var launched, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, rec := range pending {
		pid := process.PID(strconv.FormatInt(rec.ID, 10))
		g.Go(func() error {
			err := d.engine.Continue(gctx, pid)
			switch {
			case err == nil:
				launched.Add(1)
				d.logger.Info("pending calculation launched", "pid", string(pid), "state", rec.ProcessState)
			case errors.Is(err, engine.ErrAlreadyRunning):
				skipped.Add(1)
			default:
				failed.Add(1)
				d.logger.Error("launch pending calculation failed", "pid", string(pid), "error", err)
			}
			// Launch failures never cancel the batch.
			return nil
		})
	}
	_ = g.Wait()

	r := Result{
		Pending:  len(pending),
		Launched: int(launched.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	d.metrics.DaemonTick(r.Pending, r.Launched, r.Failed)
	return r, nil
}

// Run launches pending calculations every poll interval until ctx is
// done. A failing query is logged and retried at the next tick.
func (d *Daemon) Run(ctx context.Context) (Stats, error) {
	d.logger.Info("daemon starting", "poll_interval", d.interval)
	stats, err := loop.Start(ctx, Stats{}, func(ctx context.Context, s Stats) (Stats, loop.Next) {
		r, err := d.LaunchPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s, loop.Break(ctx.Err())
			}
			d.logger.Error("daemon tick failed", "error", err)
			s.Ticks++
			return s, loop.Continue(d.interval)
		}
		if r.Pending > 0 {
			d.logger.Debug("daemon tick", "pending", r.Pending, "launched", r.Launched, "failed", r.Failed)
		}
		return s.add(r), loop.Continue(d.interval)
	}, loop.WithClock(d.clock))
	d.logger.Info("daemon stopped", "ticks", stats.Ticks, "launched", stats.Launched)
	return stats, err
}
