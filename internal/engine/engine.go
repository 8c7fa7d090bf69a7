package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/workd/internal/heartbeat"
	"github.com/roach88/workd/internal/metrics"
	"github.com/roach88/workd/internal/persistence"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/value"
)

// DefaultMaxConcurrent bounds the processes driven at once by Submit and
// Continue.
const DefaultMaxConcurrent = 16

// Launch modes, as reported to metrics.
const (
	modeRun      = "run"
	modeSubmit   = "submit"
	modeContinue = "continue"
)

// Engine is a process manager bound to one store and registry.
type Engine struct {
	persister *persistence.Persister
	env       process.Env
	logger    *slog.Logger
	metrics   *metrics.Collector
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[process.PID]*handle
	// Pids being loaded by Continue, not yet in running.
	loading map[process.PID]struct{}
	// Released handles, oldest first, kept so Wait works after release.
	released []*handle
}

// keepReleased bounds the released handles remembered for Wait.
const keepReleased = 256

// handle tracks a process driven in the background.
type handle struct {
	p    *process.Process
	done chan struct{}
	err  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrent bounds the processes driven in the background.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records launches, terminations and checkpoints.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// New returns an engine that checkpoints through ps and runs processes in
// the environment of ps.
func New(ps *persistence.Persister, opts ...Option) *Engine {
	e := &Engine{
		persister: ps,
		env:       ps.Env(),
		running:   make(map[process.PID]*handle),
		loading:   make(map[process.PID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.sem == nil {
		e.sem = semaphore.NewWeighted(DefaultMaxConcurrent)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Env returns the environment new processes are created in.
func (e *Engine) Env() process.Env { return e.env }

// Registry returns the class registry.
func (e *Engine) Registry() *process.Registry { return e.persister.Registry() }

// Launch creates a process of class in the engine environment without
// running it. A stack in ctx makes its active process the parent.
func (e *Engine) Launch(ctx context.Context, class *process.Class, inputs map[string]any, opts ...process.LaunchOption) (*process.Process, error) {
	p, err := process.New(ctx, e.env, class, inputs, opts...)
	if err != nil {
		return nil, err
	}
	e.track(p)
	if p.Options().StoreProvenance {
		if err := e.checkpoint(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run creates a process and drives it to a terminal state in the calling
// goroutine. A failed or stopped process returns its error. Run is not
// bounded by the pool, so process bodies may Run children.
func (e *Engine) Run(ctx context.Context, class *process.Class, inputs map[string]any, opts ...process.LaunchOption) (value.Map, *process.Process, error) {
	p, err := e.Launch(ctx, class, inputs, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.drive(ctx, p, modeRun); err != nil {
		return nil, p, err
	}
	if !p.State().IsTerminal() {
		// The process was left for the daemon.
		return nil, p, fmt.Errorf("process %s suspended at %q", p.PID(), p.Step())
	}
	return p.Outputs(), p, p.Err()
}

// Submit creates a process and drives it in the background. The process
// must store provenance so that it can be resumed if this runner dies.
func (e *Engine) Submit(ctx context.Context, class *process.Class, inputs map[string]any, opts ...process.LaunchOption) (process.PID, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	p, err := e.Launch(ctx, class, inputs, opts...)
	if err != nil {
		return "", err
	}
	if !p.Options().StoreProvenance {
		return "", errors.New("submit: process does not store provenance")
	}
	if err := e.start(p, modeSubmit); err != nil {
		return "", err
	}
	return p.PID(), nil
}

// Continue loads the checkpoint of pid and resumes it in the background.
func (e *Engine) Continue(ctx context.Context, pid process.PID) error {
	if err := e.reserve(pid); err != nil {
		return fmt.Errorf("continue %s: %w", pid, err)
	}
	p, err := e.persister.Load(ctx, pid)
	if err != nil {
		e.unreserve(pid)
		return fmt.Errorf("continue %s: %w", pid, err)
	}
	e.track(p)
	return e.start(p, modeContinue)
}

// Wait blocks until the background process pid is released and returns
// its failure, if any. A process left waiting for the daemon returns nil.
func (e *Engine) Wait(ctx context.Context, pid process.PID) (*process.Process, error) {
	h, ok := e.lookup(pid)
	if !ok {
		return nil, fmt.Errorf("wait %s: %w", pid, ErrNotRunning)
	}
	select {
	case <-h.done:
		return h.p, h.err
	case <-ctx.Done():
		return h.p, ctx.Err()
	}
}

// Stop requests cancellation of a process driven by this engine.
func (e *Engine) Stop(pid process.PID, reason string) error {
	e.mu.Lock()
	h, ok := e.running[pid]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", pid, ErrNotRunning)
	}
	h.p.Stop(reason)
	return nil
}

// Running returns the pids currently driven in the background.
func (e *Engine) Running() []process.PID {
	e.mu.Lock()
	defer e.mu.Unlock()
	pids := make([]process.PID, 0, len(e.running))
	for pid := range e.running {
		pids = append(pids, pid)
	}
	return pids
}

// Close evicts every background process and waits for them to be
// released. Their checkpoints stay valid.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// reserve claims pid for a Continue so that concurrent callers cannot load
// it twice.
func (e *Engine) reserve(pid process.PID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	_, busy := e.running[pid]
	_, loading := e.loading[pid]
	if busy || loading {
		return ErrAlreadyRunning
	}
	e.loading[pid] = struct{}{}
	return nil
}

func (e *Engine) unreserve(pid process.PID) {
	e.mu.Lock()
	delete(e.loading, pid)
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// track registers the checkpoint cleanup that runs before sealing.
func (e *Engine) track(p *process.Process) {
	if !p.Options().StoreProvenance {
		return
	}
	p.OnTerminal(func(ctx context.Context, p *process.Process) error {
		return e.persister.DeleteCheckpoint(ctx, p.PID(), "")
	})
}

func (e *Engine) start(p *process.Process, mode string) error {
	h := &handle{p: p, done: make(chan struct{})}
	e.mu.Lock()
	delete(e.loading, p.PID())
	if e.closed {
		e.mu.Unlock()
		p.Release(context.Background())
		return ErrClosed
	}
	e.running[p.PID()] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer e.forget(h)
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			h.err = err
			p.Release(context.Background())
			return
		}
		defer e.sem.Release(1)

		h.err = e.drive(e.ctx, p, mode)
		if h.err != nil && !p.State().IsTerminal() {
			e.logger.Warn("process released", "pid", string(p.PID()), "error", h.err)
		}
	}()
	return nil
}

// forget moves a handle from running to released, so that the pid can be
// continued again while Wait still sees the result.
func (e *Engine) forget(h *handle) {
	pid := h.p.PID()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[pid] == h {
		delete(e.running, pid)
	}
	e.released = append(e.released, h)
	if len(e.released) > keepReleased {
		e.released = e.released[len(e.released)-keepReleased:]
	}
}

func (e *Engine) lookup(pid process.PID) (*handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.running[pid]; ok {
		return h, true
	}
	for i := len(e.released) - 1; i >= 0; i-- {
		if h := e.released[i]; h.p.PID() == pid {
			return h, true
		}
	}
	return nil, false
}

// drive advances p until it terminates, is evicted, or is left for the
// daemon. It returns the failure of a terminated process, or the reason
// the runner let go of it.
func (e *Engine) drive(ctx context.Context, p *process.Process, mode string) error {
	class := p.Class().Ref().String()
	started := time.Now()
	e.metrics.ProcessLaunched(class, mode)
	defer func() {
		e.metrics.ProcessReleased(class, string(p.State()), p.State().IsTerminal(), time.Since(started))
	}()

	logger := e.logger.With("pid", string(p.PID()), "class", class)
	logger.Debug("driving process", "mode", mode, "state", string(p.State()))

	for {
		next, err := p.Advance(ctx)
		if err != nil {
			if errors.Is(err, heartbeat.ErrLocked) {
				e.metrics.LeaseConflict()
				logger.Info("process held by another runner")
			}
			return err
		}
		if next.IsFinished() {
			return p.Err()
		}

		if p.Options().StoreProvenance {
			if err := e.checkpoint(context.WithoutCancel(ctx), p); err != nil {
				logger.Error("checkpoint on suspend failed", "step", next.Step(), "error", err)
			}
		}

		ready := next.Ready()
		if ready == nil {
			p.Release(context.WithoutCancel(ctx))
			logger.Info("process left for daemon", "step", next.Step())
			return nil
		}

		select {
		case <-ready:
		case <-p.Stopping():
		case <-p.LeaseLostC():
			p.Release(context.WithoutCancel(ctx))
			return fmt.Errorf("process %s: %w", p.PID(), heartbeat.ErrLost)
		case <-ctx.Done():
			p.Release(context.WithoutCancel(ctx))
			logger.Info("process evicted while waiting", "step", next.Step())
			return ctx.Err()
		}
	}
}

func (e *Engine) checkpoint(ctx context.Context, p *process.Process) error {
	err := e.persister.SaveCheckpoint(ctx, p, "")
	e.metrics.Checkpoint(err)
	return err
}
