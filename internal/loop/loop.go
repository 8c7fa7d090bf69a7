// Package loop runs a task repeatedly, letting each iteration decide
// whether to continue after a delay or stop.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/workd/internal/clock"
)

// Next is the decision a task returns after each iteration.
//
// The zero value continues immediately.
type Next struct {
	err      error
	quit     bool
	interval time.Duration
}

func (n Next) String() string {
	switch {
	case n.err != nil:
		return fmt.Sprintf("break: %v", n.err)
	case n.quit:
		return "break"
	}
	return fmt.Sprintf("continue after %s", n.interval)
}

// Continue runs the task again after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. A nil err stops it cleanly.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is one iteration. It receives the state returned by the previous
// iteration (or the initial state) and returns the next state.
type Task[T any] func(context.Context, T) (T, Next)

type config struct {
	clock   clock.Clock
	timeout time.Duration
}

// Option configures Start.
type Option func(*config)

// WithClock sets the clock used to wait between iterations.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithTimeout bounds each iteration's context.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// Start calls task until it returns Break or ctx is done.
//
// The last state is always returned. The error is the one passed to Break,
// or ctx.Err() when the context ended the loop.
func Start[T any](ctx context.Context, init T, task Task[T], opts ...Option) (T, error) {
	cfg := &config{clock: clock.New()}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := ctx.Err(); err != nil {
		return init, err
	}

	state := init
	for {
		next, n := runOnce(ctx, cfg, state, task)
		if n.quit {
			return next, n.err
		}
		state = next

		// Shutdown takes priority over a timer that is already due.
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-cfg.clock.After(n.interval):
		}
	}
}

func runOnce[T any](ctx context.Context, cfg *config, state T, task Task[T]) (T, Next) {
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	return task(ctx, state)
}
