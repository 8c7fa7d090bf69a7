package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/loop"
	"github.com/roach88/workd/internal/testutil"
)

func TestStart_CountsToTen(t *testing.T) {
	got, err := loop.Start(context.Background(), 1, func(_ context.Context, v int) (int, loop.Next) {
		v++
		if v >= 10 {
			return v, loop.Break(nil)
		}
		return v, loop.Continue(0)
	})
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestStart_BreakWithError(t *testing.T) {
	boom := errors.New("boom")
	got, err := loop.Start(context.Background(), "init", func(_ context.Context, v string) (string, loop.Next) {
		return "last", loop.Break(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "last", got)
}

func TestStart_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	got, err := loop.Start(ctx, 3, func(_ context.Context, v int) (int, loop.Next) {
		called = true
		return v, loop.Continue(0)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, got)
	assert.False(t, called)
}

func TestStart_WaitsIntervalOnClock(t *testing.T) {
	clk := testutil.NewManualClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan int, 10)
	done := make(chan error, 1)
	go func() {
		_, err := loop.Start(ctx, 0, func(_ context.Context, v int) (int, loop.Next) {
			v++
			ticks <- v
			return v, loop.Continue(10 * time.Second)
		}, loop.WithClock(clk))
		done <- err
	}()

	assert.Equal(t, 1, <-ticks)
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	select {
	case <-ticks:
		t.Fatal("task ran before interval elapsed")
	default:
	}

	clk.Advance(5 * time.Second)
	assert.Equal(t, 2, <-ticks)

	clk.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStart_WithTimeoutBoundsIteration(t *testing.T) {
	_, err := loop.Start(context.Background(), 0, func(ctx context.Context, v int) (int, loop.Next) {
		<-ctx.Done()
		return v, loop.Break(ctx.Err())
	}, loop.WithTimeout(time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
