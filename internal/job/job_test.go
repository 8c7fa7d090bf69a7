package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/job"
	"github.com/roach88/workd/internal/persistence"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/testutil"
	"github.com/roach88/workd/internal/transport"
	"github.com/roach88/workd/internal/value"
)

// doubler doubles x after pollsNeeded updates.
type doubler struct {
	mu          sync.Mutex
	pollsNeeded int
	submitErr   error
	submits     int
	updates     int
	x           value.Int
}

func (d *doubler) Define(s *process.Spec) {
	s.Input("x", process.Required(process.TypeInt))
	s.Output("y", process.Required(process.TypeInt))
}

func (d *doubler) Submit(_ context.Context, _ transport.Transport, inputs value.Map) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
	if d.submitErr != nil {
		return "", d.submitErr
	}
	d.x = inputs["x"].(value.Int)
	return "job-1", nil
}

func (d *doubler) Update(_ context.Context, _ transport.Transport, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id != "job-1" {
		return false, errors.New("unknown job " + id)
	}
	d.updates++
	return d.updates >= d.pollsNeeded, nil
}

func (d *doubler) Retrieve(_ context.Context, _ transport.Transport, id string) (value.Map, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return value.Map{"y": d.x * 2}, nil
}

type fixture struct {
	clk   *testutil.ManualClock
	fake  *testutil.FakeTransport
	store *store.Store
	reg   *process.Registry
	env   process.Env
	rt    *job.Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testutil.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fake := &testutil.FakeTransport{}
	q := transport.NewQueue(transport.WithClock(clk))
	t.Cleanup(q.Close)
	s := testutil.NewStore(t)
	return &fixture{
		clk:   clk,
		fake:  fake,
		store: s,
		reg:   process.NewRegistry(),
		env:   process.Env{Store: s, Clock: clk},
		rt: &job.Runtime{
			Queue:        q,
			Resolver:     transport.NewResolver(transport.Computer{Name: "cluster", T: fake}),
			Computer:     "cluster",
			PollInterval: time.Minute,
			Clock:        clk,
		},
	}
}

// step advances p once and requires it to wait.
func step(t *testing.T, p *process.Process) process.Next {
	t.Helper()
	next, err := p.Advance(context.Background())
	require.NoError(t, err)
	require.False(t, next.IsFinished())
	return next
}

func requireReady(t *testing.T, next process.Next) {
	t.Helper()
	select {
	case <-next.Ready():
	default:
		t.Fatalf("step %q not ready", next.Step())
	}
}

func TestWrap_DrivesSubmitPollRetrieve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &doubler{pollsNeeded: 2}
	class := job.Wrap("test.Doubler", func() job.Job { return d }, f.rt)
	assert.Equal(t, process.Wrapped("test.Doubler"), class.Ref())

	p, err := process.New(ctx, f.env, class, map[string]any{"x": 21})
	require.NoError(t, err)
	assert.Equal(t, value.String("cluster"), p.Input(job.ComputerInput))

	next := step(t, p)
	assert.Equal(t, "submitted", next.Step())
	f.clk.Advance(0)
	requireReady(t, next)

	next = step(t, p)
	assert.Equal(t, "poll", next.Step())
	assert.Equal(t, value.String("job-1"), p.Context()[job.JobIDKey])

	for range 2 {
		f.clk.Advance(time.Minute)
		requireReady(t, next)
		next = step(t, p)
		require.Equal(t, "updated", next.Step())
		f.clk.Advance(0)
		requireReady(t, next)
		next, err = p.Advance(ctx)
		require.NoError(t, err)
		if next.IsFinished() {
			break
		}
	}
	require.Equal(t, "retrieved", next.Step())
	f.clk.Advance(0)
	requireReady(t, next)

	next, err = p.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsFinished())
	assert.Equal(t, process.StateFinished, p.State())
	assert.Equal(t, value.Int(42), p.Outputs()["y"])

	assert.Equal(t, 1, d.submits)
	assert.Equal(t, 2, d.updates)
	assert.Equal(t, 4, f.fake.Opens())
	assert.Equal(t, f.fake.Opens(), f.fake.Closes())
}

func TestWrap_SubmitFailureFailsProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &doubler{submitErr: errors.New("queue full")}
	class := job.Wrap("test.Doubler", func() job.Job { return d }, f.rt)

	p, err := process.New(ctx, f.env, class, map[string]any{"x": 1})
	require.NoError(t, err)
	next := step(t, p)
	f.clk.Advance(0)
	requireReady(t, next)

	_, err = p.Advance(ctx)
	require.Error(t, err)
	assert.True(t, process.IsFailure(err))
	assert.Contains(t, err.Error(), "queue full")
	assert.Equal(t, process.StateFailed, p.State())
}

func TestWrap_UnknownComputer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	class := job.Wrap("test.Doubler", func() job.Job { return &doubler{} }, f.rt)

	p, err := process.New(ctx, f.env, class, map[string]any{"x": 1, "computer": "elsewhere"})
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.Error(t, err)
	assert.Equal(t, process.StateFailed, p.State())
}

func TestRegister_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &doubler{pollsNeeded: 1}
	require.NoError(t, job.Register(f.reg, "test.Doubler", func() job.Job { return d }, f.rt))
	ps := persistence.New(f.store, f.reg, f.env)

	class, err := f.reg.Resolve(process.Wrapped("test.Doubler"))
	require.NoError(t, err)
	p, err := process.New(ctx, f.env, class, map[string]any{"x": 5})
	require.NoError(t, err)

	next := step(t, p)
	f.clk.Advance(0)
	requireReady(t, next)
	next = step(t, p)
	require.Equal(t, "poll", next.Step())
	require.NoError(t, ps.SaveCheckpoint(ctx, p, ""))

	b, err := ps.LoadCheckpoint(ctx, p.PID(), "")
	require.NoError(t, err)
	assert.Equal(t, process.Wrapped("test.Doubler"), b.Class)

	restored, err := ps.Load(ctx, p.PID())
	require.NoError(t, err)
	assert.Same(t, class, restored.Class())

	next = step(t, restored)
	require.Equal(t, "updated", next.Step())
	f.clk.Advance(0)
	next = step(t, restored)
	require.Equal(t, "retrieved", next.Step())
	f.clk.Advance(0)

	next, err = restored.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsFinished())
	assert.Equal(t, value.Int(10), restored.Outputs()["y"])
	assert.Equal(t, 1, d.submits)
}

func TestRestoredBeforeSubmitResult_Resubmits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &doubler{pollsNeeded: 1}
	require.NoError(t, job.Register(f.reg, "test.Doubler", func() job.Job { return d }, f.rt))
	ps := persistence.New(f.store, f.reg, f.env)
	class, err := f.reg.Resolve(process.Wrapped("test.Doubler"))
	require.NoError(t, err)

	p, err := process.New(ctx, f.env, class, map[string]any{"x": 5})
	require.NoError(t, err)
	step(t, p)
	require.NoError(t, ps.SaveCheckpoint(ctx, p, ""))

	restored, err := ps.Load(ctx, p.PID())
	require.NoError(t, err)
	next := step(t, restored)
	assert.Equal(t, "submitted", next.Step())
	f.clk.Advance(0)
	assert.Equal(t, 2, d.submits)
}

func TestStopWhileQueued_WithdrawsRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &doubler{pollsNeeded: 1}
	class := job.Wrap("test.Doubler", func() job.Job { return d }, f.rt)

	p, err := process.New(ctx, f.env, class, map[string]any{"x": 3})
	require.NoError(t, err)
	next := step(t, p)
	require.Equal(t, "submitted", next.Step())
	require.Equal(t, 1, f.rt.Queue.NumWaiting())

	p.Stop("user")
	_, err = p.Advance(ctx)
	require.Error(t, err)
	assert.True(t, process.IsStopped(err))
	assert.Equal(t, process.StateStopped, p.State())
	assert.Zero(t, f.rt.Queue.NumWaiting())

	f.clk.Advance(time.Minute)
	assert.Zero(t, d.submits)
	assert.Zero(t, f.fake.Opens())
}

func TestRelease_WithdrawsQueuedRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &doubler{pollsNeeded: 1}
	require.NoError(t, job.Register(f.reg, "test.Doubler", func() job.Job { return d }, f.rt))
	ps := persistence.New(f.store, f.reg, f.env)
	class, err := f.reg.Resolve(process.Wrapped("test.Doubler"))
	require.NoError(t, err)

	p, err := process.New(ctx, f.env, class, map[string]any{"x": 4})
	require.NoError(t, err)
	step(t, p)
	require.NoError(t, ps.SaveCheckpoint(ctx, p, ""))
	require.Equal(t, 1, f.rt.Queue.NumWaiting())

	p.Release(ctx)
	assert.Zero(t, f.rt.Queue.NumWaiting())
	f.clk.Advance(time.Minute)
	assert.Zero(t, d.submits)

	// the next runner submits exactly once
	restored, err := ps.Load(ctx, p.PID())
	require.NoError(t, err)
	next := step(t, restored)
	assert.Equal(t, "submitted", next.Step())
	f.clk.Advance(0)
	requireReady(t, next)
	assert.Equal(t, 1, d.submits)
}
