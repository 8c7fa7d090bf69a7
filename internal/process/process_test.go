package process

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/heartbeat"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/testutil"
	"github.com/roach88/workd/internal/value"
)

func TestDummyProcess_RecordsReturnedOutputAndSeals(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	p, err := New(ctx, env, dummyClass, map[string]any{"a": 5})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, p.State())
	assert.Equal(t, PID(strconv.FormatInt(p.Node().ID, 10)), p.PID())

	next, err := p.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsFinished())
	assert.Equal(t, StateFinished, p.State())
	assert.NoError(t, p.Err())

	rec := reload(t, s, p)
	assert.True(t, rec.Sealed)
	assert.Equal(t, string(StateFinished), rec.ProcessState)

	returns, err := s.OutgoingLinks(ctx, rec.ID, store.LinkReturn)
	require.NoError(t, err)
	require.Len(t, returns, 1)
	assert.Equal(t, "ran", returns[0].Label)

	out, err := s.LoadNode(ctx, returns[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, value.Bool(true), out.Content)

	creates, err := s.OutgoingLinks(ctx, rec.ID, store.LinkCreate)
	require.NoError(t, err)
	assert.Len(t, creates, 1)

	inputs, err := s.IncomingLinks(ctx, rec.ID, store.LinkInput)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "a", inputs[0].Label)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after finish")
	}
}

func TestNew_InvalidInputs(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	tests := []struct {
		name   string
		inputs map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"a": "five"}},
		{"float for int", map[string]any{"a": 5.5}},
		{"unexpected port", map[string]any{"a": 1, "b": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(ctx, env, dummyClass, tt.inputs)
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidInputs, CodeOf(err))
		})
	}

	procs, err := s.ListProcesses(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, procs, "rejected inputs must not create records")
}

func TestNew_AcceptsStoredDataRecord(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	in := store.NewData(value.Int(9))
	require.NoError(t, s.StoreNode(ctx, in))

	p, err := New(ctx, env, dummyClass, map[string]any{"a": in})
	require.NoError(t, err)
	assert.Equal(t, in.ID, p.InputNodes()["a"].ID)
	assert.Equal(t, value.Int(9), p.Input("a"))
}

func TestWaitAndContinue_KeepsContext(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	p, err := New(ctx, env, twoStepClass, map[string]any{"start": 41})
	require.NoError(t, err)

	next, err := p.Advance(ctx)
	require.NoError(t, err)
	assert.False(t, next.IsFinished())
	assert.Equal(t, "second", next.Step())
	assert.Equal(t, StateWaiting, p.State())
	assert.Equal(t, string(StateWaiting), reload(t, s, p).ProcessState)

	next, err = p.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsFinished())
	assert.Equal(t, value.Int(42), p.Outputs()["result"])
}

func TestSaveRestore_ReattachesRecord(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	p, err := New(ctx, env, twoStepClass, nil, WithLabel("resumable"))
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	saved, err := p.Save()
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, saved.State)
	assert.Equal(t, "second", saved.Step)
	assert.Equal(t, "resumable", saved.Options.Label)

	before, err := s.ListProcesses(ctx, 0)
	require.NoError(t, err)

	restored, err := Restore(ctx, env, twoStepClass, p.PID(), saved)
	require.NoError(t, err)
	assert.Equal(t, p.PID(), restored.PID())
	assert.Equal(t, p.Inputs(), restored.Inputs())
	assert.Equal(t, value.Int(1), restored.Context()["count"])

	next, err := restored.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsFinished())
	assert.Equal(t, value.Int(2), restored.Outputs()["result"])

	after, err := s.ListProcesses(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "restore must not create a record")
}

func TestRestore_SealedRecordRejected(t *testing.T) {
	ctx := context.Background()
	env, _ := testEnv(t)

	p, err := New(ctx, env, dummyClass, map[string]any{"a": 1})
	require.NoError(t, err)
	saved, err := p.Save()
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	_, err = Restore(ctx, env, dummyClass, p.PID(), saved)
	assert.ErrorIs(t, err, store.ErrModificationNotAllowed)
}

func TestFailure_SealsAndPopsStack(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)
	boom := errors.New("boom")

	class := classOf("test.Fails", nil, func(context.Context, *Process) (Next, error) {
		return Next{}, boom
	})
	p, err := New(ctx, env, class, nil)
	require.NoError(t, err)

	stack := NewStack()
	_, err = p.Advance(WithStack(ctx, stack))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsFailure(err))
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, 0, stack.Len())

	rec := reload(t, s, p)
	assert.True(t, rec.Sealed)
	assert.Equal(t, string(StateFailed), rec.ProcessState)
	exc, err := s.GetAttr(ctx, rec.ID, ExceptionAttr)
	require.NoError(t, err)
	assert.Contains(t, string(exc.(value.String)), "boom")
}

func TestFailure_PanicRecovered(t *testing.T) {
	ctx := context.Background()
	env, _ := testEnv(t)

	class := classOf("test.Panics", nil, func(context.Context, *Process) (Next, error) {
		panic("kaboom")
	})
	p, err := New(ctx, env, class, nil)
	require.NoError(t, err)

	_, err = p.Advance(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrCodeFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, StateFailed, p.State())
}

func TestFinish_MissingRequiredOutput(t *testing.T) {
	ctx := context.Background()
	env, _ := testEnv(t)

	class := classOf("test.Lazy", func(s *Spec) {
		s.Output("x", Required(TypeInt))
	}, func(context.Context, *Process) (Next, error) {
		return Finish(), nil
	})
	p, err := New(ctx, env, class, nil)
	require.NoError(t, err)

	_, err = p.Advance(ctx)
	assert.Equal(t, ErrCodeInvalidOutputs, CodeOf(err))
	assert.Equal(t, StateFailed, p.State())
}

func TestOut_Rules(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	var outErrs []error
	class := classOf("test.Outputs", func(s *Spec) {
		s.Output("once", Required(TypeInt))
		s.Output("many", Dynamic(TypeInt))
	}, func(ctx context.Context, p *Process) (Next, error) {
		outErrs = append(outErrs,
			p.Out(ctx, "once", 1),
			p.Out(ctx, "once", 2),
			p.Out(ctx, "many", 1),
			p.Out(ctx, "many", 2),
			p.Out(ctx, "nope", 1),
			p.Out(ctx, "many", "str"),
		)
		return Finish(), nil
	})
	p, err := New(ctx, env, class, nil)
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	require.Len(t, outErrs, 6)
	assert.NoError(t, outErrs[0])
	assert.Equal(t, ErrCodeInvalidOutputs, CodeOf(outErrs[1]), "fixed port emitted twice")
	assert.NoError(t, outErrs[2])
	assert.NoError(t, outErrs[3], "dynamic port may be re-emitted")
	assert.Equal(t, ErrCodeInvalidOutputs, CodeOf(outErrs[4]), "undeclared port")
	assert.Equal(t, ErrCodeInvalidOutputs, CodeOf(outErrs[5]), "type mismatch")

	assert.Equal(t, value.Int(2), p.Outputs()["many"], "latest emission wins")

	returns, err := s.OutgoingLinks(ctx, p.Node().ID, store.LinkReturn)
	require.NoError(t, err)
	assert.Len(t, returns, 3)

	// Terminal: no more outputs.
	err = p.Out(ctx, "many", 3)
	assert.ErrorIs(t, err, store.ErrModificationNotAllowed)
}

func TestOut_StoredValueIsNotRecreated(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	existing := store.NewData(value.String("shared"))
	require.NoError(t, s.StoreNode(ctx, existing))

	class := classOf("test.Forward", nil, func(ctx context.Context, p *Process) (Next, error) {
		return Finish(), p.Return(ctx, existing)
	})
	p, err := New(ctx, env, class, nil)
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	creates, err := s.OutgoingLinks(ctx, p.Node().ID, store.LinkCreate)
	require.NoError(t, err)
	assert.Empty(t, creates)

	returns, err := s.OutgoingLinks(ctx, p.Node().ID, store.LinkReturn)
	require.NoError(t, err)
	require.Len(t, returns, 1)
	assert.Equal(t, ReturnLabel, returns[0].Label)
	assert.Equal(t, existing.ID, returns[0].TargetID)
}

func TestStop_WhileWaiting(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	p, err := New(ctx, env, twoStepClass, nil)
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	p.Stop("user request")
	_, err = p.Advance(ctx)
	assert.True(t, IsStopped(err))
	assert.Equal(t, StateStopped, p.State())
	assert.True(t, reload(t, s, p).Sealed)
}

func TestStop_CancelsRunningBody(t *testing.T) {
	ctx := context.Background()
	env, _ := testEnv(t)

	started := make(chan struct{})
	class := classOf("test.Blocks", nil, func(ctx context.Context, p *Process) (Next, error) {
		close(started)
		<-ctx.Done()
		return Next{}, ctx.Err()
	})
	p, err := New(ctx, env, class, nil)
	require.NoError(t, err)

	go func() {
		<-started
		p.Stop("shutdown")
	}()
	_, err = p.Advance(ctx)
	assert.True(t, IsStopped(err))
	assert.Equal(t, StateStopped, p.State())
}

func TestAdvance_EvictsOnContextCancel(t *testing.T) {
	env, s := testEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	class := classOf("test.Evicted", nil, func(ctx context.Context, p *Process) (Next, error) {
		cancel()
		<-ctx.Done()
		return Next{}, ctx.Err()
	})
	p, err := New(context.Background(), env, class, nil)
	require.NoError(t, err)

	_, err = p.Advance(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCreated, p.State(), "in-memory state reverts for resumption")
	assert.False(t, reload(t, s, p).Sealed)
}

func TestNested_CallLinkAndParent(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	var child *Process
	var parentSeen *Process
	childClass := classOf("test.Child", nil, func(ctx context.Context, p *Process) (Next, error) {
		parentSeen = p.Parent()
		return Finish(), nil
	})
	parentClass := classOf("test.Parent", nil, func(ctx context.Context, p *Process) (Next, error) {
		var err error
		child, err = New(ctx, env, childClass, nil)
		if err != nil {
			return Next{}, err
		}
		if _, err := child.Advance(ctx); err != nil {
			return Next{}, err
		}
		return Finish(), nil
	})

	parent, err := New(ctx, env, parentClass, nil)
	require.NoError(t, err)
	_, err = parent.Advance(ctx)
	require.NoError(t, err)

	require.NotNil(t, child)
	assert.Equal(t, parent.PID(), child.ParentPID())
	assert.Same(t, parent, parentSeen)
	assert.Nil(t, child.Parent(), "parent reference cleared after pop")

	calls, err := s.OutgoingLinks(ctx, parent.Node().ID, store.LinkCall)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, child.Node().ID, calls[0].TargetID)
}

func TestWithoutProvenance_StoresNothing(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	p, err := New(ctx, env, dummyClass, map[string]any{"a": 5}, WithoutProvenance())
	require.NoError(t, err)
	assert.Equal(t, p.Node().UUID, string(p.PID()))

	_, err = p.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Bool(true), p.Outputs()["ran"])

	procs, err := s.ListProcesses(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, procs)

	_, err = p.Save()
	assert.Error(t, err)
}

func TestHeartbeat_LockedAbortsStart(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)
	clk := testutil.NewManualClock(time.Unix(1_700_000_000, 0))
	env.Clock = clk
	env.HeartbeatInterval = 30 * time.Second

	p, err := New(ctx, env, dummyClass, map[string]any{"a": 1})
	require.NoError(t, err)

	live := clk.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, s.SetAttr(ctx, p.Node().ID, heartbeat.ExpiresAttr, value.Int(live)))

	_, err = p.Advance(ctx)
	assert.ErrorIs(t, err, heartbeat.ErrLocked)
	assert.Equal(t, StateCreated, p.State())

	rec := reload(t, s, p)
	assert.Equal(t, string(StateCreated), rec.ProcessState, "locked start must not touch the record")
	assert.False(t, rec.Sealed)
}

func TestHeartbeat_HeldWhileWaitingReleasedAtFinish(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)
	env.Clock = testutil.NewManualClock(time.Unix(1_700_000_000, 0))
	env.HeartbeatInterval = 30 * time.Second

	p, err := New(ctx, env, twoStepClass, nil)
	require.NoError(t, err)
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	_, err = s.GetAttr(ctx, p.Node().ID, heartbeat.ExpiresAttr)
	require.NoError(t, err, "lease held while waiting in this runner")

	_, err = p.Advance(ctx)
	require.NoError(t, err)

	_, err = s.GetAttr(ctx, p.Node().ID, heartbeat.ExpiresAttr)
	assert.ErrorIs(t, err, store.ErrAttributeNotFound, "lease released before sealing")
}

func TestOnTerminal_RunsBeforeSeal(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)

	p, err := New(ctx, env, dummyClass, map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, s.SetAttr(ctx, p.Node().ID, "checkpoint", value.String("x")))

	p.OnTerminal(func(ctx context.Context, p *Process) error {
		return s.DelAttr(ctx, p.Node().ID, "checkpoint")
	})
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	_, err = s.GetAttr(ctx, p.Node().ID, "checkpoint")
	assert.ErrorIs(t, err, store.ErrAttributeNotFound)
}

func TestOnRelease_RunsOnReleaseNotOnFinish(t *testing.T) {
	ctx := context.Background()
	env, s := testEnv(t)
	env.Clock = testutil.NewManualClock(time.Unix(1_700_000_000, 0))
	env.HeartbeatInterval = 30 * time.Second

	p, err := New(ctx, env, twoStepClass, nil)
	require.NoError(t, err)
	released := 0
	p.OnRelease(func(context.Context, *Process) {
		_, err := s.GetAttr(ctx, p.Node().ID, heartbeat.ExpiresAttr)
		assert.NoError(t, err, "hooks run while the lease is still held")
		released++
	})
	_, err = p.Advance(ctx)
	require.NoError(t, err)

	p.Release(ctx)
	assert.Equal(t, 1, released)
	assert.Equal(t, StateWaiting, p.State())

	_, err = p.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, p.State())
	assert.Equal(t, 1, released, "terminal transitions do not run release hooks")
}

func TestAdvance_TerminalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := ephemeral(t)
	_, err := p.Advance(ctx)
	require.NoError(t, err)

	next, err := p.Advance(ctx)
	assert.NoError(t, err)
	assert.True(t, next.IsFinished())
}
