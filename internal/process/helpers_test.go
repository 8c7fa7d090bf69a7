package process

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/testutil"
	"github.com/roach88/workd/internal/value"
)

// dummy emits ran=true.
type dummy struct{}

func (dummy) Define(s *Spec) {
	s.Input("a", Required(TypeInt))
	s.Output("ran", Required(TypeBool))
}

func (dummy) Run(ctx context.Context, p *Process) (Next, error) {
	if err := p.Out(ctx, "ran", true); err != nil {
		return Next{}, err
	}
	return Finish(), nil
}

var dummyClass = NewClass("test.Dummy", func() Definition { return dummy{} })

// twoStep waits once, then emits the count it kept in its context.
type twoStep struct {
	ready chan struct{}
}

func (*twoStep) Define(s *Spec) {
	s.Input("start", Optional(TypeInt, 1))
	s.Output("result", Required(TypeInt))
}

func (d *twoStep) Run(_ context.Context, p *Process) (Next, error) {
	p.Context()["count"] = p.Input("start")
	return Wait("second", d.ready), nil
}

func (d *twoStep) Continue(ctx context.Context, p *Process, step string) (Next, error) {
	if step != "second" {
		return Next{}, errors.New("unexpected step " + step)
	}
	n := p.Context()["count"].(value.Int)
	if err := p.Out(ctx, "result", n+1); err != nil {
		return Next{}, err
	}
	return Finish(), nil
}

var twoStepClass = NewClass("test.TwoStep", func() Definition { return &twoStep{} })

// bodyFunc adapts a function into a definition with an optional spec.
type bodyFunc struct {
	define func(*Spec)
	run    func(context.Context, *Process) (Next, error)
}

func (b bodyFunc) Define(s *Spec) {
	if b.define != nil {
		b.define(s)
	}
}

func (b bodyFunc) Run(ctx context.Context, p *Process) (Next, error) {
	return b.run(ctx, p)
}

func classOf(key string, define func(*Spec), run func(context.Context, *Process) (Next, error)) *Class {
	return NewClass(key, func() Definition { return bodyFunc{define: define, run: run} })
}

func testEnv(t *testing.T) (Env, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	return Env{Store: s}, s
}

func reload(t *testing.T, s *store.Store, p *Process) *store.Node {
	t.Helper()
	n, err := s.LoadNode(context.Background(), p.Node().ID)
	require.NoError(t, err)
	return n
}

func ephemeral(t *testing.T) *Process {
	t.Helper()
	p, err := New(context.Background(), Env{}, dummyClass, map[string]any{"a": 1}, WithoutProvenance())
	require.NoError(t, err)
	return p
}
