package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/testutil"
	"github.com/roach88/workd/internal/value"
)

// stepper emits a partial output, waits, then emits start plus the
// number of bumps it kept in its context.
type stepper struct{}

func (stepper) Define(s *process.Spec) {
	s.Input("start", process.Required(process.TypeInt))
	s.Input("extra", process.Optional(process.TypeInt, 0))
	s.Output("partial", process.Dynamic(process.TypeInt))
	s.Output("result", process.Required(process.TypeInt))
}

func (stepper) Run(ctx context.Context, p *process.Process) (process.Next, error) {
	p.Context()["bumps"] = value.Int(1)
	if err := p.Out(ctx, "partial", p.Input("start")); err != nil {
		return process.Next{}, err
	}
	return process.Wait("finish", nil), nil
}

func (stepper) Continue(ctx context.Context, p *process.Process, step string) (process.Next, error) {
	start := p.Input("start").(value.Int)
	bumps := p.Context()["bumps"].(value.Int)
	if err := p.Out(ctx, "result", start+bumps); err != nil {
		return process.Next{}, err
	}
	return process.Finish(), nil
}

var stepperClass = process.NewClass("test.Stepper", func() process.Definition { return stepper{} })

func newPersister(t *testing.T) (*Persister, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	reg := process.NewRegistry()
	reg.MustRegister(stepperClass)
	return New(s, reg, process.Env{Store: s}), s
}

// waitingStepper returns a stepper suspended at its first wait.
func waitingStepper(t *testing.T, ps *Persister, start int64, opts ...process.LaunchOption) *process.Process {
	t.Helper()
	ctx := context.Background()
	p, err := process.New(ctx, ps.Env(), stepperClass, map[string]any{"start": start}, opts...)
	require.NoError(t, err)
	next, err := p.Advance(ctx)
	require.NoError(t, err)
	require.False(t, next.IsFinished())
	require.Equal(t, process.StateWaiting, p.State())
	return p
}
