package engine

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/process"
)

// bodyFunc is a single-step definition with no declared ports beyond a
// dynamic input namespace.
type bodyFunc func(ctx context.Context, p *process.Process) (process.Next, error)

func (bodyFunc) Define(s *process.Spec) {
	s.Inputs().AllowDynamic(process.TypeAny)
	s.Outputs().AllowDynamic(process.TypeAny)
}

func (b bodyFunc) Run(ctx context.Context, p *process.Process) (process.Next, error) {
	return b(ctx, p)
}

func mustID(t *testing.T, pid process.PID) int64 {
	t.Helper()
	id, err := strconv.ParseInt(string(pid), 10, 64)
	require.NoError(t, err)
	return id
}
