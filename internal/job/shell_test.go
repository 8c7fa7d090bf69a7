package job_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/job"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/testutil"
	"github.com/roach88/workd/internal/transport"
	"github.com/roach88/workd/internal/value"
)

func TestShell_RunsOnLocal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX echo")
	}
	ctx := context.Background()
	s := testutil.NewStore(t)
	q := transport.NewQueue()
	t.Cleanup(q.Close)

	shell := job.NewShell()
	rt := &job.Runtime{
		Queue:        q,
		Resolver:     transport.NewResolver(transport.Computer{Name: "localhost", T: &transport.Local{}}),
		Computer:     "localhost",
		PollInterval: time.Millisecond,
	}
	class := job.Wrap(job.ShellKey, shell.Job, rt)

	p, err := process.New(ctx, process.Env{Store: s}, class, map[string]any{"argv": []any{"echo", "hello"}})
	require.NoError(t, err)

	for {
		next, err := p.Advance(ctx)
		require.NoError(t, err)
		if next.IsFinished() {
			break
		}
		select {
		case <-next.Ready():
		case <-time.After(5 * time.Second):
			t.Fatalf("step %q never became ready", next.Step())
		}
	}
	assert.Equal(t, value.String("hello"), p.Outputs()["stdout"])
}

func TestShell_RequiresExecutor(t *testing.T) {
	shell := job.NewShell()
	_, err := shell.Submit(context.Background(), &testutil.FakeTransport{}, value.Map{"argv": value.List{value.String("true")}})
	assert.Error(t, err)
}

func TestShell_RejectsNonStringArgs(t *testing.T) {
	shell := job.NewShell()
	l := &transport.Local{}
	require.NoError(t, l.Open(context.Background()))
	_, err := shell.Submit(context.Background(), l, value.Map{"argv": value.List{value.Int(1)}})
	assert.Error(t, err)
}
