package job

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/transport"
	"github.com/roach88/workd/internal/value"
)

// ShellKey is the registry key of the shell job.
const ShellKey = "shell"

// Executor is a transport that can run commands.
type Executor interface {
	Exec(ctx context.Context, argv ...string) ([]byte, error)
}

// Shell runs a command on the computer at submit time and keeps its
// standard output until it is retrieved. Results live in memory, so a
// shell job resumed by another runner is resubmitted only if it had not
// been submitted yet; otherwise retrieval fails.
type Shell struct {
	mu      sync.Mutex
	results map[string]string
}

// NewShell returns a shell job runner. One runner serves every shell job
// of a registry.
func NewShell() *Shell {
	return &Shell{results: make(map[string]string)}
}

// Job returns a Job bound to the runner, for use with Wrap and Register.
func (s *Shell) Job() Job { return s }

func (s *Shell) Define(spec *process.Spec) {
	spec.Input("argv", process.Required(process.TypeList).WithHelp("command and arguments"))
	spec.Output("stdout", process.Required(process.TypeString))
}

func (s *Shell) Submit(ctx context.Context, t transport.Transport, inputs value.Map) (string, error) {
	exec, ok := t.(Executor)
	if !ok {
		return "", fmt.Errorf("transport %T cannot run commands", t)
	}
	list, _ := inputs["argv"].(value.List)
	argv := make([]string, 0, len(list))
	for i, v := range list {
		arg, ok := v.(value.String)
		if !ok {
			return "", fmt.Errorf("argv[%d] is %s, want str", i, value.KindOf(v))
		}
		argv = append(argv, string(arg))
	}
	out, err := exec.Exec(ctx, argv...)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.results[id] = string(out)
	s.mu.Unlock()
	return id, nil
}

func (s *Shell) Update(_ context.Context, _ transport.Transport, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[jobID]; !ok {
		return false, fmt.Errorf("shell job %s: result lost", jobID)
	}
	return true, nil
}

func (s *Shell) Retrieve(_ context.Context, _ transport.Transport, jobID string) (value.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.results[jobID]
	if !ok {
		return nil, fmt.Errorf("shell job %s: result lost", jobID)
	}
	delete(s.results, jobID)
	return value.Map{"stdout": value.String(strings.TrimRight(out, "\n"))}, nil
}
