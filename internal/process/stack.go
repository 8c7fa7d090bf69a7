package process

import (
	"context"
	"sync"

	"github.com/roach88/workd/internal/store"
)

// Stack records which processes are executing, innermost last. The top of
// the stack is the active process: the parent of anything created while
// it runs.
//
// A Stack belongs to one line of execution. It travels in the context
// passed to process bodies, so nested synchronous runs share it while
// asynchronous submissions start a fresh one.
type Stack struct {
	mu    sync.Mutex
	procs []*Process
	pids  []PID
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

type stackKey struct{}

// WithStack returns ctx carrying s.
func WithStack(ctx context.Context, s *Stack) context.Context {
	return context.WithValue(ctx, stackKey{}, s)
}

// StackFrom returns the stack carried by ctx, or nil.
func StackFrom(ctx context.Context) *Stack {
	s, _ := ctx.Value(stackKey{}).(*Stack)
	return s
}

// Push makes p the active process and sets its parent to the previous top.
func (s *Stack) Push(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parent *Process
	if n := len(s.procs); n > 0 {
		parent = s.procs[n-1]
	}
	p.setParent(parent)
	s.procs = append(s.procs, p)
	s.pids = append(s.pids, p.PID())
}

// Pop removes p, which must be the top of the stack, and clears its parent.
func (s *Stack) Pop(p *Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.procs)
	if n == 0 || s.procs[n-1] != p {
		return newError(ErrCodeStackCorrupted, p.PID(), nil, "pop of a process that is not on top of the stack")
	}
	return s.popLocked()
}

// PopPID removes the top of the stack, which must have the given pid, and
// clears its parent.
func (s *Stack) PopPID(pid PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pids)
	if n == 0 || s.pids[n-1] != pid {
		return newError(ErrCodeStackCorrupted, pid, nil, "pop of a pid that is not on top of the stack")
	}
	return s.popLocked()
}

func (s *Stack) popLocked() error {
	n := len(s.procs)
	p := s.procs[n-1]
	s.procs[n-1] = nil
	s.procs = s.procs[:n-1]
	s.pids = s.pids[:n-1]
	p.setParent(nil)
	return nil
}

// Top returns the active process.
func (s *Stack) Top() (*Process, error) {
	if s == nil {
		return nil, ErrNoActiveProcess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil, ErrNoActiveProcess
	}
	return s.procs[len(s.procs)-1], nil
}

// ActivePID returns the pid of the active process.
func (s *Stack) ActivePID() (PID, error) {
	p, err := s.Top()
	if err != nil {
		return "", err
	}
	return p.PID(), nil
}

// ActiveCalc returns the calculation record of the active process.
func (s *Stack) ActiveCalc() (*store.Node, error) {
	p, err := s.Top()
	if err != nil {
		return nil, err
	}
	return p.Node(), nil
}

// Len returns the stack depth.
func (s *Stack) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// isTop reports whether p is on top. Used by the finaliser to decide
// whether it still owns a stack entry.
func (s *Stack) isTop(p *Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.procs)
	return n > 0 && s.procs[n-1] == p
}
