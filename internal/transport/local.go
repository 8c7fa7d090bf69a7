package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ErrClosed is returned when a closed transport is used.
var ErrClosed = errors.New("transport is not open")

// Local runs commands on this machine. It is safe to open at any rate
// unless Interval is set.
type Local struct {
	Interval time.Duration

	mu   sync.Mutex
	open bool
}

// Open marks the transport usable.
func (l *Local) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	return nil
}

// Close marks the transport unusable.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	return nil
}

// SafeOpenInterval returns Interval.
func (l *Local) SafeOpenInterval() time.Duration { return l.Interval }

// Exec runs argv and returns its standard output.
func (l *Local) Exec(ctx context.Context, argv ...string) ([]byte, error) {
	l.mu.Lock()
	open := l.open
	l.mu.Unlock()
	if !open {
		return nil, ErrClosed
	}
	if len(argv) == 0 {
		return nil, errors.New("exec: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("exec %s: %w: %s", argv[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}
