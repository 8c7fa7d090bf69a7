package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeTransport records how often it is opened and closed.
//
// It satisfies transport.Transport structurally so that this package does
// not depend on the transport package.
type FakeTransport struct {
	// Interval is returned by SafeOpenInterval.
	Interval time.Duration
	// OpenErr, when set, is returned by every Open.
	OpenErr error

	mu     sync.Mutex
	opens  int
	closes int
	open   bool
}

// Open marks the transport open.
func (f *FakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.opens++
	f.open = true
	return nil
}

// Close marks the transport closed.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

// SafeOpenInterval returns Interval.
func (f *FakeTransport) SafeOpenInterval() time.Duration {
	return f.Interval
}

// Opens returns the number of successful Open calls.
func (f *FakeTransport) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes returns the number of Close calls.
func (f *FakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// IsOpen reports whether the transport is currently open.
func (f *FakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
