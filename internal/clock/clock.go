// Package clock abstracts wall time so timing-dependent components (the
// transport queue, heartbeat renewal, the daemon loop) can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the engine depends on.
type Clock interface {
	Now() time.Time
	// After waits for d and then sends the current time on the channel.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable deferred action.
type Timer interface {
	// Stop prevents the action from firing. It reports false if the action
	// already fired or was already stopped.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
