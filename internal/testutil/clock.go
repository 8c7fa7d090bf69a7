package testutil

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/workd/internal/clock"
)

// ManualClock is a clock.Clock whose time only moves when Advance is called.
//
// Deferred actions registered with AfterFunc or After fire during Advance,
// synchronously and in deadline order (registration order on ties), once
// the clock reaches their deadline. A zero or negative delay fires on the
// next Advance, including Advance(0).
//
// Thread-safety: All methods are safe for concurrent use.
type ManualClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	seq     int
	pending []*manualTimer
}

var _ clock.Clock = (*ManualClock)(nil)

type manualTimer struct {
	c   *ManualClock
	at  time.Time
	seq int
	fn  func()
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	c := &ManualClock{now: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.pending = append(c.pending, t)
	c.cond.Broadcast()
	return t
}

// After returns a channel that receives the manual time once the clock has
// advanced by d.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

// Advance moves the clock forward by d and fires every action that is due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, keep []*manualTimer
	for _, t := range c.pending {
		if !t.at.After(c.now) {
			due = append(due, t)
		} else {
			keep = append(keep, t)
		}
	}
	c.pending = keep
	c.mu.Unlock()

	slices.SortFunc(due, func(a, b *manualTimer) int {
		if cmp := a.at.Compare(b.at); cmp != 0 {
			return cmp
		}
		return a.seq - b.seq
	})
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of registered actions that have not fired.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// BlockUntil waits until at least n actions are pending. Used to
// synchronise with goroutines that sleep on After.
func (c *ManualClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.cond.Wait()
	}
}

func (t *manualTimer) Stop() bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}
