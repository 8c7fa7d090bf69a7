// Package heartbeat implements a renewable lease stored as two attributes
// of a calculation record.
//
// The lease is optimistic. Acquire reads the expiry and writes a new one
// without a conditional update, so two runners that both observe an
// expired lease can both believe they acquired it. The loser notices on
// its next renewal, when the tag it reads back is not the one it wrote,
// and stops. The read/compare/write goes through AttributeStore so a
// backend with a real conditional update can replace it.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/roach88/workd/internal/clock"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/value"
)

const (
	// ExpiresAttr holds the lease expiry as unix milliseconds.
	ExpiresAttr = "_heartbeat_expires"
	// TagAttr holds the ownership tag of the current holder.
	TagAttr = "_heartbeat_tag"

	// TagRange bounds tag values: tags live in [0, TagRange).
	TagRange int64 = 1 << 62

	// DefaultInterval is the lease length.
	DefaultInterval = 30 * time.Second

	// renewFraction of the remaining lease is slept before renewing.
	renewFraction = 0.9
)

var (
	// ErrLocked is returned by Start when another holder's lease is live.
	ErrLocked = errors.New("heartbeat: currently locked")

	// ErrLost is the cause reported when a renewal finds a foreign tag.
	ErrLost = errors.New("heartbeat: lease lost")
)

// AttributeStore is the record attribute access the lease needs.
// GetAttr returns store.ErrAttributeNotFound for absent keys.
type AttributeStore interface {
	GetAttr(ctx context.Context, key string) (value.Value, error)
	SetAttr(ctx context.Context, key string, v value.Value) error
	DelAttr(ctx context.Context, key string) error
}

// Option configures a Lease.
type Option func(*Lease)

// WithInterval sets the lease length.
func WithInterval(d time.Duration) Option {
	return func(l *Lease) { l.interval = d }
}

// WithClock sets the clock used for expiry and renewal scheduling.
func WithClock(c clock.Clock) Option {
	return func(l *Lease) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lease) { l.logger = logger }
}

// WithTagSource overrides the random source of initial tags.
func WithTagSource(next func() int64) Option {
	return func(l *Lease) { l.nextTag = next }
}

// OnLost registers a callback invoked once, from the renewal goroutine,
// when the lease is lost.
func OnLost(fn func()) Option {
	return func(l *Lease) { l.onLost = fn }
}

// Lease is one holder's claim on a record.
type Lease struct {
	attrs    AttributeStore
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	nextTag  func() int64
	onLost   func()

	mu       sync.Mutex
	tag      int64
	expires  time.Time
	started  bool
	lostFlag bool

	stop     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
	lostOnce sync.Once
	done     chan struct{}
}

// New returns an unstarted lease over attrs.
func New(attrs AttributeStore, opts ...Option) *Lease {
	l := &Lease{
		attrs:    attrs,
		interval: DefaultInterval,
		clock:    clock.New(),
		logger:   slog.Default(),
		nextTag:  func() int64 { return rand.Int64N(TagRange) },
		stop:     make(chan struct{}),
		lost:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start acquires the lease and starts renewing it in the background.
// It fails with ErrLocked if a live lease is held by anyone, including a
// previous incarnation of this runner.
func (l *Lease) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("heartbeat: lease already started")
	}
	l.mu.Unlock()

	if err := l.acquire(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	go l.renewLoop()
	return nil
}

func (l *Lease) acquire(ctx context.Context) error {
	now := l.clock.Now()
	current, err := l.attrs.GetAttr(ctx, ExpiresAttr)
	switch {
	case errors.Is(err, store.ErrAttributeNotFound):
	case err != nil:
		return fmt.Errorf("heartbeat: read expiry: %w", err)
	default:
		expiry, ok := current.(value.Int)
		if ok && int64(expiry) >= now.UnixMilli() {
			return fmt.Errorf("%w until %s", ErrLocked, time.UnixMilli(int64(expiry)).UTC().Format(time.RFC3339))
		}
	}

	tag := l.nextTag() % TagRange
	if tag < 0 {
		tag += TagRange
	}
	expires := now.Add(l.interval)
	if err := l.write(ctx, expires, tag); err != nil {
		return err
	}
	return nil
}

func (l *Lease) write(ctx context.Context, expires time.Time, tag int64) error {
	if err := l.attrs.SetAttr(ctx, ExpiresAttr, value.Int(expires.UnixMilli())); err != nil {
		return fmt.Errorf("heartbeat: write expiry: %w", err)
	}
	if err := l.attrs.SetAttr(ctx, TagAttr, value.Int(tag)); err != nil {
		return fmt.Errorf("heartbeat: write tag: %w", err)
	}
	l.mu.Lock()
	l.tag = tag
	l.expires = expires
	l.mu.Unlock()
	return nil
}

func (l *Lease) renewLoop() {
	lost := l.renewUntilStopped()
	close(l.done)
	if lost {
		l.markLost()
	}
}

// renewUntilStopped reports true if the loop ended because the lease was
// lost. The lost flag is set before done is closed so Stop never deletes
// attributes that now belong to another holder.
func (l *Lease) renewUntilStopped() bool {
	for {
		l.mu.Lock()
		remaining := l.expires.Sub(l.clock.Now())
		l.mu.Unlock()
		wait := time.Duration(float64(remaining) * renewFraction)
		if wait <= 0 {
			// Overdue after a failed renewal: back off instead of spinning.
			wait = l.interval / 10
		}

		select {
		case <-l.stop:
			return false
		case <-l.clock.After(wait):
		}

		select {
		case <-l.stop:
			return false
		default:
		}

		if err := l.Renew(context.Background()); err != nil {
			if errors.Is(err, ErrLost) {
				l.mu.Lock()
				l.lostFlag = true
				l.mu.Unlock()
				return true
			}
			// A transient store error is retried on the next cycle. If the
			// lease expires meanwhile, a competitor's tag is detected then.
			l.logger.Warn("heartbeat renewal failed", "error", err)
		}
	}
}

// Renew performs one renewal: if the stored tag is still ours, extend the
// expiry and advance the tag; otherwise report ErrLost without writing.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	want := l.tag
	l.mu.Unlock()

	current, err := l.attrs.GetAttr(ctx, TagAttr)
	if errors.Is(err, store.ErrAttributeNotFound) {
		return fmt.Errorf("%w: tag removed", ErrLost)
	}
	if err != nil {
		return fmt.Errorf("heartbeat: read tag: %w", err)
	}
	got, ok := current.(value.Int)
	if !ok || int64(got) != want {
		return fmt.Errorf("%w: tag %v does not match %d", ErrLost, current, want)
	}

	return l.write(ctx, l.clock.Now().Add(l.interval), (want+1)%TagRange)
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() {
		l.logger.Warn("heartbeat lease lost")
		close(l.lost)
		if l.onLost != nil {
			l.onLost()
		}
	})
}

// Lost is closed when a renewal discovers another holder.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// IsLost reports whether the lease was lost.
func (l *Lease) IsLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

// Tag returns the last tag written by this lease.
func (l *Lease) Tag() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tag
}

// Expires returns the last expiry written by this lease.
func (l *Lease) Expires() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expires
}

// Stop ends renewal and deletes the lease attributes. It is safe to call
// more than once and from several paths (failure handling, lost-lease
// handling, normal completion): only the first call does anything.
//
// A lost lease is not deleted, since the attributes belong to the new
// holder. A record sealed concurrently is tolerated.
func (l *Lease) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.mu.Lock()
		started := l.started
		l.mu.Unlock()
		if !started {
			return
		}
		<-l.done
		l.mu.Lock()
		lost := l.lostFlag
		l.mu.Unlock()
		if lost {
			return
		}
		for _, key := range []string{ExpiresAttr, TagAttr} {
			err := l.attrs.DelAttr(ctx, key)
			if errors.Is(err, store.ErrModificationNotAllowed) {
				l.logger.Debug("heartbeat cleanup skipped, record sealed", "key", key)
				continue
			}
			if err != nil {
				l.logger.Warn("heartbeat cleanup failed", "key", key, "error", err)
			}
		}
	})
}
