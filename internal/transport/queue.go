package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/roach88/workd/internal/clock"
)

var (
	// ErrCancelled is the result of a request cancelled before it ran.
	ErrCancelled = errors.New("transport request cancelled")
	// ErrQueueClosed is the result of a request the queue dropped on Close.
	ErrQueueClosed = errors.New("transport queue closed")
)

// Callback runs against an open transport. An error or panic is logged and
// recorded on the request; it does not affect other callbacks of the batch.
type Callback func(ctx context.Context, auth AuthInfo, t Transport) error

type requestState int

const (
	requestPending requestState = iota
	requestRunning
	requestDone
)

// Request is a callback registered with a Queue.
type Request struct {
	q     *Queue
	id    string
	cb    Callback
	state requestState // guarded by q.mu

	done chan struct{}
	err  error
}

// Cancel removes the request if its batch has not started. It reports
// whether the request was removed; cancelling a request that already ran
// has no effect.
func (r *Request) Cancel() bool {
	q := r.q
	q.mu.Lock()
	if r.state != requestPending {
		q.mu.Unlock()
		return false
	}
	r.state = requestDone
	if e, ok := q.entries[r.id]; ok {
		for i, other := range e.requests {
			if other == r {
				e.requests = append(e.requests[:i], e.requests[i+1:]...)
				break
			}
		}
		if len(e.requests) == 0 && !e.running && e.timer.Stop() {
			delete(q.entries, r.id)
			q.wg.Done()
		}
	}
	q.mu.Unlock()
	r.finish(ErrCancelled)
	return true
}

// Done is closed once the callback has run or the request was dropped.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the result of the request once Done is closed.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the request is done or ctx ends.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) finish(err error) {
	r.err = err
	close(r.done)
}

type entry struct {
	auth     AuthInfo
	requests []*Request
	timer    clock.Timer
	// running is set while the transport of the entry is open. The entry
	// stays registered until the transport is closed again.
	running bool
}

// Queue batches transport requests per AuthInfo identity.
//
// The first request for an identity schedules a deferred action after the
// transport's safe open interval. When it fires, the transport is opened
// once, every request registered so far runs in registration order, and
// the transport is closed. Requests registered while the batch runs join
// it; requests registered while the transport is closing start a new
// batch once the close has returned. At most one transport per identity
// is open at any time.
type Queue struct {
	clock  clock.Clock
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used to defer opens.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger for callback and transport failures.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue returns an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(q)
	}
	if q.clock == nil {
		q.clock = clock.New()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// CallMeWithTransport registers cb to run with the transport of auth.
func (q *Queue) CallMeWithTransport(auth AuthInfo, cb Callback) *Request {
	id := auth.ID()
	r := &Request{q: q, id: id, cb: cb, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		r.state = requestDone
		q.mu.Unlock()
		r.finish(ErrQueueClosed)
		return r
	}
	e, ok := q.entries[id]
	if !ok {
		e = &entry{auth: auth}
		q.entries[id] = e
		q.schedule(id, e)
	}
	e.requests = append(e.requests, r)
	q.mu.Unlock()
	return r
}

// NumWaiting returns the number of requests queued across all identities.
func (q *Queue) NumWaiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		n += len(e.requests)
	}
	return n
}

// Close drops every queued request with ErrQueueClosed and waits for
// running batches to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var dropped []*Request
	for id, e := range q.entries {
		if e.running {
			dropped = append(dropped, e.takeDropped()...)
			continue
		}
		if !e.timer.Stop() {
			continue
		}
		dropped = append(dropped, e.takeDropped()...)
		delete(q.entries, id)
		q.wg.Done()
	}
	q.mu.Unlock()

	for _, r := range dropped {
		r.finish(ErrQueueClosed)
	}
	q.cancel()
	q.wg.Wait()
}

// schedule arms the deferred open of e. Callers hold q.mu.
func (q *Queue) schedule(id string, e *entry) {
	q.wg.Add(1)
	interval := e.auth.Transport().SafeOpenInterval()
	e.timer = q.clock.AfterFunc(interval, func() { q.fire(id, e) })
	q.logger.Debug("transport open scheduled", "auth", id, "interval", interval)
}

// takeDropped empties the queued requests of e and marks them done.
// Callers hold q.mu and finish the returned requests after unlocking.
func (e *entry) takeDropped() []*Request {
	dropped := e.requests
	e.requests = nil
	for _, r := range dropped {
		r.state = requestDone
	}
	return dropped
}

// takeBatch moves the queued requests of e to running. Callers hold q.mu.
func (e *entry) takeBatch() []*Request {
	batch := e.requests
	e.requests = nil
	for _, r := range batch {
		r.state = requestRunning
	}
	return batch
}

func (q *Queue) fire(id string, e *entry) {
	defer q.wg.Done()

	q.mu.Lock()
	if q.closed || len(e.requests) == 0 {
		dropped := e.takeDropped()
		if q.entries[id] == e {
			delete(q.entries, id)
		}
		q.mu.Unlock()
		for _, r := range dropped {
			r.finish(ErrQueueClosed)
		}
		return
	}
	e.running = true
	batch := e.takeBatch()
	q.mu.Unlock()

	q.runBatch(id, e, batch)
}

// runBatch opens the transport of e once and runs batch, then every
// request that joined while it ran. The entry is released only after the
// transport is closed.
func (q *Queue) runBatch(id string, e *entry, batch []*Request) {
	auth := e.auth
	logger := q.logger.With("auth", id)
	t := auth.Transport()

	if err := t.Open(q.ctx); err != nil {
		err = fmt.Errorf("open transport %s: %w", id, err)
		q.mu.Lock()
		batch = append(batch, e.takeDropped()...)
		q.release(id, e)
		q.mu.Unlock()
		logger.Error("transport open failed", "error", err, "requests", len(batch))
		for _, r := range batch {
			r.finish(err)
		}
		return
	}

	logger.Debug("transport opened", "requests", len(batch))
	for len(batch) > 0 {
		for _, r := range batch {
			err := q.invoke(auth, t, r)
			if err != nil {
				logger.Error("transport callback failed", "error", err)
			}
			r.finish(err)
		}
		q.mu.Lock()
		if q.closed {
			batch = nil
		} else {
			batch = e.takeBatch()
		}
		q.mu.Unlock()
	}

	if err := t.Close(); err != nil {
		logger.Warn("transport close failed", "error", err)
	}

	q.mu.Lock()
	var dropped []*Request
	if q.closed {
		dropped = e.takeDropped()
	}
	q.release(id, e)
	q.mu.Unlock()
	for _, r := range dropped {
		r.finish(ErrQueueClosed)
	}
}

// release ends the running phase of e. Requests that arrived while the
// transport was closing get a fresh deferred open. Callers hold q.mu.
func (q *Queue) release(id string, e *entry) {
	e.running = false
	if len(e.requests) > 0 && !q.closed {
		q.schedule(id, e)
		return
	}
	if q.entries[id] == e {
		delete(q.entries, id)
	}
}

func (q *Queue) invoke(auth AuthInfo, t Transport, r *Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("transport callback panicked",
				"auth", auth.ID(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("transport callback panicked: %v", rec)
		}
	}()
	return r.cb(q.ctx, auth, t)
}
