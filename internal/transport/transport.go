// Package transport coalesces requests for a remote connection.
//
// Many processes talking to the same computer at about the same time share
// one open/close cycle: the Queue collects callbacks per connection
// identity, waits the transport's safe open interval, then opens the
// transport once and runs every callback against it.
package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Transport is a connection to a computer. Open and Close bracket a batch
// of callbacks.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	// SafeOpenInterval is the minimum delay between opens. Zero means the
	// transport may be opened as often as needed.
	SafeOpenInterval() time.Duration
}

// AuthInfo identifies a connection. Requests with the same ID share a
// transport.
type AuthInfo interface {
	ID() string
	Transport() Transport
}

// Computer is a named AuthInfo with a fixed transport.
type Computer struct {
	Name string
	T    Transport
}

// ID returns the computer name.
func (c Computer) ID() string { return c.Name }

// Transport returns the transport of the computer.
func (c Computer) Transport() Transport { return c.T }

// Resolver finds AuthInfo by computer name.
type Resolver struct {
	mu    sync.RWMutex
	infos map[string]AuthInfo
}

// NewResolver returns a resolver holding infos.
func NewResolver(infos ...AuthInfo) *Resolver {
	r := &Resolver{infos: make(map[string]AuthInfo, len(infos))}
	for _, info := range infos {
		r.infos[info.ID()] = info
	}
	return r
}

// Add registers info, replacing any earlier entry with the same ID.
func (r *Resolver) Add(info AuthInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[info.ID()] = info
}

// Resolve returns the AuthInfo for name.
func (r *Resolver) Resolve(name string) (AuthInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	if !ok {
		return nil, fmt.Errorf("no computer named %q", name)
	}
	return info, nil
}

// Names returns the registered computer names, sorted.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.infos))
	for name := range r.infos {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
