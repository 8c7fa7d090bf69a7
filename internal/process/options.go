package process

import (
	"log/slog"
	"time"

	"github.com/roach88/workd/internal/clock"
	"github.com/roach88/workd/internal/store"
)

// PID identifies a process. It is the id of the calculation record, or a
// UUID when provenance storage is disabled.
type PID string

// Options are control options of a launch. They are not provenance.
type Options struct {
	StoreProvenance bool
	Label           string
	Description     string
}

// DefaultOptions stores provenance and sets no label.
func DefaultOptions() Options {
	return Options{StoreProvenance: true}
}

// LaunchOption adjusts Options.
type LaunchOption func(*Options)

// WithLabel sets the label of the calculation record.
func WithLabel(label string) LaunchOption {
	return func(o *Options) { o.Label = label }
}

// WithDescription sets the description of the calculation record.
func WithDescription(desc string) LaunchOption {
	return func(o *Options) { o.Description = desc }
}

// WithoutProvenance runs the process without storing anything. Such a
// process cannot be checkpointed.
func WithoutProvenance() LaunchOption {
	return func(o *Options) { o.StoreProvenance = false }
}

// Env holds what a process needs from its runner.
type Env struct {
	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger
	// HeartbeatInterval is the lease length. Zero disables the heartbeat.
	HeartbeatInterval time.Duration
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}
