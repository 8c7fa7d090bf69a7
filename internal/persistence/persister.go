package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/value"
)

// CheckpointAttr is the record attribute holding the YAML bundle.
const CheckpointAttr = "checkpoint"

// Persister saves and loads process checkpoints on calculation records.
type Persister struct {
	store    *store.Store
	registry *process.Registry
	env      process.Env
	logger   *slog.Logger
}

// New returns a Persister. Processes rebuilt by Load run in env; env.Store
// defaults to s.
func New(s *store.Store, registry *process.Registry, env process.Env) *Persister {
	if env.Store == nil {
		env.Store = s
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: s, registry: registry, env: env, logger: logger}
}

// Registry returns the class registry used to rebuild processes.
func (ps *Persister) Registry() *process.Registry { return ps.registry }

// Env returns the environment rebuilt processes run in.
func (ps *Persister) Env() process.Env { return ps.env }

func checkTag(tag string) error {
	if tag != "" {
		return fmt.Errorf("%w: %q", ErrTagsUnsupported, tag)
	}
	return nil
}

func recordID(pid process.PID) (int64, error) {
	id, err := strconv.ParseInt(string(pid), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pid %q is not a record id", pid)
	}
	return id, nil
}

// SaveCheckpoint writes a bundle of p onto its calculation record.
func (ps *Persister) SaveCheckpoint(ctx context.Context, p *process.Process, tag string) error {
	pid := p.PID()
	if err := checkTag(tag); err != nil {
		return wrap(OpBuild, pid, err)
	}
	if !p.Options().StoreProvenance {
		return wrap(OpBuild, pid, errors.New("process does not store provenance"))
	}
	b, err := NewBundle(p)
	if err != nil {
		return wrap(OpBuild, pid, err)
	}
	data, err := MarshalBundle(b)
	if err != nil {
		return wrap(OpBuild, pid, err)
	}
	if err := ps.store.SetAttr(ctx, b.CalcID, CheckpointAttr, value.String(data)); err != nil {
		return wrap(OpWrite, pid, err)
	}
	ps.logger.Debug("checkpoint saved", "pid", string(pid), "state", string(b.State.State), "step", b.State.Step)
	return nil
}

// LoadCheckpoint reads and decodes the bundle of pid.
func (ps *Persister) LoadCheckpoint(ctx context.Context, pid process.PID, tag string) (*Bundle, error) {
	if err := checkTag(tag); err != nil {
		return nil, wrap(OpRead, pid, err)
	}
	id, err := recordID(pid)
	if err != nil {
		return nil, wrap(OpRead, pid, err)
	}
	raw, err := ps.store.GetAttr(ctx, id, CheckpointAttr)
	if errors.Is(err, store.ErrAttributeNotFound) {
		return nil, wrap(OpRead, pid, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, wrap(OpRead, pid, err)
	}
	s, ok := raw.(value.String)
	if !ok {
		return nil, wrap(OpDecode, pid, fmt.Errorf("checkpoint attribute is %s, want str", value.KindOf(raw)))
	}
	b, err := UnmarshalBundle([]byte(s))
	if err != nil {
		return nil, wrap(OpDecode, pid, err)
	}
	if b.PID != pid {
		return nil, wrap(OpDecode, pid, fmt.Errorf("bundle belongs to pid %s", b.PID))
	}
	return b, nil
}

// DeleteCheckpoint removes the bundle of pid. A missing bundle is not an
// error.
func (ps *Persister) DeleteCheckpoint(ctx context.Context, pid process.PID, tag string) error {
	if err := checkTag(tag); err != nil {
		return wrap(OpDelete, pid, err)
	}
	id, err := recordID(pid)
	if err != nil {
		return wrap(OpDelete, pid, err)
	}
	if _, err := ps.store.GetAttr(ctx, id, CheckpointAttr); err != nil {
		if errors.Is(err, store.ErrAttributeNotFound) {
			return nil
		}
		return wrap(OpDelete, pid, err)
	}
	if err := ps.store.DelAttr(ctx, id, CheckpointAttr); err != nil {
		return wrap(OpDelete, pid, err)
	}
	return nil
}

// Load rebuilds a live process from the checkpoint of pid, resolving its
// class through the registry.
func (ps *Persister) Load(ctx context.Context, pid process.PID) (*process.Process, error) {
	b, err := ps.LoadCheckpoint(ctx, pid, "")
	if err != nil {
		return nil, err
	}
	class, err := ps.registry.Resolve(b.Class)
	if err != nil {
		return nil, wrap(OpLoad, pid, err)
	}
	saved, err := b.Saved()
	if err != nil {
		return nil, wrap(OpDecode, pid, err)
	}
	p, err := process.Restore(ctx, ps.env, class, b.PID, saved)
	if err != nil {
		return nil, wrap(OpLoad, pid, err)
	}
	return p, nil
}
