package persistence

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/value"
)

// Bundle is a self-contained checkpoint of a process. It names the class
// to rebuild, the calculation record to reattach to, and the saved state.
type Bundle struct {
	Class  process.ClassRef `yaml:"class"`
	PID    process.PID      `yaml:"pid"`
	CalcID int64            `yaml:"calc_id"`
	State  SavedState       `yaml:"state"`
}

// SavedState is the YAML form of process.SavedState.
type SavedState struct {
	State     process.State    `yaml:"state"`
	Step      string           `yaml:"step,omitempty"`
	Inputs    map[string]int64 `yaml:"inputs"`
	Outputs   map[string]int64 `yaml:"outputs,omitempty"`
	ParentPID process.PID      `yaml:"parent_pid,omitempty"`
	Options   Options          `yaml:"options"`
	// Context is JSON so that ints and floats keep their kind.
	Context string `yaml:"context,omitempty"`
}

// Options is the YAML form of process.Options.
type Options struct {
	StoreProvenance bool   `yaml:"store_provenance"`
	Label           string `yaml:"label,omitempty"`
	Description     string `yaml:"description,omitempty"`
}

// NewBundle builds a bundle from a process.
func NewBundle(p *process.Process) (*Bundle, error) {
	saved, err := p.Save()
	if err != nil {
		return nil, err
	}
	state, err := fromSaved(saved)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Class:  p.Class().Ref(),
		PID:    p.PID(),
		CalcID: p.Node().ID,
		State:  state,
	}, nil
}

func fromSaved(s process.SavedState) (SavedState, error) {
	out := SavedState{
		State:     s.State,
		Step:      s.Step,
		Inputs:    s.Inputs,
		Outputs:   s.Outputs,
		ParentPID: s.ParentPID,
		Options: Options{
			StoreProvenance: s.Options.StoreProvenance,
			Label:           s.Options.Label,
			Description:     s.Options.Description,
		},
	}
	if out.Inputs == nil {
		out.Inputs = map[string]int64{}
	}
	if len(s.Context) > 0 {
		data, err := value.Marshal(s.Context)
		if err != nil {
			return SavedState{}, fmt.Errorf("encode context: %w", err)
		}
		out.Context = string(data)
	}
	return out, nil
}

// Saved converts the bundle state back for process.Restore.
func (b *Bundle) Saved() (process.SavedState, error) {
	s := b.State
	out := process.SavedState{
		State:     s.State,
		Step:      s.Step,
		Inputs:    s.Inputs,
		Outputs:   s.Outputs,
		ParentPID: s.ParentPID,
		Options: process.Options{
			StoreProvenance: s.Options.StoreProvenance,
			Label:           s.Options.Label,
			Description:     s.Options.Description,
		},
		Context: value.Map{},
	}
	if s.Context != "" {
		v, err := value.Unmarshal([]byte(s.Context))
		if err != nil {
			return process.SavedState{}, fmt.Errorf("decode context: %w", err)
		}
		m, ok := v.(value.Map)
		if !ok {
			return process.SavedState{}, fmt.Errorf("decode context: got %s, want dict", value.KindOf(v))
		}
		out.Context = m
	}
	return out, nil
}

// Validate checks the fields every bundle must carry.
func (b *Bundle) Validate() error {
	switch {
	case b.Class.Key == "":
		return fmt.Errorf("bundle has no class")
	case b.PID == "":
		return fmt.Errorf("bundle has no pid")
	case b.CalcID == 0:
		return fmt.Errorf("bundle has no calculation record id")
	case !b.State.State.Valid():
		return fmt.Errorf("bundle has invalid state %q", b.State.State)
	}
	return nil
}

// MarshalBundle encodes b as YAML.
func MarshalBundle(b *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBundle decodes and validates a YAML bundle.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// CanonicalJSON renders b as canonical JSON for diagnostics and
// comparison. The context is inlined as a value rather than a string.
func CanonicalJSON(b *Bundle) ([]byte, error) {
	refs := func(m map[string]int64) value.Map {
		out := make(value.Map, len(m))
		for k, v := range m {
			out[k] = value.Int(v)
		}
		return out
	}
	saved, err := b.Saved()
	if err != nil {
		return nil, err
	}
	doc := value.Map{
		"class": value.Map{
			"kind": value.String(b.Class.Kind),
			"key":  value.String(b.Class.Key),
		},
		"pid":     value.String(b.PID),
		"calc_id": value.Int(b.CalcID),
		"state": value.Map{
			"state":      value.String(b.State.State),
			"step":       value.String(b.State.Step),
			"inputs":     refs(b.State.Inputs),
			"outputs":    refs(b.State.Outputs),
			"parent_pid": value.String(b.State.ParentPID),
			"options": value.Map{
				"store_provenance": value.Bool(b.State.Options.StoreProvenance),
				"label":            value.String(b.State.Options.Label),
				"description":      value.String(b.State.Options.Description),
			},
			"context": saved.Context,
		},
	}
	return value.MarshalCanonical(doc)
}
