package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/workd/internal/heartbeat"
	"github.com/roach88/workd/internal/persistence"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/value"
)

// Summary is one line of a process listing.
type Summary struct {
	PID       string    `json:"pid"`
	Class     string    `json:"class"`
	State     string    `json:"state"`
	Label     string    `json:"label,omitempty"`
	Sealed    bool      `json:"sealed"`
	CreatedAt time.Time `json:"created_at"`
}

// DataView is a data record linked to a process.
type DataView struct {
	ID    int64           `json:"id"`
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// HeartbeatView is the lease currently recorded on a process.
type HeartbeatView struct {
	Expires time.Time `json:"expires"`
	Tag     int64     `json:"tag"`
}

// ProcessView is the full picture of one calculation record.
type ProcessView struct {
	Summary
	Description string              `json:"description,omitempty"`
	Exception   string              `json:"exception,omitempty"`
	Inputs      map[string]DataView `json:"inputs"`
	Outputs     map[string]DataView `json:"outputs"`
	Caller      string              `json:"caller,omitempty"`
	Calls       []string            `json:"calls,omitempty"`
	Heartbeat   *HeartbeatView      `json:"heartbeat,omitempty"`
	// Checkpoint is the canonical JSON of the bundle, when one exists.
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// ErrNotProcess is returned by Describe for data records.
var ErrNotProcess = errors.New("record is not a process")

func pidOf(id int64) string { return strconv.FormatInt(id, 10) }

// Summarize returns the listing line of a process record.
func Summarize(n *store.Node) Summary {
	return Summary{
		PID:       pidOf(n.ID),
		Class:     n.ProcessType,
		State:     n.ProcessState,
		Label:     n.Label,
		Sealed:    n.Sealed,
		CreatedAt: n.CreatedAt,
	}
}

// Describe loads the record pid with its linked data, lease and
// checkpoint.
func Describe(ctx context.Context, s *store.Store, ps *persistence.Persister, pid process.PID) (*ProcessView, error) {
	id, err := strconv.ParseInt(string(pid), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("pid %q is not a record id: %w", pid, store.ErrNotFound)
	}
	n, err := s.LoadNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Kind != store.KindProcess {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotProcess)
	}
	attrs, err := s.Attrs(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &ProcessView{
		Summary:     Summarize(n),
		Description: n.Description,
		Inputs:      map[string]DataView{},
		Outputs:     map[string]DataView{},
	}
	if exc, ok := attrs[process.ExceptionAttr].(value.String); ok {
		v.Exception = string(exc)
	}
	if exp, ok := attrs[heartbeat.ExpiresAttr].(value.Int); ok {
		tag, _ := attrs[heartbeat.TagAttr].(value.Int)
		v.Heartbeat = &HeartbeatView{Expires: time.UnixMilli(int64(exp)).UTC(), Tag: int64(tag)}
	}

	if err := linkedData(ctx, s, id, true, store.LinkInput, v.Inputs); err != nil {
		return nil, err
	}
	if err := linkedData(ctx, s, id, false, store.LinkReturn, v.Outputs); err != nil {
		return nil, err
	}

	callers, err := s.IncomingLinks(ctx, id, store.LinkCall)
	if err != nil {
		return nil, err
	}
	if len(callers) > 0 {
		v.Caller = pidOf(callers[0].SourceID)
	}
	calls, err := s.OutgoingLinks(ctx, id, store.LinkCall)
	if err != nil {
		return nil, err
	}
	for _, l := range calls {
		v.Calls = append(v.Calls, pidOf(l.TargetID))
	}

	if ps != nil {
		b, err := ps.LoadCheckpoint(ctx, pid, "")
		switch {
		case errors.Is(err, persistence.ErrNoCheckpoint):
		case err != nil:
			return nil, err
		default:
			data, err := persistence.CanonicalJSON(b)
			if err != nil {
				return nil, err
			}
			v.Checkpoint = data
		}
	}
	return v, nil
}

func linkedData(ctx context.Context, s *store.Store, id int64, incoming bool, lt store.LinkType, into map[string]DataView) error {
	var links []store.Link
	var err error
	if incoming {
		links, err = s.IncomingLinks(ctx, id, lt)
	} else {
		links, err = s.OutgoingLinks(ctx, id, lt)
	}
	if err != nil {
		return err
	}
	for _, l := range links {
		other := l.TargetID
		if incoming {
			other = l.SourceID
		}
		n, err := s.LoadNode(ctx, other)
		if err != nil {
			return err
		}
		raw, err := value.Marshal(n.Content)
		if err != nil {
			return fmt.Errorf("%s %q: %w", lt, l.Label, err)
		}
		into[l.Label] = DataView{ID: n.ID, Kind: string(value.KindOf(n.Content)), Value: raw}
	}
	return nil
}
