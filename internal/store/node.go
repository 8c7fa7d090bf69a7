package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/workd/internal/value"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAttributeNotFound is returned by GetAttr for an absent key.
	ErrAttributeNotFound = errors.New("attribute not found")

	// ErrModificationNotAllowed is returned when mutating a sealed record.
	ErrModificationNotAllowed = errors.New("modification not allowed: record is sealed")

	// ErrInvalidLink is returned when a link's endpoints have the wrong kinds.
	ErrInvalidLink = errors.New("invalid link")
)

// NodeKind distinguishes data records from process (calculation) records.
type NodeKind string

const (
	KindData    NodeKind = "data"
	KindProcess NodeKind = "process"
)

// LinkType is the provenance semantic of a link.
type LinkType string

const (
	LinkInput  LinkType = "input"
	LinkCreate LinkType = "create"
	LinkReturn LinkType = "return"
	LinkCall   LinkType = "call"
)

// Valid reports whether t is a known link type.
func (t LinkType) Valid() bool {
	switch t {
	case LinkInput, LinkCreate, LinkReturn, LinkCall:
		return true
	}
	return false
}

// Node is a record in the store. ID is zero until the node is stored.
type Node struct {
	ID           int64
	UUID         string
	Kind         NodeKind
	ProcessType  string
	Label        string
	Description  string
	Content      value.Value
	ContentHash  string
	ProcessState string
	Sealed       bool
	CreatedAt    time.Time
}

// NewData returns an unstored data record holding v.
func NewData(v value.Value) *Node {
	if v == nil {
		v = value.Null{}
	}
	return &Node{
		UUID:    uuid.NewString(),
		Kind:    KindData,
		Content: v,
	}
}

// NewProcessNode returns an unstored calculation record for the given
// process type.
func NewProcessNode(processType string) *Node {
	return &Node{
		UUID:        uuid.NewString(),
		Kind:        KindProcess,
		ProcessType: processType,
	}
}

// IsStored reports whether the node has been written to a store.
func (n *Node) IsStored() bool {
	return n != nil && n.ID != 0
}

func (n *Node) String() string {
	if n.Kind == KindProcess {
		return fmt.Sprintf("process<%d %s>", n.ID, n.ProcessType)
	}
	return fmt.Sprintf("data<%d %s>", n.ID, value.KindOf(n.Content))
}

// Link is a stored provenance edge.
type Link struct {
	ID       int64
	SourceID int64
	TargetID int64
	Label    string
	Type     LinkType
}
