package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/workd/internal/value"
)

func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storeProcess(t *testing.T, s *Store) *Node {
	t.Helper()
	n := NewProcessNode("test.Dummy")
	require.NoError(t, s.StoreNode(context.Background(), n))
	return n
}

func storeData(t *testing.T, s *Store, v value.Value) *Node {
	t.Helper()
	n := NewData(v)
	require.NoError(t, s.StoreNode(context.Background(), n))
	return n
}

func TestStoreNode_DataIsSealedAndHashed(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createTestStore(t, WithNow(func() time.Time { return created }))

	n := NewData(value.Map{"a": value.Int(5), "b": value.Float(2)})
	require.NoError(t, s.StoreNode(ctx, n))

	assert.NotZero(t, n.ID)
	assert.True(t, n.Sealed)
	assert.NotEmpty(t, n.ContentHash)

	loaded, err := s.LoadNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, KindData, loaded.Kind)
	assert.True(t, loaded.Sealed)
	assert.True(t, value.Equal(n.Content, loaded.Content), "content must survive int/float distinction")
	assert.Equal(t, n.ContentHash, loaded.ContentHash)
	assert.Equal(t, created, loaded.CreatedAt)
}

func TestStoreNode_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	n := NewProcessNode("test.Dummy")
	require.NoError(t, s.StoreNode(ctx, n))
	first := n.ID

	require.NoError(t, s.StoreNode(ctx, n))
	assert.Equal(t, first, n.ID)

	// A copy carrying the same UUID resolves to the same record.
	dup := &Node{UUID: n.UUID, Kind: KindProcess, ProcessType: "test.Dummy"}
	require.NoError(t, s.StoreNode(ctx, dup))
	assert.Equal(t, first, dup.ID)

	procs, err := s.ListProcesses(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, procs, 1)
}

func TestLoadNode_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.LoadNode(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttributes_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	n := storeProcess(t, s)

	require.NoError(t, s.SetAttr(ctx, n.ID, "count", value.Int(3)))
	require.NoError(t, s.SetAttr(ctx, n.ID, "ratio", value.Float(1)))
	require.NoError(t, s.SetAttr(ctx, n.ID, "count", value.Int(4)))

	got, err := s.GetAttr(ctx, n.ID, "count")
	require.NoError(t, err)
	assert.Equal(t, value.Int(4), got)

	got, err = s.GetAttr(ctx, n.ID, "ratio")
	require.NoError(t, err)
	assert.Equal(t, value.Float(1), got)

	all, err := s.Attrs(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DelAttr(ctx, n.ID, "count"))
	_, err = s.GetAttr(ctx, n.ID, "count")
	assert.ErrorIs(t, err, ErrAttributeNotFound)

	// Deleting an absent key is a no-op.
	assert.NoError(t, s.DelAttr(ctx, n.ID, "count"))
}

func TestSealed_RejectsModification(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	n := storeProcess(t, s)
	require.NoError(t, s.SetAttr(ctx, n.ID, "k", value.String("v")))

	require.NoError(t, s.Seal(ctx, n.ID))
	require.NoError(t, s.Seal(ctx, n.ID), "sealing twice is a no-op")

	assert.ErrorIs(t, s.SetAttr(ctx, n.ID, "k", value.String("w")), ErrModificationNotAllowed)
	assert.ErrorIs(t, s.DelAttr(ctx, n.ID, "k"), ErrModificationNotAllowed)
	assert.ErrorIs(t, s.SetProcessState(ctx, n.ID, "running"), ErrModificationNotAllowed)

	got, err := s.GetAttr(ctx, n.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, value.String("v"), got)
}

func TestSeal_NotFound(t *testing.T) {
	s := createTestStore(t)
	assert.ErrorIs(t, s.Seal(context.Background(), 7), ErrNotFound)
}

func TestAddLink_KindsAndOwnership(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	parent := storeProcess(t, s)
	child := storeProcess(t, s)
	in := storeData(t, s, value.Int(5))
	out := storeData(t, s, value.Bool(true))

	require.NoError(t, s.AddLink(ctx, in.ID, child.ID, "a", LinkInput))
	require.NoError(t, s.AddLink(ctx, parent.ID, child.ID, "CALL", LinkCall))
	require.NoError(t, s.AddLink(ctx, child.ID, out.ID, "ran", LinkCreate))
	require.NoError(t, s.AddLink(ctx, child.ID, out.ID, "ran", LinkReturn))
	// Duplicate is ignored.
	require.NoError(t, s.AddLink(ctx, child.ID, out.ID, "ran", LinkReturn))

	incoming, err := s.IncomingLinks(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, incoming, 2)

	returns, err := s.OutgoingLinks(ctx, child.ID, LinkReturn)
	require.NoError(t, err)
	require.Len(t, returns, 1)
	assert.Equal(t, "ran", returns[0].Label)
	assert.Equal(t, out.ID, returns[0].TargetID)

	// Wrong endpoint kinds.
	assert.ErrorIs(t, s.AddLink(ctx, out.ID, in.ID, "x", LinkInput), ErrInvalidLink)
	assert.ErrorIs(t, s.AddLink(ctx, child.ID, parent.ID, "x", LinkReturn), ErrInvalidLink)
	assert.ErrorIs(t, s.AddLink(ctx, child.ID, out.ID, "x", LinkType("bogus")), ErrInvalidLink)

	// Sealed owner rejects new links; the data target being sealed does not matter.
	require.NoError(t, s.Seal(ctx, child.ID))
	assert.ErrorIs(t, s.AddLink(ctx, child.ID, out.ID, "late", LinkReturn), ErrModificationNotAllowed)
	assert.ErrorIs(t, s.AddLink(ctx, in.ID, child.ID, "late", LinkInput), ErrModificationNotAllowed)

	// A sealed child does not stop its unsealed parent from emitting outputs.
	assert.NoError(t, s.AddLink(ctx, parent.ID, out.ID, "fwd", LinkReturn))
}

func TestQueryPending(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	now := time.UnixMilli(1_000_000)

	noLease := storeProcess(t, s)
	require.NoError(t, s.SetProcessState(ctx, noLease.ID, "waiting"))

	expired := storeProcess(t, s)
	require.NoError(t, s.SetProcessState(ctx, expired.ID, "running"))
	require.NoError(t, s.SetAttr(ctx, expired.ID, "lease", value.Int(0)))

	live := storeProcess(t, s)
	require.NoError(t, s.SetProcessState(ctx, live.ID, "running"))
	require.NoError(t, s.SetAttr(ctx, live.ID, "lease", value.Int(now.UnixMilli()+5000)))

	finished := storeProcess(t, s)
	require.NoError(t, s.SetProcessState(ctx, finished.ID, "finished"))

	sealed := storeProcess(t, s)
	require.NoError(t, s.SetProcessState(ctx, sealed.ID, "running"))
	require.NoError(t, s.Seal(ctx, sealed.ID))

	storeData(t, s, value.Int(1))

	pending, err := s.QueryPending(ctx, []string{"created", "running", "waiting"}, "lease", now)
	require.NoError(t, err)

	var ids []int64
	for _, n := range pending {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []int64{noLease.ID, expired.ID}, ids)

	none, err := s.QueryPending(ctx, nil, "lease", now)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListProcesses_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	a := storeProcess(t, s)
	b := storeProcess(t, s)
	storeData(t, s, value.String("ignored"))

	all, err := s.ListProcesses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)

	limited, err := s.ListProcesses(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
