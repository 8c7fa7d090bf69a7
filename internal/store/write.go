package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/workd/internal/value"
)

// StoreNode writes n and sets its ID. Data records are sealed on store.
//
// Idempotent: storing an already stored node (or one whose UUID is already
// present) does not create a duplicate record.
func (s *Store) StoreNode(ctx context.Context, n *Node) error {
	if n == nil {
		return errors.New("store node: nil node")
	}
	if n.ID != 0 {
		return nil
	}
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}

	var (
		content     sql.NullString
		contentKind string
	)
	if n.Kind == KindData {
		if n.Content == nil {
			n.Content = value.Null{}
		}
		data, err := value.Marshal(n.Content)
		if err != nil {
			return fmt.Errorf("store node: marshal content: %w", err)
		}
		hash, err := value.Hash(n.Content)
		if err != nil {
			return fmt.Errorf("store node: %w", err)
		}
		content = sql.NullString{String: string(data), Valid: true}
		contentKind = string(value.KindOf(n.Content))
		n.ContentHash = hash
		n.Sealed = true
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (uuid, kind, process_type, label, description, content,
				content_kind, content_hash, process_state, sealed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO NOTHING
		`, n.UUID, string(n.Kind), n.ProcessType, n.Label, n.Description, content,
			contentKind, n.ContentHash, n.ProcessState, boolToInt(n.Sealed), n.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("store node: %w", err)
		}
		if err := tx.QueryRowContext(ctx, "SELECT id FROM nodes WHERE uuid = ?", n.UUID).Scan(&n.ID); err != nil {
			return fmt.Errorf("store node: read id: %w", err)
		}
		return nil
	})
}

// SetAttr sets attribute key on record id. Fails with
// ErrModificationNotAllowed once the record is sealed.
func (s *Store) SetAttr(ctx context.Context, id int64, key string, v value.Value) error {
	data, err := value.Marshal(v)
	if err != nil {
		return fmt.Errorf("set attribute %q: %w", key, err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkUnsealed(ctx, tx, id); err != nil {
			return fmt.Errorf("set attribute %q on %d: %w", key, id, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO node_attributes (node_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT(node_id, key) DO UPDATE SET value = excluded.value
		`, id, key, string(data))
		if err != nil {
			return fmt.Errorf("set attribute %q on %d: %w", key, id, err)
		}
		return nil
	})
}

// DelAttr removes attribute key from record id. Removing an absent key is
// not an error; removing from a sealed record is.
func (s *Store) DelAttr(ctx context.Context, id int64, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkUnsealed(ctx, tx, id); err != nil {
			return fmt.Errorf("delete attribute %q on %d: %w", key, id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM node_attributes WHERE node_id = ? AND key = ?", id, key); err != nil {
			return fmt.Errorf("delete attribute %q on %d: %w", key, id, err)
		}
		return nil
	})
}

// SetProcessState records the process state on record id.
func (s *Store) SetProcessState(ctx context.Context, id int64, state string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkUnsealed(ctx, tx, id); err != nil {
			return fmt.Errorf("set state %q on %d: %w", state, id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET process_state = ? WHERE id = ?", state, id); err != nil {
			return fmt.Errorf("set state %q on %d: %w", state, id, err)
		}
		return nil
	})
}

// Seal makes record id immutable. Sealing a sealed record is a no-op.
func (s *Store) Seal(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE nodes SET sealed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("seal %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("seal %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("seal %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddLink records a provenance link from source to target.
//
// Endpoint kinds are checked against the link type. The process record
// that owns the link (the target of input and call links, the source of
// create and return links) must not be sealed. Re-adding an existing
// link is a no-op.
func (s *Store) AddLink(ctx context.Context, source, target int64, label string, lt LinkType) error {
	if !lt.Valid() {
		return fmt.Errorf("%w: unknown link type %q", ErrInvalidLink, lt)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		srcKind, srcSealed, err := nodeKind(ctx, tx, source)
		if err != nil {
			return fmt.Errorf("add %s link: source: %w", lt, err)
		}
		dstKind, dstSealed, err := nodeKind(ctx, tx, target)
		if err != nil {
			return fmt.Errorf("add %s link: target: %w", lt, err)
		}

		var wantSrc, wantDst NodeKind
		var ownerSealed bool
		switch lt {
		case LinkInput:
			wantSrc, wantDst, ownerSealed = KindData, KindProcess, dstSealed
		case LinkCreate, LinkReturn:
			wantSrc, wantDst, ownerSealed = KindProcess, KindData, srcSealed
		case LinkCall:
			wantSrc, wantDst, ownerSealed = KindProcess, KindProcess, dstSealed
		}
		if srcKind != wantSrc || dstKind != wantDst {
			return fmt.Errorf("%w: %s link needs %s -> %s, got %s -> %s",
				ErrInvalidLink, lt, wantSrc, wantDst, srcKind, dstKind)
		}
		if ownerSealed {
			return fmt.Errorf("add %s link %q: %w", lt, label, ErrModificationNotAllowed)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO links (source_id, target_id, label, link_type) VALUES (?, ?, ?, ?)
			ON CONFLICT(source_id, target_id, label, link_type) DO NOTHING
		`, source, target, label, string(lt))
		if err != nil {
			return fmt.Errorf("add %s link %q: %w", lt, label, err)
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func checkUnsealed(ctx context.Context, tx *sql.Tx, id int64) error {
	_, sealed, err := nodeKind(ctx, tx, id)
	if err != nil {
		return err
	}
	if sealed {
		return ErrModificationNotAllowed
	}
	return nil
}

func nodeKind(ctx context.Context, tx *sql.Tx, id int64) (NodeKind, bool, error) {
	var (
		kind   string
		sealed int
	)
	err := tx.QueryRowContext(ctx, "SELECT kind, sealed FROM nodes WHERE id = ?", id).Scan(&kind, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", false, err
	}
	return NodeKind(kind), sealed != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NodeAttributes binds attribute access to one record.
type NodeAttributes struct {
	s  *Store
	id int64
}

// Attributes returns attribute access bound to record id.
func (s *Store) Attributes(id int64) NodeAttributes {
	return NodeAttributes{s: s, id: id}
}

func (a NodeAttributes) GetAttr(ctx context.Context, key string) (value.Value, error) {
	return a.s.GetAttr(ctx, a.id, key)
}

func (a NodeAttributes) SetAttr(ctx context.Context, key string, v value.Value) error {
	return a.s.SetAttr(ctx, a.id, key, v)
}

func (a NodeAttributes) DelAttr(ctx context.Context, key string) error {
	return a.s.DelAttr(ctx, a.id, key)
}
