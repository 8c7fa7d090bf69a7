package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/workd/internal/value"
)

const nodeColumns = `id, uuid, kind, process_type, label, description, content,
	content_hash, process_state, sealed, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n         Node
		kind      string
		content   sql.NullString
		sealed    int
		createdAt int64
	)
	if err := row.Scan(&n.ID, &n.UUID, &kind, &n.ProcessType, &n.Label, &n.Description,
		&content, &n.ContentHash, &n.ProcessState, &sealed, &createdAt); err != nil {
		return nil, err
	}
	n.Kind = NodeKind(kind)
	n.Sealed = sealed != 0
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	if content.Valid {
		v, err := value.Unmarshal([]byte(content.String))
		if err != nil {
			return nil, fmt.Errorf("node %d: decode content: %w", n.ID, err)
		}
		n.Content = v
	}
	return &n, nil
}

// LoadNode reads record id.
func (s *Store) LoadNode(ctx context.Context, id int64) (*Node, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load node %d: %w", id, err)
	}
	return n, nil
}

// GetAttr reads attribute key of record id.
func (s *Store) GetAttr(ctx context.Context, id int64, key string) (value.Value, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM node_attributes WHERE node_id = ? AND key = ?", id, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get attribute %q on %d: %w", key, id, ErrAttributeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get attribute %q on %d: %w", key, id, err)
	}
	v, err := value.Unmarshal([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("get attribute %q on %d: decode: %w", key, id, err)
	}
	return v, nil
}

// Attrs returns every attribute of record id.
func (s *Store) Attrs(ctx context.Context, id int64) (value.Map, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM node_attributes WHERE node_id = ? ORDER BY key", id)
	if err != nil {
		return nil, fmt.Errorf("attributes of %d: %w", id, err)
	}
	defer rows.Close()

	out := value.Map{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("attributes of %d: %w", id, err)
		}
		v, err := value.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("attributes of %d: decode %q: %w", id, key, err)
		}
		out[key] = v
	}
	return out, rows.Err()
}

// IncomingLinks returns links whose target is id, optionally filtered by
// type. Ordered by link id.
func (s *Store) IncomingLinks(ctx context.Context, id int64, types ...LinkType) ([]Link, error) {
	return s.links(ctx, "target_id", id, types)
}

// OutgoingLinks returns links whose source is id, optionally filtered by
// type. Ordered by link id.
func (s *Store) OutgoingLinks(ctx context.Context, id int64, types ...LinkType) ([]Link, error) {
	return s.links(ctx, "source_id", id, types)
}

func (s *Store) links(ctx context.Context, column string, id int64, types []LinkType) ([]Link, error) {
	query := "SELECT id, source_id, target_id, label, link_type FROM links WHERE " + column + " = ?"
	args := []any{id}
	if len(types) > 0 {
		query += " AND link_type IN (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("links of %d: %w", id, err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var (
			l  Link
			lt string
		)
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.Label, &lt); err != nil {
			return nil, fmt.Errorf("links of %d: %w", id, err)
		}
		l.Type = LinkType(lt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// QueryPending returns unsealed process records whose state is one of
// states and whose attrKey attribute is absent or holds a unix-millisecond
// time before now. Read-only and ordered by id.
func (s *Store) QueryPending(ctx context.Context, states []string, attrKey string, now time.Time) ([]*Node, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + prefixColumns("n") + `
		FROM nodes n
		LEFT JOIN node_attributes a ON a.node_id = n.id AND a.key = ?
		WHERE n.kind = 'process'
		  AND n.sealed = 0
		  AND n.process_state IN (` + placeholders(len(states)) + `)
		  AND (a.value IS NULL OR CAST(a.value AS INTEGER) < ?)
		ORDER BY n.id ASC`

	args := make([]any, 0, len(states)+2)
	args = append(args, attrKey)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, now.UnixMilli())

	return s.queryNodes(ctx, query, args...)
}

// ListProcesses returns the most recent process records, newest first.
// A non-positive limit returns all of them.
func (s *Store) ListProcesses(ctx context.Context, limit int) ([]*Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE kind = 'process' ORDER BY id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryNodes(ctx, query, args...)
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("query nodes: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixColumns(alias string) string {
	cols := strings.Split(nodeColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
