// Package links manages directed edges between memory blocks. The
// "contains" relation also keeps memory_blocks.parent_id and has_children in
// step.
package links

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

// Store is the subset of the connection manager used for links.
type Store interface {
	Query(ctx context.Context, query string, args ...any) ([]dolt.Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	CheckWrite(ctx context.Context, operation string) error
}

// Manager reads and writes block_links.
type Manager struct {
	store Store
	obs   *observe.Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver sets the logger used for unreadable link rows.
func WithObserver(o *observe.Observer) Option {
	return func(m *Manager) { m.obs = o }
}

func New(store Store, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	m.obs = observe.OrDiscard(m.obs)
	return m
}

// Add inserts or replaces the link (from, to, relation).
func (m *Manager) Add(ctx context.Context, l block.Link) error {
	if err := m.store.CheckWrite(ctx, "link_add"); err != nil {
		return err
	}
	if l.FromID == "" || l.ToID == "" || l.Relation == "" {
		return fmt.Errorf("link requires from, to and relation")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	var meta any
	if len(l.Metadata) > 0 {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode link metadata: %w", err)
		}
		meta = string(b)
	}

	if _, err := m.store.Exec(ctx,
		"DELETE FROM block_links WHERE from_id = ? AND to_id = ? AND relation = ?",
		l.FromID, l.ToID, l.Relation); err != nil {
		return err
	}
	if _, err := m.store.Exec(ctx,
		"INSERT INTO block_links (from_id, to_id, relation, priority, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		l.FromID, l.ToID, l.Relation, l.Priority, meta, l.CreatedAt.UTC().Format(dolt.TimeLayout)); err != nil {
		return fmt.Errorf("failed to add link %s -%s-> %s: %w", l.FromID, l.Relation, l.ToID, err)
	}

	if l.Relation == block.RelationContains {
		if _, err := m.store.Exec(ctx, "UPDATE memory_blocks SET parent_id = ? WHERE id = ?", l.FromID, l.ToID); err != nil {
			return err
		}
		if _, err := m.store.Exec(ctx, "UPDATE memory_blocks SET has_children = ? WHERE id = ?", true, l.FromID); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the link (from, to, relation). It reports whether a row
// was removed.
func (m *Manager) Remove(ctx context.Context, from, to, relation string) (bool, error) {
	if err := m.store.CheckWrite(ctx, "link_remove"); err != nil {
		return false, err
	}
	n, err := m.store.Exec(ctx,
		"DELETE FROM block_links WHERE from_id = ? AND to_id = ? AND relation = ?", from, to, relation)
	if err != nil {
		return false, err
	}
	if relation == block.RelationContains && n > 0 {
		if _, err := m.store.Exec(ctx,
			"UPDATE memory_blocks SET parent_id = NULL WHERE id = ? AND parent_id = ?", to, from); err != nil {
			return true, err
		}
		if err := m.refreshHasChildren(ctx, from); err != nil {
			return true, err
		}
	}
	return n > 0, nil
}

// RemoveAll deletes every link touching id in either direction, fixing up
// the contains-derived columns of the blocks on the other end.
func (m *Manager) RemoveAll(ctx context.Context, id string) error {
	if err := m.store.CheckWrite(ctx, "link_remove"); err != nil {
		return err
	}

	parents, err := m.store.Query(ctx,
		"SELECT from_id FROM block_links WHERE to_id = ? AND relation = ?", id, block.RelationContains)
	if err != nil {
		return err
	}

	if _, err := m.store.Exec(ctx, "UPDATE memory_blocks SET parent_id = NULL WHERE parent_id = ?", id); err != nil {
		return err
	}
	if _, err := m.store.Exec(ctx, "DELETE FROM block_links WHERE from_id = ? OR to_id = ?", id, id); err != nil {
		return err
	}
	for _, p := range parents {
		if err := m.refreshHasChildren(ctx, p.String("from_id")); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) refreshHasChildren(ctx context.Context, id string) error {
	rows, err := m.store.Query(ctx,
		"SELECT COUNT(*) AS n FROM block_links WHERE from_id = ? AND relation = ?", id, block.RelationContains)
	if err != nil {
		return err
	}
	has := len(rows) > 0 && rows[0].Int64("n") > 0
	_, err = m.store.Exec(ctx, "UPDATE memory_blocks SET has_children = ? WHERE id = ?", has, id)
	return err
}

// Forward returns links leaving id, optionally filtered by relation, ordered
// by priority descending then creation time ascending.
func (m *Manager) Forward(ctx context.Context, id, relation string) ([]block.Link, error) {
	return m.list(ctx, "from_id", id, relation)
}

// Backward returns links arriving at id, in the same order as Forward.
func (m *Manager) Backward(ctx context.Context, id, relation string) ([]block.Link, error) {
	return m.list(ctx, "to_id", id, relation)
}

func (m *Manager) list(ctx context.Context, col, id, relation string) ([]block.Link, error) {
	q := "SELECT from_id, to_id, relation, priority, metadata, created_at FROM block_links WHERE " + col + " = ?"
	args := []any{id}
	if relation != "" {
		q += " AND relation = ?"
		args = append(args, relation)
	}
	q += " ORDER BY priority DESC, created_at ASC"

	rows, err := m.store.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]block.Link, 0, len(rows))
	for _, r := range rows {
		l := block.Link{
			FromID:    r.String("from_id"),
			ToID:      r.String("to_id"),
			Relation:  r.String("relation"),
			Priority:  int(r.Int64("priority")),
			CreatedAt: r.Time("created_at"),
		}
		if raw := r.String("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &l.Metadata); err != nil {
				l.Metadata = nil
				m.obs.Log().Warn().Str("from_id", l.FromID).Str("to_id", l.ToID).
					Str("relation", l.Relation).Err(err).Msg("ignoring unreadable link metadata")
			}
		}
		out = append(out, l)
	}
	return out, nil
}
