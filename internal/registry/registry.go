// Package registry answers the lookups the memory bank makes before a
// write: whether a namespace exists and which schema version is newest for a
// block type. Positive answers are cached per branch.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt"
)

// Store is the subset of the connection manager the registry needs.
type Store interface {
	Query(ctx context.Context, query string, args ...any) ([]dolt.Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// pinned is implemented by stores bound to one branch for a while, such as
// a manager in persistent mode. Cache keys carry that branch so an answer
// read on one branch is never served on another.
type pinned interface {
	PersistentBranch() (string, bool)
}

// Namespace is a row of the namespaces table.
type Namespace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Registry implements the namespace and node-schema collaborators.
type Registry struct {
	store Store
	cache *ristretto.Cache
}

// New creates a Registry with a small in-process cache.
func New(store Store) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     4096,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry cache: %w", err)
	}
	return &Registry{store: store, cache: cache}, nil
}

// Close releases the cache.
func (r *Registry) Close() {
	r.cache.Close()
}

func nsKey(id string) string       { return "ns:" + id }
func schemaKey(t block.Type) string { return "schema:" + string(t) }

// key scopes k to the store's pinned branch, if any.
func (r *Registry) key(k string) string {
	if p, ok := r.store.(pinned); ok {
		if b, ok := p.PersistentBranch(); ok {
			return b + "|" + k
		}
	}
	return k
}

// NamespaceExists reports whether id names a namespace. The default
// namespace always exists.
func (r *Registry) NamespaceExists(ctx context.Context, id string) (bool, error) {
	if id == block.DefaultNamespace {
		return true, nil
	}
	if _, ok := r.cache.Get(r.key(nsKey(id))); ok {
		return true, nil
	}

	rows, err := r.store.Query(ctx, "SELECT id FROM namespaces WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	r.remember(r.key(nsKey(id)), true)
	return true, nil
}

// LatestSchemaVersion returns the highest registered version for typ.
// ok is false when typ has no registered schema.
func (r *Registry) LatestSchemaVersion(ctx context.Context, typ block.Type) (version int, ok bool, err error) {
	if v, hit := r.cache.Get(r.key(schemaKey(typ))); hit {
		return v.(int), true, nil
	}

	rows, err := r.store.Query(ctx, "SELECT MAX(version) AS version FROM node_schemas WHERE node_type = ?", string(typ))
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 || rows[0]["version"] == nil {
		return 0, false, nil
	}
	version = int(rows[0].Int64("version"))
	r.remember(r.key(schemaKey(typ)), version)
	return version, true, nil
}

// CreateNamespace inserts a namespace row.
func (r *Registry) CreateNamespace(ctx context.Context, ns Namespace) error {
	if ns.Name == "" {
		ns.Name = ns.ID
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now().UTC()
	}
	_, err := r.store.Exec(ctx,
		"INSERT INTO namespaces (id, name, description, created_at) VALUES (?, ?, ?, ?)",
		ns.ID, ns.Name, ns.Description, ns.CreatedAt.UTC().Format(dolt.TimeLayout))
	if err != nil {
		return fmt.Errorf("failed to create namespace %s: %w", ns.ID, err)
	}
	return nil
}

// RegisterSchema records a schema version for typ.
func (r *Registry) RegisterSchema(ctx context.Context, typ block.Type, version int, schemaJSON string) error {
	_, err := r.store.Exec(ctx,
		"INSERT INTO node_schemas (id, node_type, version, schema_json, created_at) VALUES (?, ?, ?, ?, ?)",
		fmt.Sprintf("%s@%d", typ, version), string(typ), version, schemaJSON,
		time.Now().UTC().Format(dolt.TimeLayout))
	if err != nil {
		return fmt.Errorf("failed to register schema %s@%d: %w", typ, version, err)
	}
	r.cache.Del(r.key(schemaKey(typ)))
	return nil
}

// Invalidate drops every cached answer. Callers use it after the working
// set is discarded, since rows read before the reset may be gone.
func (r *Registry) Invalidate() {
	r.cache.Clear()
}

func (r *Registry) remember(key string, v any) {
	r.cache.Set(key, v, 1)
	r.cache.Wait()
}
