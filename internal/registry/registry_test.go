package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt/dolttest"
)

func newRegistry(t *testing.T) (*Registry, *dolttest.Store) {
	t.Helper()
	store := dolttest.MustNew(t)
	r, err := New(store)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, store
}

func TestRegistry_NamespaceExists(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	ok, err := r.NamespaceExists(ctx, block.DefaultNamespace)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.NamespaceExists(ctx, "agents")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.CreateNamespace(ctx, Namespace{ID: "agents"}))
	ok, err = r.NamespaceExists(ctx, "agents")
	require.NoError(t, err)
	assert.True(t, ok, "negative answers are not cached")
}

func TestRegistry_LatestSchemaVersion(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, ok, err := r.LatestSchemaVersion(ctx, block.TypeKnowledge)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.RegisterSchema(ctx, block.TypeKnowledge, 1, `{}`))
	require.NoError(t, r.RegisterSchema(ctx, block.TypeKnowledge, 3, `{}`))
	require.NoError(t, r.RegisterSchema(ctx, block.TypeTask, 7, `{}`))

	v, ok, err := r.LatestSchemaVersion(ctx, block.TypeKnowledge)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	require.NoError(t, r.RegisterSchema(ctx, block.TypeKnowledge, 4, `{}`))
	v, _, err = r.LatestSchemaVersion(ctx, block.TypeKnowledge)
	require.NoError(t, err)
	assert.Equal(t, 4, v, "registering a schema invalidates the cached version")
}

func TestRegistry_CacheIsScopedToBranch(t *testing.T) {
	ctx := context.Background()
	r, store := newRegistry(t)
	store.SetBranch("feature/a")

	require.NoError(t, r.CreateNamespace(ctx, Namespace{ID: "agents"}))
	require.NoError(t, r.RegisterSchema(ctx, block.TypeTask, 2, `{}`))
	ok, err := r.NamespaceExists(ctx, "agents")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = r.LatestSchemaVersion(ctx, block.TypeTask)
	require.NoError(t, err)
	require.True(t, ok)

	// Another branch without these rows.
	store.SetBranch("feature/b")
	_, err = store.Exec(ctx, "DELETE FROM namespaces WHERE id = ?", "agents")
	require.NoError(t, err)
	_, err = store.Exec(ctx, "DELETE FROM node_schemas WHERE node_type = ?", string(block.TypeTask))
	require.NoError(t, err)

	ok, err = r.NamespaceExists(ctx, "agents")
	require.NoError(t, err)
	assert.False(t, ok, "answer cached on feature/a must not leak to feature/b")
	_, ok, err = r.LatestSchemaVersion(ctx, block.TypeTask)
	require.NoError(t, err)
	assert.False(t, ok)

	store.SetBranch("feature/a")
	ok, err = r.NamespaceExists(ctx, "agents")
	require.NoError(t, err)
	assert.True(t, ok, "feature/a keeps its cached answer")
}

func TestRegistry_Invalidate(t *testing.T) {
	ctx := context.Background()
	r, store := newRegistry(t)

	require.NoError(t, r.CreateNamespace(ctx, Namespace{ID: "scratch"}))
	ok, err := r.NamespaceExists(ctx, "scratch")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Discard(ctx))
	ok, err = r.NamespaceExists(ctx, "scratch")
	require.NoError(t, err)
	assert.True(t, ok, "stale until invalidated")

	r.Invalidate()
	ok, err = r.NamespaceExists(ctx, "scratch")
	require.NoError(t, err)
	assert.False(t, ok)
}
