package links

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt/dolttest"
	"github.com/felixgeelhaar/memoria/internal/guard"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

func insertBlock(t *testing.T, s *dolttest.Store, id string) {
	t.Helper()
	_, err := s.Exec(context.Background(), `INSERT INTO memory_blocks
		(id, namespace_id, type, text, state, visibility, block_version, tags, created_at, updated_at)
		VALUES (?, 'default', 'knowledge', 'x', 'draft', 'internal', 1, '[]', '2026-01-01', '2026-01-01')`, id)
	require.NoError(t, err)
}

func blockRow(t *testing.T, s *dolttest.Store, id string) (parent *string, hasChildren bool) {
	t.Helper()
	rows, err := s.Query(context.Background(), "SELECT parent_id, has_children FROM memory_blocks WHERE id = ?", id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0].NullString("parent_id"), rows[0].Bool("has_children")
}

func TestManager_Ordering(t *testing.T) {
	ctx := context.Background()
	s := dolttest.MustNew(t)
	m := New(s)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "b", Relation: "related", Priority: 1, CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "c", Relation: "related", Priority: 5, CreatedAt: base.Add(3 * time.Second)}))
	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "d", Relation: "related", Priority: 1, CreatedAt: base.Add(1 * time.Second)}))
	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "e", Relation: "cites", Priority: 9, Metadata: map[string]any{"why": "source"}}))

	all, err := m.Forward(ctx, "a", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "e", all[0].ToID)
	assert.Equal(t, "source", all[0].Metadata["why"])

	related, err := m.Forward(ctx, "a", "related")
	require.NoError(t, err)
	var order []string
	for _, l := range related {
		order = append(order, l.ToID)
	}
	assert.Equal(t, []string{"c", "d", "b"}, order, "priority desc, then created asc")

	back, err := m.Backward(ctx, "c", "")
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "a", back[0].FromID)
}

func TestManager_AddReplaces(t *testing.T) {
	ctx := context.Background()
	s := dolttest.MustNew(t)
	m := New(s)

	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "b", Relation: "related", Priority: 1}))
	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "b", Relation: "related", Priority: 7}))

	out, err := m.Forward(ctx, "a", "related")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 7, out[0].Priority)
}

func TestManager_UnreadableMetadata(t *testing.T) {
	ctx := context.Background()
	s := dolttest.MustNew(t)
	buf := &bytes.Buffer{}
	m := New(s, WithObserver(observe.New(buf, false)))

	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "b", Relation: "related", Metadata: map[string]any{"w": 1.0}}))
	require.NoError(t, m.Add(ctx, block.Link{FromID: "a", ToID: "c", Relation: "related"}))
	_, err := s.Exec(ctx, "UPDATE block_links SET metadata = ? WHERE to_id = ?", "{not json", "c")
	require.NoError(t, err)

	out, err := m.Forward(ctx, "a", "related")
	require.NoError(t, err)
	require.Len(t, out, 2, "the link itself is still returned")
	byTo := map[string]block.Link{}
	for _, l := range out {
		byTo[l.ToID] = l
	}
	assert.Equal(t, map[string]any{"w": 1.0}, byTo["b"].Metadata)
	assert.Nil(t, byTo["c"].Metadata)
	assert.Contains(t, buf.String(), "ignoring unreadable link metadata")
}

func TestManager_ContainsUpkeep(t *testing.T) {
	ctx := context.Background()
	s := dolttest.MustNew(t)
	m := New(s)
	insertBlock(t, s, "parent")
	insertBlock(t, s, "child1")
	insertBlock(t, s, "child2")

	require.NoError(t, m.Add(ctx, block.Link{FromID: "parent", ToID: "child1", Relation: block.RelationContains}))
	require.NoError(t, m.Add(ctx, block.Link{FromID: "parent", ToID: "child2", Relation: block.RelationContains}))

	p, _ := blockRow(t, s, "child1")
	require.NotNil(t, p)
	assert.Equal(t, "parent", *p)
	_, has := blockRow(t, s, "parent")
	assert.True(t, has)

	removed, err := m.Remove(ctx, "parent", "child1", block.RelationContains)
	require.NoError(t, err)
	assert.True(t, removed)
	p, _ = blockRow(t, s, "child1")
	assert.Nil(t, p)
	_, has = blockRow(t, s, "parent")
	assert.True(t, has, "child2 is still contained")

	require.NoError(t, m.RemoveAll(ctx, "child2"))
	_, has = blockRow(t, s, "parent")
	assert.False(t, has)

	removed, err = m.Remove(ctx, "parent", "child2", block.RelationContains)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestManager_Protection(t *testing.T) {
	ctx := context.Background()
	s := dolttest.MustNew(t, dolttest.WithBranch("main"), dolttest.WithGuard(guard.New(guard.DefaultPolicy)))
	m := New(s)

	err := m.Add(ctx, block.Link{FromID: "a", ToID: "b", Relation: "related"})
	var pe *guard.BranchProtectionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "link_add", pe.Operation)

	_, err = m.Remove(ctx, "a", "b", "related")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, s.Writes())
}
