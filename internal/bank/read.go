package bank

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/observe"
	"github.com/felixgeelhaar/memoria/internal/property"
)

// readErr keeps reads quiet: only connectivity failures are returned, any
// other error is logged and the read reports nothing found.
func (bk *Bank) readErr(what string, err error) error {
	if dolt.IsConnectionError(err) {
		return err
	}
	bk.obs.Log().Warn().Str("read", what).Err(err).Msg("read failed")
	return nil
}

// Get returns the block with id. found is false when it does not exist.
func (bk *Bank) Get(ctx context.Context, id string) (*block.Block, bool, error) {
	rows, err := bk.store.Query(ctx, "SELECT "+blockColumns+" FROM memory_blocks WHERE id = ?", id)
	if err != nil {
		return nil, false, bk.readErr("get", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	b, err := scanBlock(rows[0])
	if err != nil {
		return nil, false, bk.readErr("get", err)
	}

	props, err := bk.store.Query(ctx, "SELECT "+propertyColumns+" FROM block_properties WHERE block_id = ?", id)
	if err != nil {
		return nil, false, bk.readErr("get", err)
	}
	bk.attachMetadata([]*block.Block{b}, props)
	return b, true, nil
}

// GetAll returns every block on branch, or on the active branch when branch
// is empty. Other branches are read with Dolt's AS OF syntax.
func (bk *Bank) GetAll(ctx context.Context, branch string) ([]*block.Block, error) {
	rev := ""
	if branch != "" {
		active, err := bk.store.ActiveBranch(ctx)
		if err != nil {
			return nil, bk.readErr("get_all", err)
		}
		if !strings.EqualFold(strings.TrimSpace(active), strings.TrimSpace(branch)) {
			rev = branch
		}
	}
	clause, err := asOf(rev)
	if err != nil {
		return nil, err
	}

	rows, err := bk.store.Query(ctx, "SELECT "+blockColumns+" FROM memory_blocks"+clause+" ORDER BY created_at, id")
	if err != nil {
		return nil, bk.readErr("get_all", err)
	}
	props, err := bk.store.Query(ctx, "SELECT "+propertyColumns+" FROM block_properties"+clause)
	if err != nil {
		return nil, bk.readErr("get_all", err)
	}
	return bk.hydrate(rows, props), nil
}

// GetByTags returns blocks carrying every tag (matchAll) or any tag.
func (bk *Bank) GetByTags(ctx context.Context, tags []string, matchAll bool) ([]*block.Block, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	conds := make([]string, len(tags))
	args := make([]any, len(tags))
	for i, t := range tags {
		conds[i] = "tags LIKE ? ESCAPE '!'"
		args[i] = tagPattern(t)
	}
	join := " OR "
	if matchAll {
		join = " AND "
	}

	rows, err := bk.store.Query(ctx,
		"SELECT "+blockColumns+" FROM memory_blocks WHERE "+strings.Join(conds, join)+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, bk.readErr("get_by_tags", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]any, len(rows))
	for i, r := range rows {
		ids[i] = r.String("id")
	}
	props, err := bk.store.Query(ctx,
		"SELECT "+propertyColumns+" FROM block_properties WHERE block_id IN ("+placeholders(len(ids))+")", ids...)
	if err != nil {
		return nil, bk.readErr("get_by_tags", err)
	}

	var out []*block.Block
	for _, b := range bk.hydrate(rows, props) {
		if matchesTags(b, tags, matchAll) {
			out = append(out, b)
		}
	}
	return out, nil
}

func matchesTags(b *block.Block, tags []string, matchAll bool) bool {
	for _, t := range tags {
		has := b.HasTag(t)
		if matchAll && !has {
			return false
		}
		if !matchAll && has {
			return true
		}
	}
	return matchAll
}

// QuerySemantic asks the index for the topK nearest blocks and re-reads each
// hit from SQL. Hits that no longer exist are skipped. An index that is not
// ready yields no hits and no error.
func (bk *Bank) QuerySemantic(ctx context.Context, text string, topK int) (out []ScoredBlock, err error) {
	ctx, span := bk.obs.StartSpan(ctx, "bank.query_semantic", attribute.Int("top_k", topK))
	defer func() { observe.EndSpan(span, err) }()

	if !bk.idx.IsReady() {
		bk.obs.Log().Warn().Str("query", text).Msg("semantic index is not ready, returning no hits")
		return nil, nil
	}
	hits, err := bk.idx.Query(ctx, text, topK)
	if err != nil {
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}

	for _, h := range hits {
		b, found, err := bk.Get(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			bk.obs.Log().Warn().Str("block_id", h.ID).Msg("semantic hit missing from store, skipping")
			continue
		}
		out = append(out, ScoredBlock{Block: b, Score: h.Score})
	}
	return out, nil
}

// GetForwardLinks lists links from id, optionally filtered by relation,
// highest priority first.
func (bk *Bank) GetForwardLinks(ctx context.Context, id, relation string) ([]block.Link, error) {
	ls, err := bk.links.Forward(ctx, id, relation)
	if err != nil {
		return nil, bk.readErr("forward_links", err)
	}
	return ls, nil
}

// GetBacklinks lists links into id, optionally filtered by relation.
func (bk *Bank) GetBacklinks(ctx context.Context, id, relation string) ([]block.Link, error) {
	ls, err := bk.links.Backward(ctx, id, relation)
	if err != nil {
		return nil, bk.readErr("backlinks", err)
	}
	return ls, nil
}

// GetBlockProofs returns the audit trail of id, newest first.
func (bk *Bank) GetBlockProofs(ctx context.Context, id string) ([]block.Proof, error) {
	rows, err := bk.store.Query(ctx,
		"SELECT block_id, operation, commit_hash, created_at FROM block_proofs WHERE block_id = ? ORDER BY id DESC", id)
	if err != nil {
		return nil, bk.readErr("proofs", err)
	}
	proofs := make([]block.Proof, 0, len(rows))
	for _, r := range rows {
		proofs = append(proofs, block.Proof{
			BlockID:    r.String("block_id"),
			Operation:  block.Operation(r.String("operation")),
			CommitHash: r.String("commit_hash"),
			Timestamp:  r.Time("created_at"),
		})
	}
	return proofs, nil
}

// hydrate scans block rows and attaches their properties. Rows that fail to
// scan are skipped with a warning.
func (bk *Bank) hydrate(rows, props []dolt.Row) []*block.Block {
	blocks := make([]*block.Block, 0, len(rows))
	for _, r := range rows {
		b, err := scanBlock(r)
		if err != nil {
			bk.obs.Log().Warn().Err(err).Msg("skipping unreadable block row")
			continue
		}
		blocks = append(blocks, b)
	}
	bk.attachMetadata(blocks, props)
	return blocks
}

func (bk *Bank) attachMetadata(blocks []*block.Block, rows []dolt.Row) {
	byBlock := make(map[string][]property.Property)
	for _, r := range rows {
		p := scanProperty(r)
		byBlock[p.BlockID] = append(byBlock[p.BlockID], p)
	}
	for _, b := range blocks {
		props := byBlock[b.ID]
		b.Metadata = property.Compose(props)
		for field, diag := range property.Errors(props) {
			bk.obs.Log().Debug().Str("block_id", b.ID).Str("property", field).Str("error", diag).Msg("property stored as diagnostic")
		}
	}
}
