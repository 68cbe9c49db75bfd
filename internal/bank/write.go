package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/guard"
	"github.com/felixgeelhaar/memoria/internal/index"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

// DefaultCommitSummary is used when a mutation has nothing to summarize.
const DefaultCommitSummary = "No significant changes"

const summaryLength = 60

// CommitMessage formats "{OPERATION}: {id} - {summary}[ {extra}]".
func CommitMessage(op block.Operation, id, summary, extra string) string {
	if strings.TrimSpace(summary) == "" {
		summary = DefaultCommitSummary
	}
	msg := fmt.Sprintf("%s: %s - %s", strings.ToUpper(string(op)), id, summary)
	if extra != "" {
		msg += " " + extra
	}
	return msg
}

// Create stages the block row and its properties, adds the block to the
// index, then commits (or leaves the change staged) and appends a proof.
func (bk *Bank) Create(ctx context.Context, b *block.Block) Result {
	ctx, span := bk.obs.StartSpan(ctx, "bank.create", attribute.String("block.id", blockID(b)))
	res := bk.create(ctx, b)
	observe.EndSpan(span, res.Err)
	bk.count(ctx, block.OpCreate, res)
	return res
}

func (bk *Bank) create(ctx context.Context, b *block.Block) Result {
	if b == nil {
		return fail(block.Validate(nil, bk.embeddingDim))
	}
	b.ApplyDefaults()
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if b.SchemaVersion == nil {
		v, ok, err := bk.registry.LatestSchemaVersion(ctx, b.Type)
		switch {
		case err != nil:
			bk.obs.Log().Warn().Str("block_id", b.ID).Str("type", string(b.Type)).Err(err).Msg("schema version lookup failed")
		case ok:
			b.SchemaVersion = &v
		}
	}

	if err := bk.validate(ctx, b); err != nil {
		return fail(err)
	}
	if _, found, err := bk.Get(ctx, b.ID); err != nil {
		return fail(err)
	} else if found {
		return fail(fmt.Errorf("block %s already exists", b.ID))
	}

	// STAGE_PRIMARY_STORE
	if err := bk.insertBlock(ctx, b); err != nil {
		return bk.abort(ctx, b.ID, block.OpCreate, err)
	}
	n, err := bk.replaceProperties(ctx, b, false)
	if err != nil {
		return bk.abort(ctx, b.ID, block.OpCreate, err)
	}
	bk.obs.Log().Debug().Str("block_id", b.ID).Int("properties", n).Msg("block staged")

	// STAGE_INDEX
	if err := bk.idx.AddBlock(ctx, b); err != nil {
		return bk.abort(ctx, b.ID, block.OpCreate, fmt.Errorf("semantic index add failed: %w", err))
	}

	undo := func(ctx context.Context) error { return bk.idx.DeleteBlock(ctx, b.ID) }
	return bk.finish(ctx, block.OpCreate, b.ID, CommitMessage(block.OpCreate, b.ID, b.Summary(summaryLength), ""), undo)
}

// Update rewrites an existing block. Explicit nil metadata values are stored
// so they overwrite the previous value. The schema version recorded at
// creation is kept.
func (bk *Bank) Update(ctx context.Context, b *block.Block) Result {
	ctx, span := bk.obs.StartSpan(ctx, "bank.update", attribute.String("block.id", blockID(b)))
	res := bk.update(ctx, b)
	observe.EndSpan(span, res.Err)
	bk.count(ctx, block.OpUpdate, res)
	return res
}

func (bk *Bank) update(ctx context.Context, b *block.Block) Result {
	if b == nil {
		return fail(block.Validate(nil, bk.embeddingDim))
	}
	prev, found, err := bk.Get(ctx, b.ID)
	if err != nil {
		return fail(err)
	}
	if !found {
		return fail(fmt.Errorf("update %s: %w", b.ID, ErrBlockNotFound))
	}

	b.ApplyDefaults()
	b.SchemaVersion = prev.SchemaVersion
	b.CreatedAt = prev.CreatedAt
	b.CreatedBy = prev.CreatedBy
	b.ParentID = prev.ParentID
	b.HasChildren = prev.HasChildren
	b.UpdatedAt = time.Now().UTC()

	if err := bk.validate(ctx, b); err != nil {
		return fail(err)
	}

	if err := bk.updateBlockRow(ctx, b); err != nil {
		return bk.abort(ctx, b.ID, block.OpUpdate, err)
	}
	if _, err := bk.replaceProperties(ctx, b, true); err != nil {
		return bk.abort(ctx, b.ID, block.OpUpdate, err)
	}

	err = bk.idx.UpdateBlock(ctx, b)
	if errors.Is(err, index.ErrNotFound) {
		bk.obs.Log().Warn().Str("block_id", b.ID).Msg("block missing from semantic index, re-adding")
		err = bk.idx.AddBlock(ctx, b)
	}
	if err != nil {
		return bk.abort(ctx, b.ID, block.OpUpdate, fmt.Errorf("semantic index update failed: %w", err))
	}

	undo := func(ctx context.Context) error { return bk.idx.UpdateBlock(ctx, prev) }
	extra := fmt.Sprintf("(v%d)", b.BlockVersion)
	return bk.finish(ctx, block.OpUpdate, b.ID, CommitMessage(block.OpUpdate, b.ID, b.Summary(summaryLength), extra), undo)
}

// Delete removes the block, its properties and every link touching it, then
// removes it from the index. A block the index no longer knows is treated as
// already removed there.
func (bk *Bank) Delete(ctx context.Context, id string) Result {
	ctx, span := bk.obs.StartSpan(ctx, "bank.delete", attribute.String("block.id", id))
	res := bk.delete(ctx, id)
	observe.EndSpan(span, res.Err)
	bk.count(ctx, block.OpDelete, res)
	return res
}

func (bk *Bank) delete(ctx context.Context, id string) Result {
	prev, found, err := bk.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	if !found {
		return fail(fmt.Errorf("delete %s: %w", id, ErrBlockNotFound))
	}

	if _, err := bk.store.Exec(ctx, "DELETE FROM block_properties WHERE block_id = ?", id); err != nil {
		return bk.abort(ctx, id, block.OpDelete, fmt.Errorf("failed to delete properties of %s: %w", id, err))
	}
	if err := bk.links.RemoveAll(ctx, id); err != nil {
		return bk.abort(ctx, id, block.OpDelete, err)
	}
	if _, err := bk.store.Exec(ctx, "DELETE FROM memory_blocks WHERE id = ?", id); err != nil {
		return bk.abort(ctx, id, block.OpDelete, fmt.Errorf("failed to delete block %s: %w", id, err))
	}

	if err := bk.idx.DeleteBlock(ctx, id); err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			return bk.abort(ctx, id, block.OpDelete, fmt.Errorf("semantic index delete failed: %w", err))
		}
		bk.obs.Log().Debug().Str("block_id", id).Msg("block already absent from semantic index")
	}

	undo := func(ctx context.Context) error { return bk.idx.AddBlock(ctx, prev) }
	return bk.finish(ctx, block.OpDelete, id, CommitMessage(block.OpDelete, id, prev.Summary(summaryLength), ""), undo)
}

// CommitStaged commits work left staged while auto-commit is off. Proof rows
// written for that work keep the STAGED marker; the returned hash is where
// they became durable.
func (bk *Bank) CommitStaged(ctx context.Context, summary string) (string, error) {
	ctx, span := bk.obs.StartSpan(ctx, "bank.commit_staged")
	hash, err := bk.commitStaged(ctx, summary)
	observe.EndSpan(span, err)
	return hash, err
}

func (bk *Bank) commitStaged(ctx context.Context, summary string) (string, error) {
	if strings.TrimSpace(summary) == "" {
		summary = DefaultCommitSummary
	}
	hash, err := bk.store.Commit(ctx, "COMMIT: "+summary)
	if err != nil {
		return "", fmt.Errorf("failed to commit staged changes: %w", err)
	}
	bk.mu.Lock()
	staged := len(bk.pending)
	bk.pending = nil
	bk.mu.Unlock()
	bk.obs.Log().Info().Str("commit", hash).Int("proofs", staged).Msg("staged changes committed")
	return hash, nil
}

// finish runs the COMMIT and PROOF states. undo reverses the index step when
// the commit fails.
func (bk *Bank) finish(ctx context.Context, op block.Operation, id, message string, undo func(context.Context) error) Result {
	hash := block.StagedCommit
	if bk.autoCommit {
		h, err := bk.store.Commit(ctx, message)
		if err != nil {
			if uerr := undo(ctx); uerr != nil && !errors.Is(uerr, index.ErrNotFound) {
				bk.obs.Log().Warn().Str("block_id", id).Err(uerr).Msg("failed to revert semantic index after commit failure")
			}
			return bk.abort(ctx, id, op, fmt.Errorf("commit failed: %w", err))
		}
		hash = h
		bk.mu.Lock()
		bk.pending = nil
		bk.mu.Unlock()
	}

	if err := bk.appendProof(ctx, block.Proof{BlockID: id, Operation: op, CommitHash: hash, Timestamp: time.Now().UTC()}); err != nil {
		bk.obs.Log().Error().Str("block_id", id).Str("operation", string(op)).Err(err).Msg("failed to append proof")
	}

	evt := map[block.Operation]EventType{
		block.OpCreate: EventBlockCreated,
		block.OpUpdate: EventBlockUpdated,
		block.OpDelete: EventBlockDeleted,
	}
	bk.events.Publish(Event{Type: evt[op], BlockID: id, CommitHash: hash})
	return Result{OK: true, CommitHash: hash}
}

// abort discards the working set and returns cause as the failed Result.
// A branch protection refusal happens before the first write, so there is
// nothing to discard.
func (bk *Bank) abort(ctx context.Context, id string, op block.Operation, cause error) Result {
	var protected *guard.BranchProtectionError
	if errors.As(cause, &protected) {
		bk.obs.Log().Warn().Str("block_id", id).Str("branch", protected.Branch).Msg("write refused on protected branch")
		return fail(cause)
	}
	bk.rollback(ctx, id, op, cause)
	return fail(cause)
}

// rollback discards uncommitted writes. A failed discard marks the bank
// inconsistent instead of returning an error. Proofs of already committed
// mutations that were still in the working set are written again.
func (bk *Bank) rollback(ctx context.Context, id string, op block.Operation, cause error) {
	bankMetrics.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op))))
	bk.obs.Log().Warn().Str("block_id", id).Str("operation", string(op)).Err(cause).Msg("rolling back working set")

	err := bk.store.Discard(ctx)
	// Namespaces and schemas created in the discarded working set are gone.
	bk.registry.Invalidate()
	if err != nil {
		bk.markInconsistent(id, fmt.Sprintf("rollback of %s after %q failed: %v", op, cause.Error(), err))
		return
	}

	bk.mu.Lock()
	pending := bk.pending
	bk.pending = nil
	bk.mu.Unlock()

	var restore []block.Proof
	staged := 0
	for _, p := range pending {
		if p.CommitHash == block.StagedCommit {
			staged++
			continue
		}
		restore = append(restore, p)
	}
	for _, p := range restore {
		if err := bk.appendProof(ctx, p); err != nil {
			bk.obs.Log().Error().Str("block_id", p.BlockID).Err(err).Msg("failed to restore proof after rollback")
		}
	}
	if staged > 0 {
		bk.markInconsistent(id, fmt.Sprintf("rollback discarded %d staged mutation(s) that remain in the semantic index", staged))
	}

	bk.events.Publish(Event{Type: EventRollback, BlockID: id, Data: map[string]interface{}{
		"operation": string(op),
		"cause":     cause.Error(),
	}})
}

func (bk *Bank) appendProof(ctx context.Context, p block.Proof) error {
	if err := bk.store.CheckWrite(ctx, "proof_write"); err != nil {
		return err
	}
	if _, err := bk.store.Exec(ctx,
		"INSERT INTO block_proofs (block_id, operation, commit_hash, created_at) VALUES (?, ?, ?, ?)",
		p.BlockID, string(p.Operation), p.CommitHash, formatTime(p.Timestamp)); err != nil {
		return err
	}
	bk.mu.Lock()
	bk.pending = append(bk.pending, p)
	bk.mu.Unlock()
	return nil
}

// validate runs the local checks and the namespace lookup.
func (bk *Bank) validate(ctx context.Context, b *block.Block) error {
	if err := block.Validate(b, bk.embeddingDim); err != nil {
		return err
	}
	ok, err := bk.registry.NamespaceExists(ctx, b.NamespaceID)
	if err != nil {
		return fmt.Errorf("namespace lookup failed: %w", err)
	}
	if !ok {
		return &block.ValidationError{BlockID: b.ID, Fields: []block.FieldError{{
			Field:   "namespace_id",
			Message: fmt.Sprintf("namespace %q does not exist", b.NamespaceID),
		}}}
	}
	return nil
}

func (bk *Bank) count(ctx context.Context, op block.Operation, res Result) {
	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	bankMetrics.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("outcome", outcome),
	))
}

func blockID(b *block.Block) string {
	if b == nil {
		return ""
	}
	return b.ID
}
