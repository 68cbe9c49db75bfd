// Package bank is the memory bank: it writes blocks to the versioned SQL store
// and the semantic index together, rolls the SQL side back when the index
// step fails, and appends a proof row for every mutation.
//
// Rollback is a best-effort discard of the working set, not a two-phase
// commit. When the discard itself fails the bank records the reason and
// reports itself inconsistent until Reset is called.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/index"
	"github.com/felixgeelhaar/memoria/internal/links"
	"github.com/felixgeelhaar/memoria/internal/observe"
	"github.com/felixgeelhaar/memoria/internal/registry"
)

// Store is the subset of the connection manager the bank needs. Both
// *dolt.Manager and *dolttest.Store satisfy it.
type Store interface {
	Query(ctx context.Context, query string, args ...any) ([]dolt.Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Commit(ctx context.Context, message string) (string, error)
	Discard(ctx context.Context) error
	ActiveBranch(ctx context.Context) (string, error)
	CheckWrite(ctx context.Context, operation string) error
}

// ErrBlockNotFound is returned in a Result when Update or Delete targets an
// unknown id.
var ErrBlockNotFound = errors.New("block not found")

// Result is the outcome of a mutation.
type Result struct {
	OK         bool
	Err        error
	CommitHash string
}

// Error returns the human-readable failure, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func fail(err error) Result {
	return Result{Err: err}
}

// InconsistentError reports that a rollback failed and the SQL store and the
// semantic index may disagree.
type InconsistentError struct {
	BlockID string
	Reason  string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("memory bank inconsistent (block %s): %s", e.BlockID, e.Reason)
}

// ScoredBlock is a semantic query hit re-read from SQL.
type ScoredBlock struct {
	Block *block.Block
	Score float32
}

var bankMetrics struct {
	operations      metric.Int64Counter
	rollbacks       metric.Int64Counter
	inconsistencies metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/felixgeelhaar/memoria/internal/bank")
	bankMetrics.operations, _ = m.Int64Counter("memoria.bank.operations",
		metric.WithDescription("Block mutations by operation and outcome"),
		metric.WithUnit("{operation}"),
	)
	bankMetrics.rollbacks, _ = m.Int64Counter("memoria.bank.rollbacks",
		metric.WithDescription("Working-set discards after a failed mutation"),
		metric.WithUnit("{rollback}"),
	)
	bankMetrics.inconsistencies, _ = m.Int64Counter("memoria.bank.inconsistencies",
		metric.WithDescription("Rollbacks that failed and left the stores out of step"),
		metric.WithUnit("{failure}"),
	)
}

// Option configures a Bank.
type Option func(*Bank)

// WithAutoCommit controls whether each mutation is committed immediately
// (default) or left staged for CommitStaged.
func WithAutoCommit(on bool) Option {
	return func(b *Bank) { b.autoCommit = on }
}

// WithRegistry supplies the namespace and schema registry.
func WithRegistry(r *registry.Registry) Option {
	return func(b *Bank) { b.registry = r }
}

// WithLinks supplies the link manager.
func WithLinks(l *links.Manager) Option {
	return func(b *Bank) { b.links = l }
}

func WithObserver(o *observe.Observer) Option {
	return func(b *Bank) { b.obs = o }
}

func WithEvents(eb *EventBus) Option {
	return func(b *Bank) { b.events = eb }
}

// WithEmbeddingDim requires block embeddings to have exactly dim entries.
func WithEmbeddingDim(dim int) Option {
	return func(b *Bank) { b.embeddingDim = dim }
}

// Bank orchestrates block mutations across the SQL store and the index. It
// holds no lock around mutations; callers serialize use of a persistent
// connection themselves.
type Bank struct {
	store        Store
	idx          index.Index
	registry     *registry.Registry
	links        *links.Manager
	obs          *observe.Observer
	events       *EventBus
	autoCommit   bool
	embeddingDim int
	ownRegistry  bool

	mu           sync.Mutex
	inconsistent *InconsistentError
	pending      []block.Proof
}

// New creates a Bank over store and idx.
func New(store Store, idx index.Index, opts ...Option) (*Bank, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if idx == nil {
		return nil, fmt.Errorf("semantic index is required")
	}
	b := &Bank{
		store:      store,
		idx:        idx,
		autoCommit: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.obs = observe.OrDiscard(b.obs)
	if b.registry == nil {
		r, err := registry.New(store)
		if err != nil {
			return nil, err
		}
		b.registry = r
		b.ownRegistry = true
	}
	if b.links == nil {
		b.links = links.New(store, links.WithObserver(b.obs))
	}
	return b, nil
}

// Close releases the registry cache if the bank created it.
func (bk *Bank) Close() {
	if bk.ownRegistry {
		bk.registry.Close()
	}
}

// AutoCommit reports whether mutations are committed immediately.
func (bk *Bank) AutoCommit() bool {
	return bk.autoCommit
}

// Links exposes the link manager for link mutations.
func (bk *Bank) Links() *links.Manager {
	return bk.links
}

// IsConsistent reports whether every rollback so far succeeded.
func (bk *Bank) IsConsistent() bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return bk.inconsistent == nil
}

// InconsistencyReason returns why the bank is inconsistent, or "".
func (bk *Bank) InconsistencyReason() string {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if bk.inconsistent == nil {
		return ""
	}
	return bk.inconsistent.Reason
}

// RaiseIfInconsistent returns an *InconsistentError when a rollback has
// failed, so a supervisor can stop trusting further writes.
func (bk *Bank) RaiseIfInconsistent() error {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if bk.inconsistent == nil {
		return nil
	}
	e := *bk.inconsistent
	return &e
}

// Reset clears the inconsistency flag after an operator has repaired the
// stores.
func (bk *Bank) Reset() {
	bk.mu.Lock()
	bk.inconsistent = nil
	bk.mu.Unlock()
}

func (bk *Bank) markInconsistent(blockID, reason string) {
	bk.mu.Lock()
	if bk.inconsistent == nil {
		bk.inconsistent = &InconsistentError{BlockID: blockID, Reason: reason}
	}
	bk.mu.Unlock()
	bankMetrics.inconsistencies.Add(context.Background(), 1)
	bk.obs.Log().Error().Str("block_id", blockID).Str("reason", reason).Msg("memory bank marked inconsistent")
	bk.events.Publish(Event{Type: EventInconsistent, BlockID: blockID, Data: map[string]interface{}{"reason": reason}})
}
