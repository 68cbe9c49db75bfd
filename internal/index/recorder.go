package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/memoria/internal/block"
)

// Recorder wraps an Index and injects failures. It backs bank tests that need
// the index step to fail after the SQL write has been staged.
type Recorder struct {
	Index

	mu       sync.Mutex
	failNext map[string]error
	calls    []string
	down     bool
}

// NewRecorder wraps idx.
func NewRecorder(idx Index) *Recorder {
	return &Recorder{Index: idx, failNext: make(map[string]error)}
}

// FailNext makes the next call of op ("add", "update", "delete", "query")
// return err.
func (r *Recorder) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[op] = err
}

// Calls returns the operations seen so far as "op:id".
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// SetReady overrides readiness. A Recorder set not ready reports false
// whatever the wrapped index says.
func (r *Recorder) SetReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = !ready
}

func (r *Recorder) IsReady() bool {
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	return !down && r.Index.IsReady()
}

func (r *Recorder) take(op, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%s", op, id))
	if err, ok := r.failNext[op]; ok {
		delete(r.failNext, op)
		return err
	}
	return nil
}

func (r *Recorder) AddBlock(ctx context.Context, b *block.Block) error {
	if err := r.take("add", b.ID); err != nil {
		return err
	}
	return r.Index.AddBlock(ctx, b)
}

func (r *Recorder) UpdateBlock(ctx context.Context, b *block.Block) error {
	if err := r.take("update", b.ID); err != nil {
		return err
	}
	return r.Index.UpdateBlock(ctx, b)
}

func (r *Recorder) DeleteBlock(ctx context.Context, id string) error {
	if err := r.take("delete", id); err != nil {
		return err
	}
	return r.Index.DeleteBlock(ctx, id)
}

func (r *Recorder) Query(ctx context.Context, text string, topK int) ([]Hit, error) {
	if err := r.take("query", text); err != nil {
		return nil, err
	}
	return r.Index.Query(ctx, text, topK)
}
