// Package index holds the semantic index the memory bank keeps in step with
// the SQL store. The index only ever stores text, vectors and a few filter
// fields; block content is always re-read from SQL.
package index

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/memoria/internal/block"
)

// ErrNotFound is returned by UpdateBlock and DeleteBlock for unknown ids.
var ErrNotFound = errors.New("index: block not found")

// Hit is one nearest-neighbour result.
type Hit struct {
	ID    string
	Score float32
}

// Index is the semantic index collaborator.
type Index interface {
	IsReady() bool
	AddBlock(ctx context.Context, b *block.Block) error
	UpdateBlock(ctx context.Context, b *block.Block) error
	DeleteBlock(ctx context.Context, id string) error
	Query(ctx context.Context, text string, topK int) ([]Hit, error)
}
