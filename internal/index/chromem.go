package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/observe"
	"github.com/felixgeelhaar/memoria/internal/provider"
)

// DefaultCollection is used when no collection name is configured.
const DefaultCollection = "memory_blocks"

// Chromem is an in-process Index backed by chromem-go.
type Chromem struct {
	col   *chromem.Collection
	embed provider.Embedder
	obs   *observe.Observer

	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewChromem creates a collection that embeds text with e.
func NewChromem(collection string, e provider.Embedder, obs *observe.Observer) (*Chromem, error) {
	if e == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if collection == "" {
		collection = DefaultCollection
	}

	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collection, map[string]string{"embedder": e.Name()}, e.Embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Chromem{
		col:   col,
		embed: e,
		obs:   observe.OrDiscard(obs),
		ids:   make(map[string]struct{}),
	}, nil
}

// IsReady reports whether the collection can serve requests.
func (c *Chromem) IsReady() bool {
	return c != nil && c.col != nil
}

// Len returns the number of indexed blocks.
func (c *Chromem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Has reports whether id is indexed.
func (c *Chromem) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok
}

func (c *Chromem) AddBlock(ctx context.Context, b *block.Block) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("block id is required")
	}
	return c.put(ctx, b)
}

func (c *Chromem) UpdateBlock(ctx context.Context, b *block.Block) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("block id is required")
	}
	if !c.Has(b.ID) {
		return fmt.Errorf("update %s: %w", b.ID, ErrNotFound)
	}
	return c.put(ctx, b)
}

func (c *Chromem) DeleteBlock(ctx context.Context, id string) error {
	if !c.Has(id) {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
	return nil
}

// Query returns up to topK blocks most similar to text.
func (c *Chromem) Query(ctx context.Context, text string, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	// chromem-go requires nResults <= collection size
	n := c.col.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	vec, err := c.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := c.col.QueryEmbedding(ctx, vec, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Score: r.Similarity})
	}
	c.obs.Log().Debug().Int("hits", len(hits)).Int("top_k", topK).Msg("semantic query")
	return hits, nil
}

func (c *Chromem) put(ctx context.Context, b *block.Block) error {
	doc := chromem.Document{
		ID:       b.ID,
		Content:  b.Text,
		Metadata: documentMetadata(b),
	}
	if len(b.Embedding) > 0 && (c.embed.Dimensions() == 0 || len(b.Embedding) == c.embed.Dimensions()) {
		doc.Embedding = append([]float32(nil), b.Embedding...)
	} else {
		vec, err := c.embed.Embed(ctx, b.Text)
		if err != nil {
			return fmt.Errorf("embed block %s: %w", b.ID, err)
		}
		doc.Embedding = vec
	}

	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	c.mu.Lock()
	c.ids[b.ID] = struct{}{}
	c.mu.Unlock()
	return nil
}

func documentMetadata(b *block.Block) map[string]string {
	return map[string]string{
		"namespace_id":  b.NamespaceID,
		"type":          string(b.Type),
		"state":         string(b.State),
		"tags":          strings.Join(b.Tags, ","),
		"block_version": strconv.Itoa(b.BlockVersion),
	}
}
