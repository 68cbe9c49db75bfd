package bank

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/memoria/internal/config"
	"github.com/felixgeelhaar/memoria/internal/index"
	"github.com/felixgeelhaar/memoria/internal/observe"
	"github.com/felixgeelhaar/memoria/internal/provider"
)

// Open builds a Bank from configuration: the embedder named by cfg.Index, a
// chromem index over it, and the bank settings. Extra options are applied
// last.
func Open(ctx context.Context, cfg config.Config, store Store, obs *observe.Observer, opts ...Option) (*Bank, error) {
	emb, err := provider.New(ctx, cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	idx, err := index.NewChromem(cfg.Index.Collection, emb, obs)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithAutoCommit(cfg.Bank.AutoCommitEnabled()),
		WithObserver(obs),
	}
	if cfg.Bank.EmbeddingDim > 0 {
		base = append(base, WithEmbeddingDim(cfg.Bank.EmbeddingDim))
	}
	return New(store, idx, append(base, opts...)...)
}
