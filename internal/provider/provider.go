// Package provider turns block text into embedding vectors for the semantic
// index. Remote providers wrap the Ollama, OpenAI and Gemini clients; the hash
// provider is deterministic and needs no network.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/memoria/internal/config"
)

// Embedder generates a vector embedding for text.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length, or 0 when the model decides.
	Dimensions() int

	// Name returns the provider identifier (e.g., "hash", "openai").
	Name() string
}

// New builds the embedder selected by cfg.Provider.
func New(ctx context.Context, cfg config.Index) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "mock", "hash":
		return NewHashEmbedder(DefaultHashDimensions), nil
	case "ollama":
		return NewOllamaEmbedder(cfg.BaseURL, cfg.Model)
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "gemini":
		return NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
