package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder talks to baseURL, falling back to OLLAMA_HOST and then the
// local default.
func NewOllamaEmbedder(baseURL, model string) (*OllamaEmbedder, error) {
	if model == "" {
		model = "nomic-embed-text"
	}

	if baseURL == "" {
		baseURL = "http://localhost:11434"
		if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
			baseURL = envURL
		}
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	client := api.NewClient(uri, http.DefaultClient)

	return &OllamaEmbedder{
		client: client,
		model:  model,
	}, nil
}

func (p *OllamaEmbedder) Name() string {
	return "ollama"
}

func (p *OllamaEmbedder) Dimensions() int {
	return 0
}

func (p *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  p.model,
		Prompt: text,
	}
	resp, err := p.client.Embeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
