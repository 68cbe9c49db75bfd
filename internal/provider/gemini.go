package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "text-embedding-004"
	}

	return &GeminiEmbedder{
		client: client,
		model:  model,
	}, nil
}

func (p *GeminiEmbedder) Name() string {
	return "gemini"
}

func (p *GeminiEmbedder) Dimensions() int {
	if p.model == "text-embedding-004" {
		return 768
	}
	return 0
}

func (p *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	em := p.client.EmbeddingModel(p.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return res.Embedding.Values, nil
}

// Close releases the underlying client.
func (p *GeminiEmbedder) Close() error {
	return p.client.Close()
}
