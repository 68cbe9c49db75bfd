package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  m,
	}, nil
}

func (p *OpenAIEmbedder) Name() string {
	return "openai"
}

func (p *OpenAIEmbedder) Dimensions() int {
	switch p.model {
	case openai.SmallEmbedding3, openai.AdaEmbeddingV2:
		return 1536
	case openai.LargeEmbedding3:
		return 3072
	}
	return 0
}

func (p *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(
		ctx,
		openai.EmbeddingRequest{
			Input: []string{text},
			Model: p.model,
		},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}
