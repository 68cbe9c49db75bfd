package provider

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felixgeelhaar/memoria/internal/config"
)

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.1, 0.2, 0.3]}],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`))
	}))
	defer server.Close()

	p, err := NewOpenAIEmbedder("test-key", server.URL, "")
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder failed: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got '%s'", p.Name())
	}
	if p.Dimensions() != 1536 {
		t.Errorf("Expected 1536 dimensions, got %d", p.Dimensions())
	}

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[1] != float32(0.2) {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestOpenAIEmbedder_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder("", "", ""); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOllamaEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "nomic-embed-text" {
			t.Errorf("unexpected model %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding": [0.5, -0.5]}`))
	}))
	defer server.Close()

	p, err := NewOllamaEmbedder(server.URL, "")
	if err != nil {
		t.Fatalf("NewOllamaEmbedder failed: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Expected 'ollama', got '%s'", p.Name())
	}

	vec, err := p.Embed(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != -0.5 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestGeminiEmbedder_RequiresKey(t *testing.T) {
	if _, err := NewGeminiEmbedder(context.Background(), "", ""); err == nil {
		t.Error("expected error without API key")
	}
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a1, _ := h.Embed(ctx, "dolt branch merge")
	a2, _ := h.Embed(ctx, "dolt branch merge")
	b, _ := h.Embed(ctx, "banana bread recipe")

	if len(a1) != 64 {
		t.Fatalf("expected 64 dimensions, got %d", len(a1))
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("expected deterministic embedding")
		}
	}

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Errorf("expected unit vector, got norm %f", norm)
	}

	c, _ := h.Embed(ctx, "dolt branch")
	if dot(a1, c) <= dot(a1, b) {
		t.Errorf("expected shared words to score higher: %f <= %f", dot(a1, c), dot(a1, b))
	}
}

func TestHashEmbedder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHashEmbedder(8).Embed(ctx, "x"); err == nil {
		t.Error("expected context error")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Index
		wantName string
		wantErr  bool
	}{
		{"default", config.Index{}, "hash", false},
		{"mock", config.Index{Provider: "mock"}, "hash", false},
		{"ollama", config.Index{Provider: "ollama", BaseURL: "http://localhost:11434"}, "ollama", false},
		{"openai", config.Index{Provider: "OpenAI", APIKey: "k"}, "openai", false},
		{"openai without key", config.Index{Provider: "openai"}, "", true},
		{"unknown", config.Index{Provider: "cohere"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && e.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", e.Name(), tt.wantName)
			}
		})
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
