package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultHashDimensions matches all-MiniLM-L6-v2.
const DefaultHashDimensions = 384

// HashEmbedder derives a unit vector from token hashes. Texts that share words
// land close together, which is enough for tests and offline use.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder with the given vector length.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Name() string {
	return "hash"
}

func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// Embed sums one pseudo-random vector per lower-cased token and normalizes
// the result.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimensions)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		seed := f.Sum64()
		for i := range vec {
			// LCG step
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
