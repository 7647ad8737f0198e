// Package mock provides a deterministic embedder for tests and local
// development without model files. Embeddings are hash-derived unit
// vectors: identical texts embed identically, different texts are close to
// orthogonal. There is no real semantic similarity.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	casebank "github.com/becomeliminal/casebank-go"
)

// Embedder generates deterministic embeddings from a text hash.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder. dimensions <= 0 defaults to 384
// (all-MiniLM-L6-v2 size).
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Embedder{dimensions: dimensions}
}

// Embed derives a unit vector from the text via an fnv-seeded LCG.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return casebank.Normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}
