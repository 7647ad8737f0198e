// Package cached wraps any Embedder with a ristretto read-through cache.
// Embedding calls may be remote and slow; agent loops tend to re-embed the
// same contexts (retries, retrieve-then-store of the same text), so a small
// cache removes most round trips.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	casebank "github.com/becomeliminal/casebank-go"
)

// Embedder is a caching wrapper around an inner Embedder.
type Embedder struct {
	inner casebank.Embedder
	cache *ristretto.Cache
}

// New wraps inner with a cache holding up to maxBytes of vectors
// (0 defaults to 64 MiB).
func New(inner casebank.Embedder, maxBytes int64) (*Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns a cached vector when available, otherwise embeds through
// the inner embedder and caches the result. Callers get a private copy
// either way.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			cp := make([]float32, len(vec))
			copy(cp, vec)
			return cp, nil
		}
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	e.cache.Set(text, stored, int64(4*len(stored)))
	return vec, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until pending cache writes are visible. Tests use it to make
// Set effects deterministic.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
