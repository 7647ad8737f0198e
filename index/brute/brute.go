// Package brute provides an exact, in-memory VectorIndex: cosine
// similarity against every stored vector. O(n) per query, deterministic,
// and exact — the right default below a few hundred thousand cases and for
// tests that assert on similarity values.
package brute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	casebank "github.com/becomeliminal/casebank-go"
)

// Index is an exact cosine-similarity index.
type Index struct {
	mu         sync.RWMutex
	vectors    map[string][]float32
	dimensions int
}

// New creates an index for vectors of the given dimensionality.
func New(dimensions int) (*Index, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return &Index{
		vectors:    make(map[string][]float32),
		dimensions: dimensions,
	}, nil
}

// Insert stores (or replaces) a vector for a case.
func (ix *Index) Insert(ctx context.Context, caseID string, vector []float32) error {
	if len(vector) != ix.dimensions {
		return fmt.Errorf("insert %s: vector has %d dimensions, index expects %d: %w",
			caseID, len(vector), ix.dimensions, casebank.ErrDimensionMismatch)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	ix.mu.Lock()
	ix.vectors[caseID] = cp
	ix.mu.Unlock()
	return nil
}

// Remove drops a case's vector, or returns casebank.ErrNotFound.
func (ix *Index) Remove(ctx context.Context, caseID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.vectors[caseID]; !ok {
		return fmt.Errorf("remove %s: %w", caseID, casebank.ErrNotFound)
	}
	delete(ix.vectors, caseID)
	return nil
}

// Query returns up to k neighbors by descending cosine similarity. An
// empty index yields an empty result.
func (ix *Index) Query(ctx context.Context, vector []float32, k int) ([]casebank.Neighbor, error) {
	if len(vector) != ix.dimensions {
		return nil, fmt.Errorf("query: vector has %d dimensions, index expects %d: %w",
			len(vector), ix.dimensions, casebank.ErrDimensionMismatch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	neighbors := make([]casebank.Neighbor, 0, len(ix.vectors))
	for id, vec := range ix.vectors {
		neighbors = append(neighbors, casebank.Neighbor{
			CaseID:     id,
			Similarity: casebank.Cosine(vector, vec),
		})
	}
	ix.mu.RUnlock()

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].CaseID < neighbors[j].CaseID
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Count returns the number of indexed vectors.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// Close is a no-op.
func (ix *Index) Close() error {
	return nil
}
