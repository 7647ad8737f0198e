// Package chromem adapts chromem-go, a pure Go embedded vector database,
// to the VectorIndex contract. Embeddings are always precomputed by the
// bank's Embedder; chromem's own embedding hooks stay unused.
package chromem

import (
	"context"
	"fmt"

	chromemgo "github.com/philippgille/chromem-go"

	casebank "github.com/becomeliminal/casebank-go"
)

// Index is a chromem-go backed VectorIndex.
type Index struct {
	db         *chromemgo.DB
	collection *chromemgo.Collection
	dimensions int
}

// New creates an in-memory chromem index.
func New(dimensions int) (*Index, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	db := chromemgo.NewDB()
	col, err := db.CreateCollection(
		"cases",
		nil, // no collection metadata
		nil, // no embedding func; vectors are supplied explicitly
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, collection: col, dimensions: dimensions}, nil
}

// Insert stores (or replaces) a case's vector.
func (ix *Index) Insert(ctx context.Context, caseID string, vector []float32) error {
	if len(vector) != ix.dimensions {
		return fmt.Errorf("insert %s: vector has %d dimensions, index expects %d: %w",
			caseID, len(vector), ix.dimensions, casebank.ErrDimensionMismatch)
	}
	doc := chromemgo.Document{
		ID:        caseID,
		Content:   caseID, // chromem wants non-empty content; the record lives in the CaseStore
		Embedding: vector,
	}
	if err := ix.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %s: %w: %v", caseID, casebank.ErrIndexUnavailable, err)
	}
	return nil
}

// Remove drops a case's vector. Removing an unknown ID is a no-op for this
// backend.
func (ix *Index) Remove(ctx context.Context, caseID string) error {
	if err := ix.collection.Delete(ctx, nil, nil, caseID); err != nil {
		return fmt.Errorf("delete document %s: %w: %v", caseID, casebank.ErrIndexUnavailable, err)
	}
	return nil
}

// Query returns up to k neighbors by descending cosine similarity.
// chromem requires nResults <= collection size, so k is clamped.
func (ix *Index) Query(ctx context.Context, vector []float32, k int) ([]casebank.Neighbor, error) {
	if len(vector) != ix.dimensions {
		return nil, fmt.Errorf("query: vector has %d dimensions, index expects %d: %w",
			len(vector), ix.dimensions, casebank.ErrDimensionMismatch)
	}
	if count := ix.collection.Count(); count < k {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := ix.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w: %v", casebank.ErrIndexUnavailable, err)
	}
	neighbors := make([]casebank.Neighbor, 0, len(results))
	for _, r := range results {
		neighbors = append(neighbors, casebank.Neighbor{
			CaseID:     r.ID,
			Similarity: float64(r.Similarity),
		})
	}
	return neighbors, nil
}

// Count returns the number of indexed vectors.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

// Close is a no-op; chromem keeps everything in memory.
func (ix *Index) Close() error {
	return nil
}
