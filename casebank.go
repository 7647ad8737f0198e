package casebank

import (
	"context"
	"time"
)

// CaseStore is the durable keyed storage backend for case records.
// Implementations: memstore (local), sqlite (durable).
//
// Stores enforce the write invariants: vector dimensionality must match the
// store's configuration and scores must lie in [0,1]. Violations reject the
// write with ErrDimensionMismatch / ErrInvalidScore and leave nothing behind.
type CaseStore interface {
	// Put inserts or fully replaces a case by ID.
	Put(ctx context.Context, c *Case) error

	// Get returns a copy of the case or ErrNotFound.
	Get(ctx context.Context, id string) (*Case, error)

	// UpdateFields applies mutate to the case atomically under per-case
	// mutual exclusion, bumps the version, and returns the updated copy.
	// Two concurrent UpdateFields on the same case never lose an update.
	// The mutator must not touch ID, CreatedAt, or Version.
	UpdateFields(ctx context.Context, id string, mutate func(*Case)) (*Case, error)

	// Delete removes a case, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// DeleteVersion removes a case only if its version still equals
	// version; otherwise it returns ErrConflict and leaves the case
	// alone. Maintenance tasks use this so an eviction or merge never
	// clobbers a case that was touched after it was scanned.
	DeleteVersion(ctx context.Context, id string, version uint64) error

	// Scan streams a copy of every case matching filter to fn, stopping
	// early when fn returns false. Membership is snapshotted at the start
	// of the scan; field values reflect each case's state at visit time
	// (never torn, possibly newer than the snapshot).
	Scan(ctx context.Context, filter ScanFilter, fn func(*Case) bool) error

	// Count returns the number of stored cases.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// ScanFilter selects cases for a scan. Zero values mean "no constraint".
type ScanFilter struct {
	// Kind restricts the scan to one case kind.
	Kind string

	// CreatedBefore restricts the scan to cases older than the instant.
	CreatedBefore time.Time

	// ImportanceBelow restricts the scan to cases with importance strictly
	// below the value. Ignored when <= 0.
	ImportanceBelow float64
}

// Neighbor is one nearest-neighbor result from a VectorIndex query.
type Neighbor struct {
	CaseID string

	// Similarity is the cosine similarity to the query vector in [-1,1]
	// (1 = identical direction). Results are ordered descending.
	Similarity float64
}

// VectorIndex answers k-nearest-neighbor queries over case vectors.
// Implementations: brute (exact), chromem (embedded vector database).
//
// Index membership must mirror CaseStore membership exactly; the Manager
// maintains the pairing and tests assert the invariant. An index entry
// without a case (or vice versa) is a bug, not a runtime condition.
type VectorIndex interface {
	Insert(ctx context.Context, caseID string, vector []float32) error
	Remove(ctx context.Context, caseID string) error

	// Query returns up to k neighbors ordered by descending cosine
	// similarity. An empty index yields an empty result, not an error.
	Query(ctx context.Context, vector []float32, k int) ([]Neighbor, error)

	Count() int
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local model), remote (service),
// cached (ristretto wrapper around any of the above).
type Embedder interface {
	// Embed converts a single text to an embedding vector. The call may
	// be remote and slow; it must honor ctx deadlines.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// NoveltyFunc scores how novel a solution payload is, in [0,1]. The bank
// never interprets payloads; novelty heuristics may hash or pattern-match
// them. See ConstantNovelty and NewHashNovelty.
type NoveltyFunc func(payload []byte) float64
