package casebank

import "errors"

var (
	// ErrNotFound is returned when a case ID is unknown to the store.
	ErrNotFound = errors.New("case not found")

	// ErrDimensionMismatch is returned when a vector's length does not
	// match the store's configured dimensionality. Nothing is written.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidScore is returned when a success or importance score
	// falls outside [0,1]. Nothing is written.
	ErrInvalidScore = errors.New("score outside [0,1]")

	// ErrInvalidCase is returned for structurally invalid case records.
	ErrInvalidCase = errors.New("invalid case")

	// ErrEmbeddingFailed is returned when the external embedding function
	// fails. Callers may retry or fall back to unguided decisions.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrIndexUnavailable is returned when the backing vector index or
	// store is unreachable. Maintenance tasks back off to the next cycle;
	// read/write callers receive this explicitly rather than degraded
	// results.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrConflict is returned by version-checked operations when the case
	// changed since it was read. Callers re-read and retry, or skip.
	ErrConflict = errors.New("case modified concurrently")

	// ErrInvalidConfig is returned by Config.Validate for out-of-range
	// settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)
