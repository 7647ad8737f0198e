// Package casebank provides a case-based solution memory for agents.
//
// A case records one problem -> solution -> outcome episode. The bank
// retrieves the most relevant prior cases for a new problem context so an
// agent can reuse solutions that worked before. Cases carry a decaying
// importance signal derived from success, usage, recency, and novelty;
// background maintenance consolidates near-duplicates and evicts stale
// unused cases.
//
// Architecture:
//   - CaseStore: keyed record storage (in-memory for local, sqlite for durable)
//   - VectorIndex: nearest-neighbor search over context embeddings
//   - Embedder: text-to-vector conversion (local model, remote service, mock)
//   - Manager: orchestrates store, retrieve, success feedback, and insights
//   - Scheduler: runs consolidation and decay on independent timers
//
// Local SDK implementation:
//   - brute-force exact index or chromem-go (embedded vector database)
//   - ONNX embedder with all-MiniLM-L6-v2 (real semantic search, offline)
//   - Focus on interface definitions for production swap
//
// Production implementation:
//   - sqlite store for durability, remote embedding service over websocket
//   - ristretto cache in front of slow embedders
package casebank
