package casebank

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Manager orchestrates the case bank: the synchronous store/retrieve path
// for callers, success feedback, and ownership of the maintenance
// scheduler. Many callers may share one Manager; all operations are safe
// for concurrent use and never block on a maintenance cycle.
type Manager struct {
	store    CaseStore
	index    VectorIndex
	embedder Embedder
	config   *Config
	scorer   *Scorer
	sched    *Scheduler
}

// ScoredCase pairs a retrieved case with its final retrieval score.
type ScoredCase struct {
	Case  *Case
	Score float64
}

// NewManager creates a manager over the given backends. config may be nil
// for defaults; otherwise it is validated (and its retrieval weights
// normalized) here, once.
func NewManager(store CaseStore, index VectorIndex, embedder Embedder, config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:    store,
		index:    index,
		embedder: embedder,
		config:   config,
		scorer:   NewScorer(config),
	}
	m.sched = newScheduler(
		newConsolidator(store, index, m.scorer, config),
		newDecayer(store, index, config),
		config.ConsolidationInterval,
		config.DecayInterval,
	)
	return m, nil
}

// Maintenance returns the scheduler that owns the consolidation and decay
// timers. Call Start to begin background maintenance and Stop (or
// Manager.Close) to halt it; tests tick it manually instead.
func (m *Manager) Maintenance() *Scheduler {
	return m.sched
}

// Close stops maintenance and releases the store and index.
func (m *Manager) Close() error {
	m.sched.Stop()
	storeErr := m.store.Close()
	indexErr := m.index.Close()
	if storeErr != nil {
		return storeErr
	}
	return indexErr
}

// StoreCase records a new problem -> solution episode and returns its case
// ID. The context is embedded here (the one external call on the write
// path); a failed store never silently drops the solution — the caller
// gets an explicit error and can retry.
func (m *Manager) StoreCase(ctx context.Context, problemContext string, solution []byte, successScore float64, ownerID, kind string) (string, error) {
	if successScore < 0 || successScore > 1 {
		return "", fmt.Errorf("store case: success score %v: %w", successScore, ErrInvalidScore)
	}

	vector, err := m.embed(ctx, problemContext)
	if err != nil {
		return "", fmt.Errorf("store case: %w", err)
	}

	now := time.Now()
	c := &Case{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		Kind:            kind,
		ProblemContext:  problemContext,
		ContextVector:   vector,
		SolutionPayload: solution,
		Tags:            ExtractTags(problemContext),
		SuccessScore:    successScore,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
	c.ImportanceScore = m.scorer.Importance(c, now)

	if err := m.store.Put(ctx, c); err != nil {
		return "", fmt.Errorf("store case: %w", err)
	}
	if err := m.index.Insert(ctx, c.ID, c.ContextVector); err != nil {
		// Keep store and index membership identical: roll the record back.
		if delErr := m.store.Delete(ctx, c.ID); delErr != nil {
			log.Printf("[CASEBANK] Rollback of case %s failed after index error: %v", c.ID, delErr)
		}
		return "", fmt.Errorf("store case %s: index insert: %w", c.ID, err)
	}

	log.Printf("[CASEBANK] Stored case %s kind=%s owner=%s tags=%d", c.ID, kind, ownerID, len(c.Tags))
	return c.ID, nil
}

// RetrieveSimilar returns up to topK cases ranked by relevance to the
// problem context. kind filters candidates when non-empty; topK <= 0 uses
// the configured default. Each returned case has its usage count and
// last-used time bumped — a side effect of being returned, not of mere
// candidacy. An empty bank yields an empty result, not an error.
func (m *Manager) RetrieveSimilar(ctx context.Context, problemContext, kind string, topK int) ([]ScoredCase, error) {
	if topK <= 0 {
		topK = m.config.TopK
	}
	if m.index.Count() == 0 {
		return nil, nil
	}

	vector, err := m.embed(ctx, problemContext)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	queryCtx, cancel := withTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	neighbors, err := m.index.Query(queryCtx, vector, topK*m.config.OverfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("retrieve: query index: %w", err)
	}

	queryTags := ExtractTags(problemContext)
	now := time.Now()

	candidates := make([]ScoredCase, 0, len(neighbors))
	for _, n := range neighbors {
		// Hard gate: semantic similarity alone decides candidacy. A highly
		// successful but unrelated case must never surface.
		if n.Similarity < m.config.SimilarityThreshold {
			continue
		}
		c, err := m.store.Get(ctx, n.CaseID)
		if err != nil {
			// A candidate that vanished mid-flight (eviction, merge) is
			// skipped; the rest of the result is still valid.
			log.Printf("[CASEBANK] Skipping candidate %s: %v", n.CaseID, err)
			continue
		}
		if kind != "" && c.Kind != kind {
			continue
		}
		combined := m.combinedScore(c, n.Similarity, queryTags, now)
		retrieval := combined*(1-m.config.SuccessWeight) + c.SuccessScore*m.config.SuccessWeight
		candidates = append(candidates, ScoredCase{Case: c, Score: retrieval})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Case.ImportanceScore != b.Case.ImportanceScore {
			return a.Case.ImportanceScore > b.Case.ImportanceScore
		}
		return a.Case.LastUsedAt.After(b.Case.LastUsedAt)
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	for i := range candidates {
		updated, err := m.store.UpdateFields(ctx, candidates[i].Case.ID, func(c *Case) {
			c.UsageCount++
			c.LastUsedAt = time.Now()
			c.ImportanceScore = m.scorer.Importance(c, c.LastUsedAt)
		})
		if err != nil {
			log.Printf("[CASEBANK] Usage bump for %s failed: %v", candidates[i].Case.ID, err)
			continue
		}
		candidates[i].Case = updated
	}

	log.Printf("[CASEBANK] Retrieved %d/%d candidates for kind=%q", len(candidates), len(neighbors), kind)
	return candidates, nil
}

// combinedScore blends the six retrieval factors with the configured
// (normalized) weights.
func (m *Manager) combinedScore(c *Case, similarity float64, queryTags []string, now time.Time) float64 {
	recency := 1 - c.AgeDays(now)/m.config.RetentionDays
	if recency < 0 {
		recency = 0
	}
	usage := float64(c.UsageCount) / float64(m.config.UsageSaturation)
	if usage > 1 {
		usage = 1
	}
	w := m.config.Weights
	return w.Similarity*similarity +
		w.Recency*recency +
		w.Success*c.SuccessScore +
		w.Importance*c.ImportanceScore +
		w.Usage*usage +
		w.TagOverlap*jaccard(queryTags, c.Tags)
}

// UpdateSuccess folds an observed outcome into the case's success score via
// an exponential moving average and recomputes importance. Calling it twice
// with the same observation converges, never errors or duplicates.
func (m *Manager) UpdateSuccess(ctx context.Context, caseID string, observed float64) error {
	if observed < 0 || observed > 1 {
		return fmt.Errorf("update success %s: observed %v: %w", caseID, observed, ErrInvalidScore)
	}
	alpha := m.config.SuccessAlpha
	_, err := m.store.UpdateFields(ctx, caseID, func(c *Case) {
		c.SuccessScore = clamp01((1-alpha)*c.SuccessScore + alpha*observed)
		c.ImportanceScore = m.scorer.Importance(c, time.Now())
	})
	if err != nil {
		return fmt.Errorf("update success %s: %w", caseID, err)
	}
	return nil
}

// Get returns a copy of a single case.
func (m *Manager) Get(ctx context.Context, caseID string) (*Case, error) {
	return m.store.Get(ctx, caseID)
}

// Delete removes a case from the store and index.
func (m *Manager) Delete(ctx context.Context, caseID string) error {
	if err := m.store.Delete(ctx, caseID); err != nil {
		return fmt.Errorf("delete case %s: %w", caseID, err)
	}
	if err := m.index.Remove(ctx, caseID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete case %s: index remove: %w", caseID, err)
	}
	return nil
}

// embed runs the external embedding function under the configured timeout
// and maps failures to ErrEmbeddingFailed.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	embedCtx, cancel := withTimeout(ctx, m.config.EmbedTimeout)
	defer cancel()
	vector, err := m.embedder.Embed(embedCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
