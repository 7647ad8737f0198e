package casebank

import (
	"hash/fnv"
	"sync"
	"time"
)

// Scorer computes a case's importance from its success history, usage,
// recency, and solution novelty. Pure function of the case record; it is
// invoked at insert, after each usage bump, and after each success update,
// never memoized across mutations.
type Scorer struct {
	weights         ImportanceWeights
	usageSaturation int
	novelty         NoveltyFunc
}

// NewScorer builds a scorer from validated configuration.
func NewScorer(cfg *Config) *Scorer {
	return &Scorer{
		weights:         cfg.ImportanceWeights,
		usageSaturation: cfg.UsageSaturation,
		novelty:         cfg.Novelty,
	}
}

// Importance returns the case's importance in [0,1] at the given instant:
//
//	base + success*w_s + min(usage/U, 1)*w_u
//	     + max(0, 1 - age_days/365)*w_r + novelty(payload)*w_n
//
// clamped to [0,1].
func (s *Scorer) Importance(c *Case, now time.Time) float64 {
	usage := float64(c.UsageCount) / float64(s.usageSaturation)
	if usage > 1 {
		usage = 1
	}
	recency := 1 - c.AgeDays(now)/365
	if recency < 0 {
		recency = 0
	}
	score := s.weights.Base +
		c.SuccessScore*s.weights.Success +
		usage*s.weights.Usage +
		recency*s.weights.Recency +
		s.novelty(c.SolutionPayload)*s.weights.Novelty
	return clamp01(score)
}

// ConstantNovelty returns a NoveltyFunc that scores every payload the same.
// The default heuristic is ConstantNovelty(0.5).
func ConstantNovelty(v float64) NoveltyFunc {
	v = clamp01(v)
	return func([]byte) float64 { return v }
}

// HashNovelty scores payloads by whether their content has been seen
// before: first-seen payloads score high, repeats score low. The seen set
// is bounded; when full it resets, which only makes old payloads look novel
// again (a scoring bonus, never a correctness issue).
type HashNovelty struct {
	mu       sync.Mutex
	seen     map[uint64]bool
	maxSeen  int
	fresh    float64
	repeated float64
}

// NewHashNovelty creates a hash-based novelty heuristic. maxSeen bounds the
// tracked payload set (0 means 100k).
func NewHashNovelty(maxSeen int) *HashNovelty {
	if maxSeen <= 0 {
		maxSeen = 100_000
	}
	return &HashNovelty{
		seen:     make(map[uint64]bool),
		maxSeen:  maxSeen,
		fresh:    1.0,
		repeated: 0.25,
	}
}

// Score implements NoveltyFunc.
func (h *HashNovelty) Score(payload []byte) float64 {
	if len(payload) == 0 {
		return h.repeated
	}
	hash := fnv.New64a()
	hash.Write(payload)
	key := hash.Sum64()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[key] {
		return h.repeated
	}
	if len(h.seen) >= h.maxSeen {
		h.seen = make(map[uint64]bool)
	}
	h.seen[key] = true
	return h.fresh
}
