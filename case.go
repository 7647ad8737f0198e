package casebank

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Case is one recorded problem -> solution -> outcome episode.
//
// The solution payload is opaque to the bank: it is stored, hashed for
// novelty heuristics, and returned, never interpreted. Interpretation is
// the calling agent's responsibility.
type Case struct {
	// ID uniquely identifies the case within a bank. Assigned at creation,
	// immutable afterwards.
	ID string `json:"case_id"`

	// OwnerID identifies the agent or session that created the case.
	OwnerID string `json:"owner_id"`

	// Kind is a categorical tag used as a retrieval filter
	// (e.g. "decision", "observation", "error-fix").
	Kind string `json:"case_kind"`

	// ProblemContext describes the situation the case applies to.
	ProblemContext string `json:"problem_context"`

	// ContextVector is the embedding of ProblemContext. Its length must
	// match the bank's configured dimensionality.
	ContextVector []float32 `json:"context_vector"`

	// SolutionPayload is the opaque solution data.
	SolutionPayload []byte `json:"solution_payload"`

	// Tags are lowercase terms extracted from the problem context, used
	// for Jaccard overlap scoring during retrieval.
	Tags []string `json:"tags"`

	// SuccessScore in [0,1] tracks outcome quality via an exponential
	// moving average over observed outcomes.
	SuccessScore float64 `json:"success_score"`

	// ImportanceScore in [0,1] is the derived, decaying relevance signal.
	// Computed by the Scorer; never set by callers.
	ImportanceScore float64 `json:"importance_score"`

	// UsageCount is incremented each time the case is returned by a
	// retrieval.
	UsageCount int `json:"usage_count"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	// ConsolidationGroup is set on the surviving representative when
	// near-duplicates are merged into this case. Empty for un-merged cases.
	ConsolidationGroup string `json:"consolidation_group,omitempty"`

	// AbsorbedIDs records the IDs deleted into this case during
	// consolidation. Kept for auditability, not restoration.
	AbsorbedIDs []string `json:"absorbed_ids,omitempty"`

	// Version is a per-case sequence number bumped on every mutation.
	// Maintenance tasks use it to detect concurrent changes before
	// deleting or evicting.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// alias internal state.
func (c *Case) Clone() *Case {
	cp := *c
	if c.ContextVector != nil {
		cp.ContextVector = make([]float32, len(c.ContextVector))
		copy(cp.ContextVector, c.ContextVector)
	}
	if c.SolutionPayload != nil {
		cp.SolutionPayload = make([]byte, len(c.SolutionPayload))
		copy(cp.SolutionPayload, c.SolutionPayload)
	}
	if c.Tags != nil {
		cp.Tags = make([]string, len(c.Tags))
		copy(cp.Tags, c.Tags)
	}
	if c.AbsorbedIDs != nil {
		cp.AbsorbedIDs = make([]string, len(c.AbsorbedIDs))
		copy(cp.AbsorbedIDs, c.AbsorbedIDs)
	}
	return &cp
}

// Validate checks the invariants a store must enforce on write: vector
// dimensionality and score ranges.
func (c *Case) Validate(dimensions int) error {
	if c.ID == "" {
		return fmt.Errorf("case has empty ID: %w", ErrInvalidCase)
	}
	if len(c.ContextVector) != dimensions {
		return fmt.Errorf("case %s: vector has %d dimensions, store expects %d: %w",
			c.ID, len(c.ContextVector), dimensions, ErrDimensionMismatch)
	}
	if c.SuccessScore < 0 || c.SuccessScore > 1 {
		return fmt.Errorf("case %s: success_score %v outside [0,1]: %w", c.ID, c.SuccessScore, ErrInvalidScore)
	}
	if c.ImportanceScore < 0 || c.ImportanceScore > 1 {
		return fmt.Errorf("case %s: importance_score %v outside [0,1]: %w", c.ID, c.ImportanceScore, ErrInvalidScore)
	}
	return nil
}

// AgeDays returns the case age in fractional days at the given instant.
func (c *Case) AgeDays(now time.Time) float64 {
	age := now.Sub(c.CreatedAt)
	if age < 0 {
		return 0
	}
	return age.Hours() / 24
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tagStopwords are tokens too common to discriminate between contexts.
var tagStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "was": true, "are": true, "has": true,
	"have": true, "not": true, "but": true, "when": true, "its": true,
	"into": true, "out": true, "all": true, "can": true, "will": true,
}

// ExtractTags derives the tag set for a problem context: lowercase tokens,
// punctuation stripped, stopwords and short tokens dropped, deduplicated.
func ExtractTags(context string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, word := range strings.Fields(strings.ToLower(context)) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(word) < 3 || tagStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		tags = append(tags, word)
	}
	return tags
}

// jaccard computes |A∩B| / |A∪B| over two tag sets. Two empty sets have
// zero overlap, not full overlap.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seenB := make(map[string]bool, len(b))
	for _, t := range b {
		if seenB[t] {
			continue
		}
		seenB[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
