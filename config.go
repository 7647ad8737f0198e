package casebank

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScoreWeights blend the six retrieval factors into a combined score.
// Validate normalizes them to sum to 1.0.
type ScoreWeights struct {
	Similarity float64 `yaml:"similarity"`
	Recency    float64 `yaml:"recency"`
	Success    float64 `yaml:"success"`
	Importance float64 `yaml:"importance"`
	Usage      float64 `yaml:"usage"`
	TagOverlap float64 `yaml:"tag_overlap"`
}

func (w ScoreWeights) sum() float64 {
	return w.Similarity + w.Recency + w.Success + w.Importance + w.Usage + w.TagOverlap
}

// ImportanceWeights shape the Scorer's importance function. Base plus the
// four weights should not exceed 1.0 by much; the result is clamped either
// way.
type ImportanceWeights struct {
	Base    float64 `yaml:"base"`
	Success float64 `yaml:"success"`
	Usage   float64 `yaml:"usage"`
	Recency float64 `yaml:"recency"`
	Novelty float64 `yaml:"novelty"`
}

// Config holds all tunable parameters of a case bank. Use DefaultConfig as
// a starting point; every instance is validated once at startup.
type Config struct {
	// SimilarityThreshold is the hard gate on cosine similarity [0,1]:
	// candidates below it are dropped regardless of their other scores.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// SuccessWeight blends historical success into the final retrieval
	// ranking: retrieval = combined*(1-w) + success*w.
	SuccessWeight float64 `yaml:"success_weight"`

	// TopK is the default number of cases a retrieval returns.
	TopK int `yaml:"top_k"`

	// OverfetchFactor controls how many index candidates are fetched per
	// requested result (compensates for post-filtering).
	OverfetchFactor int `yaml:"overfetch_factor"`

	// RetentionDays is the age horizon for temporal recency scoring and
	// the eviction policy.
	RetentionDays float64 `yaml:"retention_days"`

	// SuccessAlpha is the EMA learning rate for UpdateSuccess.
	SuccessAlpha float64 `yaml:"success_alpha"`

	// UsageSaturation is the usage count at which the usage factor
	// saturates to 1.
	UsageSaturation int `yaml:"usage_saturation"`

	// ConsolidationThreshold is the pairwise cosine similarity at or above
	// which two cases of the same kind are considered duplicates.
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"`

	// ConsolidationMinPopulation skips consolidation entirely while the
	// scanned population is below this size.
	ConsolidationMinPopulation int `yaml:"consolidation_min_population"`

	// ConsolidationScanWindow bounds how many cases per kind one
	// consolidation run examines (most recent first). 0 = unbounded.
	ConsolidationScanWindow int `yaml:"consolidation_scan_window"`

	// DecayRate controls exponential importance decay:
	// factor = exp(-DecayRate * age_days / 30).
	DecayRate float64 `yaml:"decay_rate"`

	// MinImportanceFloor is the lowest importance decay can reach; cases
	// pinned at the floor, past retention, and never used are evicted.
	MinImportanceFloor float64 `yaml:"min_importance_floor"`

	// ConsolidationInterval and DecayInterval are the maintenance timer
	// periods.
	ConsolidationInterval time.Duration `yaml:"consolidation_interval"`
	DecayInterval         time.Duration `yaml:"decay_interval"`

	// EmbedTimeout bounds external embedding calls; QueryTimeout bounds
	// vector index queries. 0 = no per-call deadline beyond the caller's.
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`

	Weights           ScoreWeights      `yaml:"weights"`
	ImportanceWeights ImportanceWeights `yaml:"importance_weights"`

	// Novelty is the pluggable novelty heuristic. Not serializable;
	// defaults to ConstantNovelty(0.5).
	Novelty NoveltyFunc `yaml:"-"`
}

// DefaultConfig returns the documented defaults. Callers mutate the copy
// and pass it to NewManager, which validates it.
func DefaultConfig() *Config {
	return &Config{
		SimilarityThreshold:        0.7,
		SuccessWeight:              0.3,
		TopK:                       5,
		OverfetchFactor:            3,
		RetentionDays:              30,
		SuccessAlpha:               0.3,
		UsageSaturation:            10,
		ConsolidationThreshold:     0.9,
		ConsolidationMinPopulation: 10,
		ConsolidationScanWindow:    500,
		DecayRate:                  0.1,
		MinImportanceFloor:         0.05,
		ConsolidationInterval:      10 * time.Minute,
		DecayInterval:              time.Hour,
		EmbedTimeout:               10 * time.Second,
		QueryTimeout:               5 * time.Second,
		Weights: ScoreWeights{
			Similarity: 0.35,
			Recency:    0.15,
			Success:    0.20,
			Importance: 0.15,
			Usage:      0.10,
			TagOverlap: 0.05,
		},
		ImportanceWeights: ImportanceWeights{
			Base:    0.1,
			Success: 0.3,
			Usage:   0.2,
			Recency: 0.2,
			Novelty: 0.2,
		},
		Novelty: ConstantNovelty(0.5),
	}
}

// Validate checks ranges, normalizes the retrieval weights to sum to 1.0,
// and fills the novelty default. Called once by NewManager.
func (c *Config) Validate() error {
	for _, check := range []struct {
		name  string
		value float64
	}{
		{"similarity_threshold", c.SimilarityThreshold},
		{"success_weight", c.SuccessWeight},
		{"success_alpha", c.SuccessAlpha},
		{"consolidation_threshold", c.ConsolidationThreshold},
		{"min_importance_floor", c.MinImportanceFloor},
	} {
		if check.value < 0 || check.value > 1 {
			return fmt.Errorf("%s %v outside [0,1]: %w", check.name, check.value, ErrInvalidConfig)
		}
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d: %w", c.TopK, ErrInvalidConfig)
	}
	if c.OverfetchFactor < 1 {
		return fmt.Errorf("overfetch_factor must be >= 1, got %d: %w", c.OverfetchFactor, ErrInvalidConfig)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %v: %w", c.RetentionDays, ErrInvalidConfig)
	}
	if c.UsageSaturation <= 0 {
		return fmt.Errorf("usage_saturation must be positive, got %d: %w", c.UsageSaturation, ErrInvalidConfig)
	}
	if c.DecayRate < 0 {
		return fmt.Errorf("decay_rate must not be negative, got %v: %w", c.DecayRate, ErrInvalidConfig)
	}
	if c.ConsolidationInterval <= 0 || c.DecayInterval <= 0 {
		return fmt.Errorf("maintenance intervals must be positive: %w", ErrInvalidConfig)
	}

	sum := c.Weights.sum()
	if sum <= 0 {
		return fmt.Errorf("retrieval weights sum to %v, need a positive sum: %w", sum, ErrInvalidConfig)
	}
	if math.Abs(sum-1.0) > 1e-9 {
		c.Weights.Similarity /= sum
		c.Weights.Recency /= sum
		c.Weights.Success /= sum
		c.Weights.Importance /= sum
		c.Weights.Usage /= sum
		c.Weights.TagOverlap /= sum
	}

	iw := c.ImportanceWeights
	for _, v := range []float64{iw.Base, iw.Success, iw.Usage, iw.Recency, iw.Novelty} {
		if v < 0 {
			return fmt.Errorf("importance weights must not be negative: %w", ErrInvalidConfig)
		}
	}
	if iw.Success+iw.Usage+iw.Recency+iw.Novelty == 0 {
		return fmt.Errorf("importance weights sum to zero: %w", ErrInvalidConfig)
	}

	if c.Novelty == nil {
		c.Novelty = ConstantNovelty(0.5)
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults. Fields absent from
// the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
