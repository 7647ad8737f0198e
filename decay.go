package casebank

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"
)

// Decayer ages every case's importance and evicts cases that were never
// useful: past retention, fully decayed, and never returned by a retrieval.
// This is the bank's eviction policy — importance-weighted and time-decayed
// rather than purely recency-based.
type Decayer struct {
	store  CaseStore
	index  VectorIndex
	config *Config

	running atomic.Bool
}

func newDecayer(store CaseStore, index VectorIndex, config *Config) *Decayer {
	return &Decayer{store: store, index: index, config: config}
}

// Run executes one decay pass and returns how many cases were evicted.
// Single-flight; a canceled context stops between cases and the remainder
// is picked up on the next cycle. One bad case never halts the pass.
func (d *Decayer) Run(ctx context.Context) (int, error) {
	if !d.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer d.running.Store(false)

	type candidate struct {
		id      string
		version uint64
		evict   bool
	}
	now := time.Now()
	floor := d.config.MinImportanceFloor

	var cands []candidate
	err := d.store.Scan(ctx, ScanFilter{}, func(c *Case) bool {
		ageDays := c.AgeDays(now)
		factor := math.Exp(-d.config.DecayRate * ageDays / 30)
		decayed := math.Max(c.ImportanceScore*factor, floor)
		evict := ageDays > d.config.RetentionDays && decayed <= floor && c.UsageCount == 0
		cands = append(cands, candidate{id: c.ID, version: c.Version, evict: evict})
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("decay scan: %w", err)
	}

	evicted := 0
	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			log.Printf("[DECAY] Pass interrupted after %d evictions, resuming next cycle", evicted)
			return evicted, err
		}
		if cand.evict {
			// The version guard skips cases a retrieval touched since the
			// scan: a just-used case is no longer eviction-eligible.
			err := d.store.DeleteVersion(ctx, cand.id, cand.version)
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				log.Printf("[DECAY] Evicting %s: %v", cand.id, err)
				continue
			}
			if err := d.index.Remove(ctx, cand.id); err != nil && !errors.Is(err, ErrNotFound) {
				log.Printf("[DECAY] Unindexing %s: %v", cand.id, err)
			}
			evicted++
			continue
		}
		// Recompute inside the mutator from current state so a concurrent
		// usage bump or success update is never clobbered.
		_, err := d.store.UpdateFields(ctx, cand.id, func(c *Case) {
			factor := math.Exp(-d.config.DecayRate * c.AgeDays(now) / 30)
			c.ImportanceScore = math.Max(c.ImportanceScore*factor, floor)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("[DECAY] Updating %s: %v", cand.id, err)
		}
	}
	if evicted > 0 {
		log.Printf("[DECAY] Evicted %d stale cases", evicted)
	}
	return evicted, nil
}
