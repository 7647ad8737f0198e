package casebank

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Consolidator merges near-duplicate cases of the same kind into one
// representative. It runs as a periodic batch job off the request path,
// operates on a scan snapshot, and re-validates each case's version before
// deleting it, so interleaved retrievals and decay never race it into
// deleting fresh state.
type Consolidator struct {
	store  CaseStore
	index  VectorIndex
	scorer *Scorer
	config *Config

	running atomic.Bool
}

func newConsolidator(store CaseStore, index VectorIndex, scorer *Scorer, config *Config) *Consolidator {
	return &Consolidator{store: store, index: index, scorer: scorer, config: config}
}

// snapshot is the per-case state captured during the scan. Deletions are
// version-guarded against it.
type snapshot struct {
	id         string
	kind       string
	vector     []float32
	importance float64
	success    float64
	createdAt  time.Time
	version    uint64
}

// Run executes one consolidation pass and returns the number of cases
// merged away. Concurrent calls are single-flight: a second Run while one
// is in progress is a no-op. A canceled context stops between clusters;
// completed merges stand and the rest resume next cycle.
func (cm *Consolidator) Run(ctx context.Context) (int, error) {
	if !cm.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer cm.running.Store(false)

	byKind := make(map[string][]snapshot)
	err := cm.store.Scan(ctx, ScanFilter{}, func(c *Case) bool {
		byKind[c.Kind] = append(byKind[c.Kind], snapshot{
			id:         c.ID,
			kind:       c.Kind,
			vector:     c.ContextVector,
			importance: c.ImportanceScore,
			success:    c.SuccessScore,
			createdAt:  c.CreatedAt,
			version:    c.Version,
		})
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("consolidation scan: %w", err)
	}

	total := 0
	for _, cases := range byKind {
		total += len(cases)
	}
	if total < cm.config.ConsolidationMinPopulation {
		return 0, nil
	}

	merged := 0
	for kind, cases := range byKind {
		if len(cases) < 2 {
			continue
		}
		if window := cm.config.ConsolidationScanWindow; window > 0 && len(cases) > window {
			// Bound the pairwise work: newest cases first.
			sortSnapshotsByAge(cases)
			cases = cases[:window]
		}
		n, err := cm.consolidateKind(ctx, kind, cases)
		merged += n
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Printf("[CONSOLIDATE] Pass interrupted after %d merges, resuming next cycle", merged)
				return merged, err
			}
			log.Printf("[CONSOLIDATE] Kind %q: %v", kind, err)
		}
	}
	if merged > 0 {
		log.Printf("[CONSOLIDATE] Merged %d duplicate cases", merged)
	}
	return merged, nil
}

// consolidateKind clusters one kind's cases by pairwise cosine similarity
// and absorbs every cluster into its best representative.
func (cm *Consolidator) consolidateKind(ctx context.Context, kind string, cases []snapshot) (int, error) {
	uf := newUnionFind(len(cases))
	threshold := cm.config.ConsolidationThreshold
	for i := 0; i < len(cases); i++ {
		for j := i + 1; j < len(cases); j++ {
			if Cosine(cases[i].vector, cases[j].vector) >= threshold {
				uf.union(i, j)
			}
		}
	}

	clusters := make(map[int][]int)
	for i := range cases {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	merged := 0
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return merged, err
		}

		rep := members[0]
		for _, i := range members[1:] {
			a, b := cases[i], cases[rep]
			// Representative maximizes importance x success; newer wins ties.
			if a.importance*a.success > b.importance*b.success ||
				(a.importance*a.success == b.importance*b.success && a.createdAt.After(b.createdAt)) {
				rep = i
			}
		}

		var absorbed []string
		for _, i := range members {
			if i == rep {
				continue
			}
			err := cm.store.DeleteVersion(ctx, cases[i].id, cases[i].version)
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				// Touched or removed since the scan; leave it for next cycle.
				continue
			}
			if err != nil {
				return merged, fmt.Errorf("delete duplicate %s: %w", cases[i].id, err)
			}
			if err := cm.index.Remove(ctx, cases[i].id); err != nil && !errors.Is(err, ErrNotFound) {
				return merged, fmt.Errorf("unindex duplicate %s: %w", cases[i].id, err)
			}
			absorbed = append(absorbed, cases[i].id)
			merged++
		}
		if len(absorbed) == 0 {
			continue
		}

		groupID := uuid.New().String()
		_, err := cm.store.UpdateFields(ctx, cases[rep].id, func(c *Case) {
			c.ConsolidationGroup = groupID
			c.AbsorbedIDs = append(c.AbsorbedIDs, absorbed...)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return merged, fmt.Errorf("tag representative %s: %w", cases[rep].id, err)
		}
		log.Printf("[CONSOLIDATE] Kind %q: %d cases absorbed into %s (group %s)",
			kind, len(absorbed), cases[rep].id, groupID)
	}
	return merged, nil
}

func sortSnapshotsByAge(cases []snapshot) {
	sort.Slice(cases, func(i, j int) bool {
		return cases[i].createdAt.After(cases[j].createdAt)
	})
}

// unionFind is a plain disjoint-set with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
