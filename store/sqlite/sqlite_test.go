package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	casebank "github.com/becomeliminal/casebank-go"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cases.db"), 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCase(id string) *casebank.Case {
	now := time.Now()
	return &casebank.Case{
		ID:              id,
		OwnerID:         "agent-1",
		Kind:            "build-failure",
		ProblemContext:  "build fails with OOM",
		ContextVector:   []float32{0.25, -1.5, 3},
		SolutionPayload: []byte(`{"action":"raise heap"}`),
		Tags:            []string{"build", "oom"},
		SuccessScore:    0.7,
		ImportanceScore: 0.5,
		UsageCount:      2,
		CreatedAt:       now,
		LastUsedAt:      now,
		AbsorbedIDs:     []string{"older-1", "older-2"},
	}
}

func TestRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	orig := testCase("c1")
	if err := s.Put(ctx, orig); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.OwnerID != orig.OwnerID || got.Kind != orig.Kind ||
		got.ProblemContext != orig.ProblemContext {
		t.Errorf("text fields mismatch: %+v", got)
	}
	for i := range orig.ContextVector {
		if got.ContextVector[i] != orig.ContextVector[i] {
			t.Fatalf("vector[%d] = %v, want %v", i, got.ContextVector[i], orig.ContextVector[i])
		}
	}
	if string(got.SolutionPayload) != string(orig.SolutionPayload) {
		t.Errorf("payload = %s", got.SolutionPayload)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "build" {
		t.Errorf("tags = %v", got.Tags)
	}
	if len(got.AbsorbedIDs) != 2 || got.AbsorbedIDs[1] != "older-2" {
		t.Errorf("absorbed = %v", got.AbsorbedIDs)
	}
	// Nanosecond-precision timestamps survive the INTEGER columns.
	if !got.CreatedAt.Equal(orig.CreatedAt) || !got.LastUsedAt.Equal(orig.LastUsedAt) {
		t.Errorf("timestamps: got %v/%v, want %v/%v",
			got.CreatedAt, got.LastUsedAt, orig.CreatedAt, orig.LastUsedAt)
	}
	if got.UsageCount != 2 || got.SuccessScore != 0.7 {
		t.Errorf("counters: usage=%d success=%v", got.UsageCount, got.SuccessScore)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, casebank.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPut_UpsertBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	replacement := testCase("c1")
	replacement.SuccessScore = 0.95
	if err := s.Put(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "c1")
	if got.Version != 2 || got.SuccessScore != 0.95 {
		t.Errorf("after upsert: version=%d success=%v, want 2/0.95", got.Version, got.SuccessScore)
	}
}

func TestUpdateFields_Concurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateFields(ctx, "c1", func(c *casebank.Case) {
				c.UsageCount++
			}); err != nil {
				t.Errorf("UpdateFields: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "c1")
	if got.UsageCount != 2+n {
		t.Fatalf("usage = %d, want %d", got.UsageCount, 2+n)
	}
}

func TestUpdateFields_ProtectsIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orig := testCase("c1")
	if err := s.Put(ctx, orig); err != nil {
		t.Fatal(err)
	}

	got, err := s.UpdateFields(ctx, "c1", func(c *casebank.Case) {
		c.ID = "hijacked"
		c.CreatedAt = time.Time{}
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "c1" || !got.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("identity changed: id=%s created=%v", got.ID, got.CreatedAt)
	}
}

func TestDeleteVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateFields(ctx, "c1", func(c *casebank.Case) { c.UsageCount++ }); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteVersion(ctx, "c1", 1); !errors.Is(err, casebank.ErrConflict) {
		t.Fatalf("stale version: got %v, want ErrConflict", err)
	}
	if err := s.DeleteVersion(ctx, "c1", 2); err != nil {
		t.Fatalf("current version: %v", err)
	}
	if err := s.DeleteVersion(ctx, "c1", 2); !errors.Is(err, casebank.ErrNotFound) {
		t.Fatalf("gone: got %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "c1"); !errors.Is(err, casebank.ErrNotFound) {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestScan_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testCase("old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	old.ImportanceScore = 0.02
	if err := s.Put(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := testCase("fresh")
	fresh.Kind = "incident"
	if err := s.Put(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	var ids []string
	collect := func(c *casebank.Case) bool {
		ids = append(ids, c.ID)
		return true
	}

	if err := s.Scan(ctx, casebank.ScanFilter{Kind: "incident"}, collect); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Errorf("kind filter: got %v", ids)
	}

	ids = nil
	if err := s.Scan(ctx, casebank.ScanFilter{CreatedBefore: time.Now().Add(-time.Hour)}, collect); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("created-before filter: got %v", ids)
	}

	ids = nil
	if err := s.Scan(ctx, casebank.ScanFilter{ImportanceBelow: 0.05}, collect); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("importance filter: got %v", ids)
	}

	ids = nil
	if err := s.Scan(ctx, casebank.ScanFilter{}, func(c *casebank.Case) bool {
		ids = append(ids, c.ID)
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("early stop visited %d cases, want 1", len(ids))
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, testCase(id)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d (%v), want 3", n, err)
	}
}

func TestLoadVectors_RebuildsIndexState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
	}
	for id, vec := range want {
		c := testCase(id)
		c.ContextVector = vec
		if err := s.Put(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got := map[string][]float32{}
	if err := s.LoadVectors(ctx, func(id string, vector []float32) error {
		got[id] = vector
		return nil
	}); err != nil {
		t.Fatalf("LoadVectors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d vectors, want 2", len(got))
	}
	for id, vec := range want {
		for i := range vec {
			if got[id][i] != vec[i] {
				t.Errorf("%s[%d] = %v, want %v", id, i, got[id][i], vec[i])
			}
		}
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.db")
	ctx := context.Background()

	s, err := Open(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.ProblemContext != "build fails with OOM" {
		t.Errorf("reopened record mismatch: %+v", got)
	}
}
