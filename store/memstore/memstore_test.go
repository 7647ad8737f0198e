package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	casebank "github.com/becomeliminal/casebank-go"
)

func testCase(id string) *casebank.Case {
	now := time.Now()
	return &casebank.Case{
		ID:              id,
		OwnerID:         "agent-1",
		Kind:            "build-failure",
		ProblemContext:  "build fails with OOM",
		ContextVector:   []float32{1, 0, 0},
		SolutionPayload: []byte(`{"action":"raise heap"}`),
		Tags:            []string{"build", "oom"},
		SuccessScore:    0.7,
		ImportanceScore: 0.5,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
}

func TestPutGet(t *testing.T) {
	s, err := New(3)
	if err != nil {
		t.Fatal(err)
	}
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
		t.Errorf("version = %d, want 1 on first insert", got.Version)
	}
	if got.OwnerID != orig.OwnerID || got.Kind != orig.Kind ||
		got.ProblemContext != orig.ProblemContext ||
		string(got.SolutionPayload) != string(orig.SolutionPayload) ||
		got.SuccessScore != orig.SuccessScore {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	// The returned copy is detached from store state.
	got.ContextVector[0] = 99
	again, _ := s.Get(ctx, "c1")
	if again.ContextVector[0] != 1 {
		t.Error("Get returned a live reference into the store")
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := New(3)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, casebank.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPut_Validation(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()

	c := testCase("c1")
	c.ContextVector = []float32{1, 0}
	if err := s.Put(ctx, c); !errors.Is(err, casebank.ErrDimensionMismatch) {
		t.Errorf("wrong dims: got %v, want ErrDimensionMismatch", err)
	}

	c = testCase("c2")
	c.SuccessScore = 2
	if err := s.Put(ctx, c); !errors.Is(err, casebank.ErrInvalidScore) {
		t.Errorf("bad score: got %v, want ErrInvalidScore", err)
	}
}

func TestPut_ReplaceBumpsVersion(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()

	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	replacement := testCase("c1")
	replacement.SuccessScore = 0.9
	if err := s.Put(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "c1")
	if got.Version != 2 {
		t.Errorf("version = %d after replace, want 2", got.Version)
	}
	if got.SuccessScore != 0.9 {
		t.Errorf("replace did not take: success = %v", got.SuccessScore)
	}
}

func TestUpdateFields_ConcurrentIncrements(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}

	const n = 100
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
	if got.UsageCount != n {
		t.Fatalf("usage count = %d, want %d (lost updates)", got.UsageCount, n)
	}
	if got.Version != n+1 {
		t.Errorf("version = %d, want %d", got.Version, n+1)
	}
}

func TestUpdateFields_ProtectsIdentity(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	orig := testCase("c1")
	if err := s.Put(ctx, orig); err != nil {
		t.Fatal(err)
	}

	got, err := s.UpdateFields(ctx, "c1", func(c *casebank.Case) {
		c.ID = "hijacked"
		c.CreatedAt = time.Time{}
		c.UsageCount = 3
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "c1" || !got.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("mutator changed identity: id=%s created=%v", got.ID, got.CreatedAt)
	}
	if got.UsageCount != 3 {
		t.Errorf("legitimate change lost: usage = %d", got.UsageCount)
	}
}

func TestUpdateFields_RejectsInvalidMutation(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	_, err := s.UpdateFields(ctx, "c1", func(c *casebank.Case) {
		c.SuccessScore = 5
	})
	if !errors.Is(err, casebank.ErrInvalidScore) {
		t.Fatalf("got %v, want ErrInvalidScore", err)
	}
	// The record is untouched after a rejected mutation.
	got, _ := s.Get(ctx, "c1")
	if got.SuccessScore != 0.7 || got.Version != 1 {
		t.Errorf("rejected mutation leaked: %+v", got)
	}
}

func TestDeleteVersion(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateFields(ctx, "c1", func(c *casebank.Case) { c.UsageCount++ }); err != nil {
		t.Fatal(err)
	}

	// Version 1 is stale; the record is at 2 now.
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

func TestScan_Filters(t *testing.T) {
	s, _ := New(3)
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
	cutoff := time.Now().Add(-time.Hour)
	if err := s.Scan(ctx, casebank.ScanFilter{CreatedBefore: cutoff}, collect); err != nil {
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
}

func TestScan_EarlyStop(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, testCase(id)); err != nil {
			t.Fatal(err)
		}
	}
	visited := 0
	if err := s.Scan(ctx, casebank.ScanFilter{}, func(c *casebank.Case) bool {
		visited++
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if visited != 1 {
		t.Errorf("visited %d cases after early stop, want 1", visited)
	}
}

func TestScan_ToleratesConcurrentDeletes(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Put(ctx, testCase(id)); err != nil {
			t.Fatal(err)
		}
	}
	err := s.Scan(ctx, casebank.ScanFilter{}, func(c *casebank.Case) bool {
		// Deleting mid-scan must never wedge or error the scan.
		_ = s.Delete(ctx, "d")
		return true
	})
	if err != nil {
		t.Fatalf("scan with concurrent delete: %v", err)
	}
	if n, _ := s.Count(ctx); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestScan_CanceledContext(t *testing.T) {
	s, _ := New(3)
	ctx := context.Background()
	if err := s.Put(ctx, testCase("a")); err != nil {
		t.Fatal(err)
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Scan(canceled, casebank.ScanFilter{}, func(c *casebank.Case) bool {
		return true
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
