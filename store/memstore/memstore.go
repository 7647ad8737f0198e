// Package memstore provides the in-memory CaseStore used by the local SDK
// and by tests. Records are versioned and every mutation runs under a
// per-case mutex, so concurrent usage bumps, success updates, and decay
// never lose updates to each other.
package memstore

import (
	"context"
	"fmt"
	"sync"

	casebank "github.com/becomeliminal/casebank-go"
)

// entry wraps one stored case. The entry mutex covers the record and the
// deleted flag; the store mutex covers only map membership.
type entry struct {
	mu      sync.Mutex
	c       casebank.Case
	deleted bool
}

// Store is an in-memory, concurrency-safe CaseStore.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	dimensions int
}

// New creates a store that accepts vectors of the given dimensionality.
func New(dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return &Store{
		entries:    make(map[string]*entry),
		dimensions: dimensions,
	}, nil
}

// Put inserts or fully replaces a case by ID.
func (s *Store) Put(ctx context.Context, c *casebank.Case) error {
	if err := c.Validate(s.dimensions); err != nil {
		return err
	}
	cp := c.Clone()

	s.mu.Lock()
	e, exists := s.entries[cp.ID]
	if !exists {
		cp.Version = 1
		s.entries[cp.ID] = &entry{c: *cp}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		// Raced with a delete; treat as a fresh insert.
		cp.Version = 1
		s.mu.Lock()
		s.entries[cp.ID] = &entry{c: *cp}
		s.mu.Unlock()
		return nil
	}
	cp.Version = e.c.Version + 1
	e.c = *cp
	return nil
}

// Get returns a copy of the case or casebank.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*casebank.Case, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("get %s: %w", id, casebank.ErrNotFound)
	}
	return e.c.Clone(), nil
}

// UpdateFields applies mutate under the case's mutex, clamps scores, bumps
// the version, and returns the updated copy.
func (s *Store) UpdateFields(ctx context.Context, id string, mutate func(*casebank.Case)) (*casebank.Case, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("update %s: %w", id, casebank.ErrNotFound)
	}
	next := e.c.Clone()
	mutate(next)
	// The mutator cannot change identity or rewind history.
	next.ID = e.c.ID
	next.CreatedAt = e.c.CreatedAt
	next.Version = e.c.Version + 1
	if err := next.Validate(s.dimensions); err != nil {
		return nil, err
	}
	e.c = *next
	return next.Clone(), nil
}

// Delete removes a case unconditionally.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.delete(id, 0, false)
}

// DeleteVersion removes a case only if its version is still the given one;
// otherwise casebank.ErrConflict.
func (s *Store) DeleteVersion(ctx context.Context, id string, version uint64) error {
	return s.delete(id, version, true)
}

func (s *Store) delete(id string, version uint64, checkVersion bool) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("delete %s: %w", id, casebank.ErrNotFound)
	}
	if checkVersion && e.c.Version != version {
		return fmt.Errorf("delete %s: version %d, expected %d: %w",
			id, e.c.Version, version, casebank.ErrConflict)
	}
	e.deleted = true
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Scan visits a copy of every matching case. Membership is snapshotted when
// the scan starts; each record is copied under its entry lock at visit
// time, so values are never torn but may postdate the snapshot. Cases
// deleted mid-scan are skipped.
func (s *Store) Scan(ctx context.Context, filter casebank.ScanFilter, fn func(*casebank.Case) bool) error {
	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		if e.deleted || !matches(&e.c, filter) {
			e.mu.Unlock()
			continue
		}
		cp := e.c.Clone()
		e.mu.Unlock()
		if !fn(cp) {
			return nil
		}
	}
	return nil
}

// Count returns the number of stored cases.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, casebank.ErrNotFound)
	}
	return e, nil
}

func matches(c *casebank.Case, f casebank.ScanFilter) bool {
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if !f.CreatedBefore.IsZero() && !c.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.ImportanceBelow > 0 && c.ImportanceScore >= f.ImportanceBelow {
		return false
	}
	return true
}
