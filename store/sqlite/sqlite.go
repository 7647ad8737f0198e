// Package sqlite provides a durable CaseStore backed by an embedded SQLite
// database (modernc.org/sqlite, pure Go, no cgo). Vectors are stored as
// little-endian float32 BLOBs; tag and audit lists as JSON. Partial updates
// use optimistic version checks with bounded retry, so concurrent usage
// bumps and maintenance writes never lose updates.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	casebank "github.com/becomeliminal/casebank-go"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS cases (
		case_id             TEXT PRIMARY KEY,
		owner_id            TEXT NOT NULL DEFAULT '',
		kind                TEXT NOT NULL DEFAULT '',
		problem_context     TEXT NOT NULL DEFAULT '',
		context_vector      BLOB,
		solution_payload    BLOB,
		tags                TEXT NOT NULL DEFAULT '[]',
		success_score       REAL NOT NULL DEFAULT 0,
		importance_score    REAL NOT NULL DEFAULT 0,
		usage_count         INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		last_used_at        INTEGER NOT NULL,
		consolidation_group TEXT NOT NULL DEFAULT '',
		absorbed_ids        TEXT NOT NULL DEFAULT '[]',
		version             INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_cases_kind ON cases(kind);
	CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_at);
	CREATE INDEX IF NOT EXISTS idx_cases_importance ON cases(importance_score);
`

const columns = `case_id, owner_id, kind, problem_context, context_vector,
	solution_payload, tags, success_score, importance_score, usage_count,
	created_at, last_used_at, consolidation_group, absorbed_ids, version`

// casRetries bounds the optimistic-update retry loop. Contention on one
// case is short (retrievals and decay), so a handful of attempts suffices.
const casRetries = 5

// Store is a durable, concurrency-safe CaseStore.
type Store struct {
	db         *sql.DB
	dimensions int
}

// Open creates or opens a case database at path. Use ":memory:" for an
// ephemeral database.
func Open(path string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open case db: %w", err)
	}
	// modernc.org/sqlite serializes at the driver level; a single
	// connection avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, dimensions: dimensions}, nil
}

// Put inserts or fully replaces a case by ID.
func (s *Store) Put(ctx context.Context, c *casebank.Case) error {
	if err := c.Validate(s.dimensions); err != nil {
		return err
	}
	tags, _ := json.Marshal(c.Tags)
	absorbed, _ := json.Marshal(c.AbsorbedIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(case_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			kind = excluded.kind,
			problem_context = excluded.problem_context,
			context_vector = excluded.context_vector,
			solution_payload = excluded.solution_payload,
			tags = excluded.tags,
			success_score = excluded.success_score,
			importance_score = excluded.importance_score,
			usage_count = excluded.usage_count,
			created_at = excluded.created_at,
			last_used_at = excluded.last_used_at,
			consolidation_group = excluded.consolidation_group,
			absorbed_ids = excluded.absorbed_ids,
			version = cases.version + 1`,
		c.ID, c.OwnerID, c.Kind, c.ProblemContext, vectorToBytes(c.ContextVector),
		c.SolutionPayload, string(tags), c.SuccessScore, c.ImportanceScore,
		c.UsageCount, c.CreatedAt.UnixNano(), c.LastUsedAt.UnixNano(),
		c.ConsolidationGroup, string(absorbed),
	)
	if err != nil {
		return fmt.Errorf("put case %s: %w", c.ID, err)
	}
	return nil
}

// Get returns the case or casebank.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*casebank.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM cases WHERE case_id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, casebank.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}
	return c, nil
}

// UpdateFields applies mutate via read-mutate-compare-and-swap. A version
// conflict (another writer got in between) is retried from a fresh read up
// to casRetries times.
func (s *Store) UpdateFields(ctx context.Context, id string, mutate func(*casebank.Case)) (*casebank.Case, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := c.Version
		created := c.CreatedAt
		mutate(c)
		// Identity and history are immutable regardless of the mutator.
		c.ID = id
		c.CreatedAt = created
		if err := c.Validate(s.dimensions); err != nil {
			return nil, err
		}
		c.Version = prev + 1

		tags, _ := json.Marshal(c.Tags)
		absorbed, _ := json.Marshal(c.AbsorbedIDs)
		res, err := s.db.ExecContext(ctx, `
			UPDATE cases SET
				owner_id = ?, kind = ?, problem_context = ?,
				solution_payload = ?, tags = ?, success_score = ?,
				importance_score = ?, usage_count = ?, last_used_at = ?,
				consolidation_group = ?, absorbed_ids = ?, version = ?
			WHERE case_id = ? AND version = ?`,
			c.OwnerID, c.Kind, c.ProblemContext, c.SolutionPayload,
			string(tags), c.SuccessScore, c.ImportanceScore, c.UsageCount,
			c.LastUsedAt.UnixNano(), c.ConsolidationGroup, string(absorbed),
			c.Version, id, prev,
		)
		if err != nil {
			return nil, fmt.Errorf("update case %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return c, nil
		}
		// Lost the race; re-read and retry.
	}
	return nil, fmt.Errorf("update case %s: %d attempts: %w", id, casRetries, casebank.ErrConflict)
}

// Delete removes a case unconditionally.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE case_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete case %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %s: %w", id, casebank.ErrNotFound)
	}
	return nil
}

// DeleteVersion removes a case only if its version is unchanged.
func (s *Store) DeleteVersion(ctx context.Context, id string, version uint64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cases WHERE case_id = ? AND version = ?`, id, version)
	if err != nil {
		return fmt.Errorf("delete case %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Distinguish "gone" from "changed".
	var cur uint64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM cases WHERE case_id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("case %s: %w", id, casebank.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete case %s: %w", id, err)
	}
	return fmt.Errorf("delete case %s: version %d, expected %d: %w", id, cur, version, casebank.ErrConflict)
}

// Scan streams matching cases. The result set is a SQLite read snapshot:
// rows reflect the state when the query started.
func (s *Store) Scan(ctx context.Context, filter casebank.ScanFilter, fn func(*casebank.Case) bool) error {
	query := `SELECT ` + columns + ` FROM cases WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore.UnixNano())
	}
	if filter.ImportanceBelow > 0 {
		query += ` AND importance_score < ?`
		args = append(args, filter.ImportanceBelow)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scan cases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return fmt.Errorf("scan cases: %w", err)
		}
		if !fn(c) {
			return nil
		}
	}
	return rows.Err()
}

// Count returns the number of stored cases.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cases: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadVectors streams every (case_id, vector) pair, for rebuilding a
// vector index from a durable store at startup.
func (s *Store) LoadVectors(ctx context.Context, fn func(id string, vector []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT case_id, context_vector FROM cases`)
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("load vectors: %w", err)
		}
		if err := fn(id, bytesToVector(blob)); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*casebank.Case, error) {
	var c casebank.Case
	var vector []byte
	var tagsJSON, absorbedJSON string
	var createdAt, lastUsedAt int64
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Kind, &c.ProblemContext, &vector,
		&c.SolutionPayload, &tagsJSON, &c.SuccessScore, &c.ImportanceScore,
		&c.UsageCount, &createdAt, &lastUsedAt, &c.ConsolidationGroup,
		&absorbedJSON, &c.Version,
	)
	if err != nil {
		return nil, err
	}
	c.ContextVector = bytesToVector(vector)
	c.CreatedAt = time.Unix(0, createdAt)
	c.LastUsedAt = time.Unix(0, lastUsedAt)
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(absorbedJSON), &c.AbsorbedIDs); err != nil {
		return nil, fmt.Errorf("decode absorbed ids: %w", err)
	}
	return &c, nil
}

func vectorToBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
