// Package store implements the embedded local store for knowd.
//
// One SQLite file per project holds the fact, proposal, and PRD chunk tables
// plus the per-team sync cursor. The store is single-writer: every write is
// serialized through one Store instance, while readers run concurrently
// against the latest committed snapshot (WAL mode). The write lock is never
// held across an embedding call or a network round trip.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var storeTracer = otel.Tracer("knowd.store")

// Store is the embedded local store for one project.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	path   string

	// mu serializes writes. Readers go straight to the snapshot.
	mu sync.Mutex
}

// Open opens (or creates) the store file for projectID under dir.
func Open(dir, projectID string, logger *zap.Logger) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	expanded, err := expandPath(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding store path: %w", err)
	}
	if err := os.MkdirAll(expanded, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", expanded, err)
	}

	path := filepath.Join(expanded, projectID+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	s := &Store{db: db, logger: logger, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local store opened",
		zap.String("path", path),
		zap.String("project_id", projectID),
	)

	return s, nil
}

// init applies pragmas and creates the schema.
func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("applying %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id             TEXT PRIMARY KEY,
			text           TEXT NOT NULL,
			category       TEXT NOT NULL,
			scope          TEXT NOT NULL,
			model          TEXT NOT NULL DEFAULT '',
			embedding      BLOB,
			source_context TEXT NOT NULL DEFAULT '',
			knowledge_id   TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_knowledge
			ON facts(knowledge_id) WHERE knowledge_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id              TEXT PRIMARY KEY,
			remote_id       TEXT NOT NULL DEFAULT '',
			fact_id         TEXT NOT NULL DEFAULT '',
			rule            TEXT NOT NULL,
			category        TEXT NOT NULL,
			rationale       TEXT NOT NULL DEFAULT '',
			source_context  TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			synced          INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			decided_at      INTEGER,
			decided_by      TEXT NOT NULL DEFAULT '',
			decision_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_synced ON proposals(synced)`,
		`CREATE TABLE IF NOT EXISTS prd_chunks (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			section    TEXT NOT NULL,
			content    TEXT NOT NULL,
			chunk_type TEXT NOT NULL,
			embedding  BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_project ON prd_chunks(project_id)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			team_id   TEXT PRIMARY KEY,
			last_sync INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("local store closed", zap.String("path", s.path))
	return s.db.Close()
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Stats holds aggregate store counts, logged at daemon startup.
type Stats struct {
	Facts      int            `json:"facts"`
	Proposals  int            `json:"proposals"`
	Chunks     int            `json:"chunks"`
	ByCategory map[string]int `json:"by_category,omitempty"`
	ByScope    map[string]int `json:"by_scope,omitempty"`
}

// Stats returns aggregate counts, with fact breakdowns by category and
// scope.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := Stats{
		ByCategory: make(map[string]int),
		ByScope:    make(map[string]int),
	}
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM facts),
		(SELECT COUNT(*) FROM proposals),
		(SELECT COUNT(*) FROM prd_chunks)`)
	if err := row.Scan(&st.Facts, &st.Proposals, &st.Chunks); err != nil {
		return nil, fmt.Errorf("counting rows: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT category, scope, COUNT(*) FROM facts GROUP BY category, scope`)
	if err != nil {
		return nil, fmt.Errorf("counting facts by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category, scope string
		var n int
		if err := rows.Scan(&category, &scope, &n); err != nil {
			return nil, fmt.Errorf("scanning fact counts: %w", err)
		}
		st.ByCategory[category] += n
		st.ByScope[scope] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fact counts: %w", err)
	}

	return &st, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// encodeVector packs a float32 vector into a little-endian blob.
// A nil vector encodes as nil (stored as SQL NULL).
func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float32 vector.
func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// toUnixNano converts a time to the stored integer form.
func toUnixNano(t time.Time) int64 {
	return t.UnixNano()
}

// fromUnixNano converts a stored integer back to UTC time.
func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
