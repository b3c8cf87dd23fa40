package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// FactFilter narrows ListFacts results.
type FactFilter struct {
	// Category filters to one category when non-empty.
	Category knowledge.Category

	// Scopes filters to the given scopes. Empty means all.
	Scopes []knowledge.Scope

	// MissingEmbedding selects only facts stored without a vector.
	MissingEmbedding bool
}

// PutFact inserts or replaces a fact.
func (s *Store) PutFact(ctx context.Context, f *knowledge.Fact) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("validating fact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO facts
		(id, text, category, scope, model, embedding, source_context, knowledge_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Text, string(f.Category), string(f.Scope), f.Model,
		encodeVector(f.Embedding), f.SourceContext, f.KnowledgeID,
		toUnixNano(f.CreatedAt), toUnixNano(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storing fact: %w", err)
	}
	return nil
}

// CreateFactWithProposal stores a team-scope fact and its proposal in one
// transaction, preserving the 1:1 invariant between the two.
func (s *Store) CreateFactWithProposal(ctx context.Context, f *knowledge.Fact, p *knowledge.Proposal) error {
	ctx, span := storeTracer.Start(ctx, "Store.CreateFactWithProposal")
	defer span.End()

	if err := f.Validate(); err != nil {
		return fmt.Errorf("validating fact: %w", err)
	}
	if p.Rule == "" {
		return knowledge.ErrEmptyRule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO facts
		(id, text, category, scope, model, embedding, source_context, knowledge_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Text, string(f.Category), string(f.Scope), f.Model,
		encodeVector(f.Embedding), f.SourceContext, f.KnowledgeID,
		toUnixNano(f.CreatedAt), toUnixNano(f.UpdatedAt)); err != nil {
		return fmt.Errorf("storing fact: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO proposals
		(id, fact_id, rule, category, rationale, source_context, status, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.ID, f.ID, p.Rule, string(p.Category), p.Rationale, p.SourceContext,
		string(p.Status), toUnixNano(p.CreatedAt)); err != nil {
		return fmt.Errorf("storing proposal: %w", err)
	}

	return tx.Commit()
}

// GetFact retrieves a fact by ID.
func (s *Store) GetFact(ctx context.Context, id string) (*knowledge.Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, text, category, scope, model,
		embedding, source_context, knowledge_id, created_at, updated_at
		FROM facts WHERE id = ?`, id)

	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, knowledge.ErrFactNotFound
	}
	return f, err
}

// ListFacts returns facts matching the filter, ordered by creation time
// descending. Ranking happens at the recall layer.
func (s *Store) ListFacts(ctx context.Context, filter FactFilter) ([]knowledge.Fact, error) {
	ctx, span := storeTracer.Start(ctx, "Store.ListFacts")
	defer span.End()

	query := `SELECT id, text, category, scope, model, embedding,
		source_context, knowledge_id, created_at, updated_at FROM facts WHERE 1=1`
	var args []any

	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, string(filter.Category))
	}
	if len(filter.Scopes) > 0 {
		placeholders := make([]string, len(filter.Scopes))
		for i, sc := range filter.Scopes {
			placeholders[i] = "?"
			args = append(args, string(sc))
		}
		query += " AND scope IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.MissingEmbedding {
		query += " AND embedding IS NULL"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	var facts []knowledge.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// DeleteFact hard-deletes a fact. Returns true if a row was removed.
// No tombstone is kept: knowledge pulls are additive-only, so a deleted
// local fact cannot be resurrected by sync.
func (s *Store) DeleteFact(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateFactEmbedding sets a fact's vector. Re-embedding is the only
// mutation a stored fact undergoes.
func (s *Store) UpdateFactEmbedding(ctx context.Context, id string, vec []float32, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET embedding = ?, updated_at = ? WHERE id = ?`,
		encodeVector(vec), updatedAt, id)
	if err != nil {
		return fmt.Errorf("updating embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return knowledge.ErrFactNotFound
	}
	return nil
}

// MergeKnowledgeFact merges a pulled knowledge entry into the store as a
// team-scope fact. Idempotent on the knowledge ID: re-merging the same entry
// is a no-op, so repeated sync pulls never duplicate facts.
func (s *Store) MergeKnowledgeFact(ctx context.Context, f *knowledge.Fact) (bool, error) {
	if f.KnowledgeID == "" {
		return false, fmt.Errorf("merge requires a knowledge ID")
	}
	if err := f.Validate(); err != nil {
		return false, fmt.Errorf("validating fact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO facts
		(id, text, category, scope, model, embedding, source_context, knowledge_id, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM facts WHERE knowledge_id = ?)`,
		f.ID, f.Text, string(f.Category), string(f.Scope), f.Model,
		encodeVector(f.Embedding), f.SourceContext, f.KnowledgeID,
		toUnixNano(f.CreatedAt), toUnixNano(f.UpdatedAt), f.KnowledgeID)
	if err != nil {
		return false, fmt.Errorf("merging knowledge fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (*knowledge.Fact, error) {
	var f knowledge.Fact
	var category, scope string
	var embedding []byte
	var createdAt, updatedAt int64

	if err := row.Scan(&f.ID, &f.Text, &category, &scope, &f.Model,
		&embedding, &f.SourceContext, &f.KnowledgeID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning fact: %w", err)
	}

	f.Category = knowledge.Category(category)
	f.Scope = knowledge.Scope(scope)
	f.Embedding = decodeVector(embedding)
	f.CreatedAt = fromUnixNano(createdAt)
	f.UpdatedAt = fromUnixNano(updatedAt)
	return &f, nil
}
