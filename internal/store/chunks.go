package store

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// ReplaceChunks replaces all PRD chunks for a project in one transaction.
// Storing a PRD is a whole-document operation, so partial chunk sets from a
// failed write never survive.
func (s *Store) ReplaceChunks(ctx context.Context, projectID string, chunks []knowledge.PRDChunk) error {
	ctx, span := storeTracer.Start(ctx, "Store.ReplaceChunks")
	defer span.End()

	if projectID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM prd_chunks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO prd_chunks
			(id, project_id, section, content, chunk_type, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, projectID, c.Section, c.Content, string(c.ChunkType),
			encodeVector(c.Embedding), toUnixNano(c.CreatedAt)); err != nil {
			return fmt.Errorf("storing chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ListChunks returns all PRD chunks for a project.
func (s *Store) ListChunks(ctx context.Context, projectID string) ([]knowledge.PRDChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, section,
		content, chunk_type, embedding, created_at
		FROM prd_chunks WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []knowledge.PRDChunk
	for rows.Next() {
		var c knowledge.PRDChunk
		var chunkType string
		var embedding []byte
		var createdAt int64

		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Section, &c.Content,
			&chunkType, &embedding, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.ChunkType = knowledge.ChunkType(chunkType)
		c.Embedding = decodeVector(embedding)
		c.CreatedAt = fromUnixNano(createdAt)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
