package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// PutProposal inserts a standalone local proposal (one not originated by a
// team-scope fact, e.g. from propose_team_rule).
func (s *Store) PutProposal(ctx context.Context, p *knowledge.Proposal) error {
	if p.Rule == "" {
		return knowledge.ErrEmptyRule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO proposals
		(id, rule, category, rationale, source_context, status, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		p.ID, p.Rule, string(p.Category), p.Rationale, p.SourceContext,
		string(p.Status), toUnixNano(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("storing proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a local proposal by its local ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*knowledge.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, rule, category,
		rationale, source_context, status, synced, created_at, decided_at,
		decided_by, decision_reason FROM proposals WHERE id = ?`, id)

	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, knowledge.ErrProposalNotFound
	}
	return p, err
}

// ListUnsyncedProposals returns local proposals not yet pushed to the
// remote, oldest first so the push preserves creation order.
func (s *Store) ListUnsyncedProposals(ctx context.Context) ([]knowledge.Proposal, error) {
	return s.listProposals(ctx, `WHERE synced = 0 ORDER BY created_at ASC`)
}

// ListPendingProposals returns local shadow copies still awaiting a decision.
func (s *Store) ListPendingProposals(ctx context.Context) ([]knowledge.Proposal, error) {
	return s.listProposals(ctx, `WHERE status = 'pending' ORDER BY created_at DESC`)
}

func (s *Store) listProposals(ctx context.Context, clause string) ([]knowledge.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rule, category,
		rationale, source_context, status, synced, created_at, decided_at,
		decided_by, decision_reason FROM proposals `+clause)
	if err != nil {
		return nil, fmt.Errorf("listing proposals: %w", err)
	}
	defer rows.Close()

	var proposals []knowledge.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// MarkProposalSynced records the remote ID returned by a successful push.
// Idempotent: re-marking an already-synced proposal is a no-op.
func (s *Store) MarkProposalSynced(ctx context.Context, localID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET synced = 1, remote_id = ? WHERE id = ?`,
		remoteID, localID)
	if err != nil {
		return fmt.Errorf("marking proposal synced: %w", err)
	}
	return nil
}

// ApplyProposalDecision updates a local shadow copy with a decision pulled
// from the remote. The update is guarded on status = 'pending' so a decision
// is applied exactly once; re-applying is a no-op.
func (s *Store) ApplyProposalDecision(ctx context.Context, localID string, status knowledge.ProposalStatus, decidedBy, reason string, decidedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot apply non-terminal status %q", knowledge.ErrInvalidState, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE proposals
		SET status = ?, decided_by = ?, decision_reason = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), decidedBy, reason, toUnixNano(decidedAt), localID)
	if err != nil {
		return fmt.Errorf("applying proposal decision: %w", err)
	}
	return nil
}

func scanProposal(row rowScanner) (*knowledge.Proposal, error) {
	var p knowledge.Proposal
	var category, status string
	var synced int
	var createdAt int64
	var decidedAt sql.NullInt64

	if err := row.Scan(&p.ID, &p.Rule, &category, &p.Rationale,
		&p.SourceContext, &status, &synced, &createdAt, &decidedAt,
		&p.DecidedBy, &p.DecisionReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning proposal: %w", err)
	}

	p.LocalID = p.ID
	p.Category = knowledge.Category(category)
	p.Status = knowledge.ProposalStatus(status)
	p.Synced = synced != 0
	p.CreatedAt = fromUnixNano(createdAt)
	if decidedAt.Valid {
		t := fromUnixNano(decidedAt.Int64)
		p.DecidedAt = &t
	}
	return &p, nil
}
