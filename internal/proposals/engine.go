// Package proposals implements the review state machine for team rule
// proposals: member voting while pending, a single admin decision, and the
// promotion of approved rules to immutable knowledge entries.
package proposals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// Store is the persistence surface the engine drives. Implementations must
// make UpsertVote and Decide atomic conditional updates: UpsertVote replaces
// a member's previous vote in a single operation and only while the proposal
// is pending; Decide compare-and-swaps status from pending exactly once.
type Store interface {
	// GetProposal returns a proposal or knowledge.ErrProposalNotFound.
	GetProposal(ctx context.Context, teamID, proposalID string) (*knowledge.Proposal, error)

	// UpsertVote records or replaces the member's vote while the proposal
	// is pending. Returns knowledge.ErrProposalClosed once it is not.
	UpsertVote(ctx context.Context, teamID string, vote knowledge.Vote) error

	// Decide transitions the proposal out of pending. Returns
	// knowledge.ErrInvalidState if the proposal was already decided.
	Decide(ctx context.Context, teamID, proposalID string, status knowledge.ProposalStatus, decidedBy, reason string, decidedAt time.Time) error

	// CreateKnowledge stores a knowledge entry keyed idempotently on its
	// ProposalID: if an entry for the proposal already exists, the existing
	// entry is returned and no duplicate is written.
	CreateKnowledge(ctx context.Context, teamID string, entry *knowledge.Knowledge) (*knowledge.Knowledge, error)
}

// Engine applies the proposal state machine on top of a Store.
type Engine struct {
	store  Store
	logger *zap.Logger
}

// NewEngine creates a proposal engine.
func NewEngine(store Store, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}, nil
}

// CastVote records userID's position on a proposal. Re-voting replaces the
// member's previous vote; a member never holds more than one vote. Voting on
// a decided proposal fails with knowledge.ErrProposalClosed and has no side
// effects.
func (e *Engine) CastVote(ctx context.Context, teamID, proposalID, userID string, choice knowledge.VoteChoice, comment string) (*knowledge.Proposal, error) {
	if !choice.Valid() {
		return nil, fmt.Errorf("%w: %q", knowledge.ErrInvalidVote, choice)
	}
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}

	vote := knowledge.Vote{
		ProposalID: proposalID,
		UserID:     userID,
		Choice:     choice,
		Comment:    comment,
		CastAt:     time.Now().UTC(),
	}

	if err := e.store.UpsertVote(ctx, teamID, vote); err != nil {
		return nil, err
	}

	p, err := e.store.GetProposal(ctx, teamID, proposalID)
	if err != nil {
		return nil, err
	}

	tally := p.Tally()
	e.logger.Info("vote recorded",
		zap.String("team_id", teamID),
		zap.String("proposal_id", proposalID),
		zap.String("user_id", userID),
		zap.String("choice", string(choice)),
		zap.Int("approve", tally.Approve),
		zap.Int("reject", tally.Reject),
	)

	return p, nil
}

// Decide moves a pending proposal to approved or rejected, exactly once.
// On approval exactly one knowledge entry is created; the call is safe to
// retry: repeating a decision with the same outcome succeeds and reports the
// existing knowledge entry, so a retry after a partial failure (status swapped
// but the entry not yet written) completes the promotion instead of losing it.
// Deciding with a conflicting outcome fails with knowledge.ErrInvalidState
// and has no side effects.
func (e *Engine) Decide(ctx context.Context, teamID, proposalID, adminID string, approve bool, reason string) (*knowledge.Proposal, *knowledge.Knowledge, error) {
	status := knowledge.StatusRejected
	if approve {
		status = knowledge.StatusApproved
	}

	now := time.Now().UTC()
	if err := e.store.Decide(ctx, teamID, proposalID, status, adminID, reason, now); err != nil {
		if !errors.Is(err, knowledge.ErrInvalidState) {
			return nil, nil, err
		}
		// Already decided. A retry with the matching outcome falls through
		// so the knowledge write below can complete; a conflicting outcome
		// keeps the error.
		p, getErr := e.store.GetProposal(ctx, teamID, proposalID)
		if getErr != nil {
			return nil, nil, getErr
		}
		if p.Status != status {
			return nil, nil, err
		}
		if p.DecidedAt != nil {
			now = *p.DecidedAt
		}
	}

	p, err := e.store.GetProposal(ctx, teamID, proposalID)
	if err != nil {
		return nil, nil, err
	}

	var entry *knowledge.Knowledge
	if status == knowledge.StatusApproved {
		candidate := &knowledge.Knowledge{
			ID:         uuid.New().String(),
			ProposalID: proposalID,
			Fact:       p.Rule,
			Category:   p.Category,
			ApprovedAt: now,
			CreatedBy:  p.CreatedBy,
		}
		if p.Category == knowledge.CategoryModelSpecific {
			candidate.ModelSpecific = p.SourceContext
		}

		entry, err = e.store.CreateKnowledge(ctx, teamID, candidate)
		if err != nil {
			return nil, nil, fmt.Errorf("promoting proposal to knowledge: %w", err)
		}
	}

	e.logger.Info("proposal decided",
		zap.String("team_id", teamID),
		zap.String("proposal_id", proposalID),
		zap.String("status", string(status)),
		zap.String("decided_by", adminID),
	)

	return p, entry, nil
}
