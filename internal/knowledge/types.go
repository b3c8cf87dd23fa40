// Package knowledge defines the domain model shared by the local daemon and
// the remote knowledge service: facts, proposals, votes, approved knowledge,
// and PRD chunks.
package knowledge

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for knowledge operations.
var (
	ErrTeamDisabled      = errors.New("no team configured")
	ErrForbidden         = errors.New("forbidden")
	ErrProposalClosed    = errors.New("proposal is no longer pending")
	ErrInvalidState      = errors.New("invalid proposal state transition")
	ErrFactNotFound      = errors.New("fact not found")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrKnowledgeNotFound = errors.New("knowledge entry not found")
	ErrMalformedDocument = errors.New("malformed document")
	ErrEmptyText         = errors.New("fact text cannot be empty")
	ErrEmptyRule         = errors.New("proposal rule cannot be empty")
	ErrInvalidCategory   = errors.New("invalid category")
	ErrInvalidScope      = errors.New("scope must be 'local' or 'team'")
	ErrInvalidVote       = errors.New("vote must be 'approve' or 'reject'")
)

// Category classifies a fact or proposal.
type Category string

const (
	CategoryProject       Category = "project"
	CategorySkill         Category = "skill"
	CategoryDecision      Category = "decision"
	CategoryPattern       Category = "pattern"
	CategoryAntiPattern   Category = "anti-pattern"
	CategoryModelSpecific Category = "model-specific"
	CategoryGeneral       Category = "general"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryProject, CategorySkill, CategoryDecision, CategoryPattern,
		CategoryAntiPattern, CategoryModelSpecific, CategoryGeneral:
		return true
	}
	return false
}

// Scope is the visibility tier of a fact.
type Scope string

const (
	// ScopeLocal facts never leave the node.
	ScopeLocal Scope = "local"

	// ScopeTeam facts originate exactly one proposal and are candidates
	// for promotion to team knowledge.
	ScopeTeam Scope = "team"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeLocal || s == ScopeTeam
}

// Fact is a unit of locally known information.
//
// A fact is mutated only by re-embedding; remote sync never rewrites local
// facts. Facts with a nil Embedding were stored despite an embedding failure
// and are excluded from semantic ranking until re-embedded.
type Fact struct {
	// ID is the locally unique fact identifier (UUID).
	ID string `json:"id"`

	// Text is the fact content.
	Text string `json:"text"`

	// Category classifies the fact.
	Category Category `json:"category"`

	// Scope is the visibility tier (local or team).
	Scope Scope `json:"scope"`

	// Model optionally names the AI model this fact applies to.
	Model string `json:"model,omitempty"`

	// Embedding is the fact's vector, nil if embedding failed.
	Embedding []float32 `json:"embedding,omitempty"`

	// SourceContext records where the fact was learned.
	SourceContext string `json:"source_context,omitempty"`

	// KnowledgeID is set on facts merged down from approved team knowledge.
	// Merges are idempotent on this key.
	KnowledgeID string `json:"knowledge_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFact creates a fact with a generated UUID and timestamps.
func NewFact(text string, category Category, scope Scope) (*Fact, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if category == "" {
		category = CategoryGeneral
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if scope == "" {
		scope = ScopeLocal
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	now := time.Now().UTC()
	return &Fact{
		ID:        uuid.New().String(),
		Text:      text,
		Category:  category,
		Scope:     scope,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Validate checks the fact's fields.
func (f *Fact) Validate() error {
	if f.ID == "" {
		return errors.New("fact ID cannot be empty")
	}
	if f.Text == "" {
		return ErrEmptyText
	}
	if !f.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, f.Category)
	}
	if !f.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, f.Scope)
	}
	return nil
}

// ProposalStatus is the review state of a proposal.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
)

// Terminal reports whether the status is a final decision.
func (s ProposalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Proposal is a candidate team rule awaiting review.
//
// Status moves pending->approved or pending->rejected exactly once, by an
// admin, never back. Votes are kept as a per-voter list; tallies are
// computed on read (see Tally).
type Proposal struct {
	// ID is the proposal identifier. On the local side this is the locally
	// generated UUID; on the remote side it is the remote-assigned ID.
	ID string `json:"id"`

	// LocalID is the originating node's proposal ID, carried to the remote
	// as a correlation token so re-pushed proposals are not duplicated.
	LocalID string `json:"local_id,omitempty"`

	Rule          string         `json:"rule"`
	Category      Category       `json:"category"`
	Rationale     string         `json:"rationale,omitempty"`
	SourceContext string         `json:"source_context,omitempty"`
	Status        ProposalStatus `json:"status"`
	Votes         []Vote         `json:"votes,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	DecidedBy      string     `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`

	// Synced tracks whether the local copy has been pushed to the remote.
	// Remote-side proposals always carry Synced=true.
	Synced bool `json:"synced"`
}

// NewProposal creates a pending proposal with a generated UUID.
func NewProposal(rule string, category Category, rationale, sourceContext string) (*Proposal, error) {
	if rule == "" {
		return nil, ErrEmptyRule
	}
	if category == "" {
		category = CategoryGeneral
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	return &Proposal{
		ID:            uuid.New().String(),
		Rule:          rule,
		Category:      category,
		Rationale:     rationale,
		SourceContext: sourceContext,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// VoteChoice is one member's position on a proposal.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
)

// Valid reports whether v is a known vote choice.
func (v VoteChoice) Valid() bool {
	return v == VoteApprove || v == VoteReject
}

// Vote is one member's position on one proposal. Keyed by (ProposalID,
// UserID) with upsert semantics: re-voting overwrites, never appends.
type Vote struct {
	ProposalID string     `json:"proposal_id"`
	UserID     string     `json:"user_id"`
	Choice     VoteChoice `json:"choice"`
	Comment    string     `json:"comment,omitempty"`
	CastAt     time.Time  `json:"cast_at"`
}

// VoteTally is the computed approve/reject count for a proposal.
type VoteTally struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
}

// Tally computes the vote tally from the per-voter list.
func (p *Proposal) Tally() VoteTally {
	var t VoteTally
	for _, v := range p.Votes {
		switch v.Choice {
		case VoteApprove:
			t.Approve++
		case VoteReject:
			t.Reject++
		}
	}
	return t
}

// VoteBy returns the vote cast by userID, or nil if the member has not voted.
func (p *Proposal) VoteBy(userID string) *Vote {
	for i := range p.Votes {
		if p.Votes[i].UserID == userID {
			return &p.Votes[i]
		}
	}
	return nil
}

// Knowledge is an approved, immutable, team-visible fact.
type Knowledge struct {
	ID string `json:"id"`

	// ProposalID is the approving proposal, used as the idempotency key so
	// a retried decision never creates a second entry.
	ProposalID string `json:"proposal_id"`

	Fact          string    `json:"fact"`
	Category      Category  `json:"category"`
	ModelSpecific string    `json:"model_specific,omitempty"`
	ApprovedAt    time.Time `json:"approved_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
}

// ChunkType classifies a PRD chunk for retrieval tie-breaking.
type ChunkType string

const (
	ChunkConstraint  ChunkType = "constraint"
	ChunkCriteria    ChunkType = "criteria"
	ChunkGoal        ChunkType = "goal"
	ChunkDescription ChunkType = "description"
	ChunkList        ChunkType = "list"
)

// Priority returns the tie-break rank of the chunk type; lower sorts first.
// Order: constraint > criteria > goal > description > list.
func (t ChunkType) Priority() int {
	switch t {
	case ChunkConstraint:
		return 0
	case ChunkCriteria:
		return 1
	case ChunkGoal:
		return 2
	case ChunkDescription:
		return 3
	case ChunkList:
		return 4
	default:
		return 5
	}
}

// PRDChunk is a retrievable slice of a requirements document.
type PRDChunk struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Section   string    `json:"section"`
	Content   string    `json:"content"`
	ChunkType ChunkType `json:"chunk_type"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncCursor marks the last successfully completed sync with a team.
// Advanced only after a full pull pass succeeds.
type SyncCursor struct {
	TeamID            string    `json:"team_id"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
}
