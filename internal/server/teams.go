package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// teamState holds one team's service-side data. All access goes through the
// TeamStore mutex.
type teamState struct {
	proposals map[string]*knowledge.Proposal
	byLocalID map[string]string // correlation token -> proposal ID

	entries    []knowledge.Knowledge
	byProposal map[string]int // proposal ID -> index into entries

	memory map[string]knowledge.Fact
}

func newTeamState() *teamState {
	return &teamState{
		proposals:  make(map[string]*knowledge.Proposal),
		byLocalID:  make(map[string]string),
		byProposal: make(map[string]int),
		memory:     make(map[string]knowledge.Fact),
	}
}

// TeamStore is the in-memory multi-tenant backing store of the knowledge
// service. It implements proposals.Store.
type TeamStore struct {
	mu     sync.RWMutex
	teams  map[string]*teamState
	logger *zap.Logger
}

// NewTeamStore creates an empty team store.
func NewTeamStore(logger *zap.Logger) *TeamStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeamStore{
		teams:  make(map[string]*teamState),
		logger: logger,
	}
}

func (ts *TeamStore) team(teamID string) *teamState {
	t, ok := ts.teams[teamID]
	if !ok {
		t = newTeamState()
		ts.teams[teamID] = t
	}
	return t
}

func copyProposal(p *knowledge.Proposal) *knowledge.Proposal {
	cp := *p
	cp.Votes = append([]knowledge.Vote(nil), p.Votes...)
	return &cp
}

// CreateProposal registers a pushed proposal, deduplicating on the
// originating node's LocalID correlation token. Returns the stored proposal
// and whether this call created it.
func (ts *TeamStore) CreateProposal(ctx context.Context, teamID string, p *knowledge.Proposal) (*knowledge.Proposal, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if p.Rule == "" {
		return nil, false, knowledge.ErrEmptyRule
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := ts.team(teamID)
	if p.LocalID != "" {
		if id, ok := t.byLocalID[p.LocalID]; ok {
			return copyProposal(t.proposals[id]), false, nil
		}
	}

	np, err := knowledge.NewProposal(p.Rule, p.Category, p.Rationale, p.SourceContext)
	if err != nil {
		return nil, false, err
	}
	np.LocalID = p.LocalID
	np.CreatedBy = p.CreatedBy
	np.Synced = true

	t.proposals[np.ID] = np
	if np.LocalID != "" {
		t.byLocalID[np.LocalID] = np.ID
	}

	ts.logger.Info("proposal registered",
		zap.String("team_id", teamID),
		zap.String("proposal_id", np.ID),
		zap.String("local_id", np.LocalID),
	)

	return copyProposal(np), true, nil
}

// GetProposal implements proposals.Store.
func (ts *TeamStore) GetProposal(ctx context.Context, teamID, proposalID string) (*knowledge.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	t, ok := ts.teams[teamID]
	if !ok {
		return nil, knowledge.ErrProposalNotFound
	}
	p, ok := t.proposals[proposalID]
	if !ok {
		return nil, knowledge.ErrProposalNotFound
	}
	return copyProposal(p), nil
}

// ListProposals returns a team's proposals, newest first. A non-zero since
// filters to proposals created or decided after it.
func (ts *TeamStore) ListProposals(ctx context.Context, teamID string, since time.Time) ([]knowledge.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	t, ok := ts.teams[teamID]
	if !ok {
		return []knowledge.Proposal{}, nil
	}

	out := make([]knowledge.Proposal, 0, len(t.proposals))
	for _, p := range t.proposals {
		if !since.IsZero() {
			touched := p.CreatedAt
			if p.DecidedAt != nil && p.DecidedAt.After(touched) {
				touched = *p.DecidedAt
			}
			if !touched.After(since) {
				continue
			}
		}
		out = append(out, *copyProposal(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpsertVote implements proposals.Store. Replaces the member's previous vote
// in place; fails once the proposal is decided.
func (ts *TeamStore) UpsertVote(ctx context.Context, teamID string, vote knowledge.Vote) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.teams[teamID]
	if !ok {
		return knowledge.ErrProposalNotFound
	}
	p, ok := t.proposals[vote.ProposalID]
	if !ok {
		return knowledge.ErrProposalNotFound
	}
	if p.Status != knowledge.StatusPending {
		return knowledge.ErrProposalClosed
	}

	for i := range p.Votes {
		if p.Votes[i].UserID == vote.UserID {
			p.Votes[i] = vote
			return nil
		}
	}
	p.Votes = append(p.Votes, vote)
	return nil
}

// Decide implements proposals.Store. Compare-and-swaps status from pending.
func (ts *TeamStore) Decide(ctx context.Context, teamID, proposalID string, status knowledge.ProposalStatus, decidedBy, reason string, decidedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Terminal() {
		return knowledge.ErrInvalidState
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.teams[teamID]
	if !ok {
		return knowledge.ErrProposalNotFound
	}
	p, ok := t.proposals[proposalID]
	if !ok {
		return knowledge.ErrProposalNotFound
	}
	if p.Status != knowledge.StatusPending {
		return knowledge.ErrInvalidState
	}

	p.Status = status
	p.DecidedBy = decidedBy
	p.DecisionReason = reason
	p.DecidedAt = &decidedAt
	return nil
}

// CreateKnowledge implements proposals.Store. Idempotent on ProposalID.
func (ts *TeamStore) CreateKnowledge(ctx context.Context, teamID string, entry *knowledge.Knowledge) (*knowledge.Knowledge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := ts.team(teamID)
	if entry.ProposalID != "" {
		if idx, ok := t.byProposal[entry.ProposalID]; ok {
			existing := t.entries[idx]
			return &existing, nil
		}
	}

	stored := *entry
	t.entries = append(t.entries, stored)
	if stored.ProposalID != "" {
		t.byProposal[stored.ProposalID] = len(t.entries) - 1
	}

	ts.logger.Info("knowledge entry created",
		zap.String("team_id", teamID),
		zap.String("knowledge_id", stored.ID),
		zap.String("proposal_id", stored.ProposalID),
	)

	created := stored
	return &created, nil
}

// ListKnowledge returns a team's knowledge entries approved after since,
// oldest first so clients can replay them in order.
func (ts *TeamStore) ListKnowledge(ctx context.Context, teamID string, since time.Time) ([]knowledge.Knowledge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	t, ok := ts.teams[teamID]
	if !ok {
		return []knowledge.Knowledge{}, nil
	}

	out := make([]knowledge.Knowledge, 0, len(t.entries))
	for _, e := range t.entries {
		if !since.IsZero() && !e.ApprovedAt.After(since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out, nil
}

// PutMemory stores pushed team memory facts, idempotently on fact ID.
// Returns how many facts were new.
func (ts *TeamStore) PutMemory(ctx context.Context, teamID string, facts []knowledge.Fact) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := ts.team(teamID)
	added := 0
	for _, f := range facts {
		if f.ID == "" || f.Text == "" {
			continue
		}
		if _, ok := t.memory[f.ID]; ok {
			continue
		}
		f.Embedding = nil // vectors stay node-local
		t.memory[f.ID] = f
		added++
	}
	return added, nil
}

// ListMemory returns team memory facts created after since, oldest first.
func (ts *TeamStore) ListMemory(ctx context.Context, teamID string, since time.Time) ([]knowledge.Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	t, ok := ts.teams[teamID]
	if !ok {
		return []knowledge.Fact{}, nil
	}

	out := make([]knowledge.Fact, 0, len(t.memory))
	for _, f := range t.memory {
		if !since.IsZero() && !f.CreatedAt.After(since) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
