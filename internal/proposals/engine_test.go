package proposals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// memStore is a minimal in-memory Store for exercising the engine's state
// machine without a real backend.
type memStore struct {
	proposals map[string]*knowledge.Proposal
	knowledge map[string]*knowledge.Knowledge // keyed by ProposalID
	creates   int

	// failCreates makes the next n CreateKnowledge calls fail, simulating a
	// store outage between the status swap and the knowledge write.
	failCreates int
}

func newMemStore() *memStore {
	return &memStore{
		proposals: make(map[string]*knowledge.Proposal),
		knowledge: make(map[string]*knowledge.Knowledge),
	}
}

func (m *memStore) GetProposal(_ context.Context, _, proposalID string) (*knowledge.Proposal, error) {
	p, ok := m.proposals[proposalID]
	if !ok {
		return nil, knowledge.ErrProposalNotFound
	}
	cp := *p
	cp.Votes = append([]knowledge.Vote(nil), p.Votes...)
	return &cp, nil
}

func (m *memStore) UpsertVote(_ context.Context, _ string, vote knowledge.Vote) error {
	p, ok := m.proposals[vote.ProposalID]
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

func (m *memStore) Decide(_ context.Context, _, proposalID string, status knowledge.ProposalStatus, decidedBy, reason string, decidedAt time.Time) error {
	p, ok := m.proposals[proposalID]
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

func (m *memStore) CreateKnowledge(_ context.Context, _ string, entry *knowledge.Knowledge) (*knowledge.Knowledge, error) {
	if m.failCreates > 0 {
		m.failCreates--
		return nil, errors.New("store unavailable")
	}
	if existing, ok := m.knowledge[entry.ProposalID]; ok {
		return existing, nil
	}
	m.creates++
	m.knowledge[entry.ProposalID] = entry
	return entry, nil
}

func seedProposal(t *testing.T, m *memStore, category knowledge.Category) *knowledge.Proposal {
	t.Helper()
	p, err := knowledge.NewProposal("prefer table-driven tests", category, "keeps cases visible", "")
	require.NoError(t, err)
	m.proposals[p.ID] = p
	return p
}

func TestCastVote(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	got, err := engine.CastVote(ctx, "team-a", p.ID, "alice", knowledge.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, knowledge.VoteTally{Approve: 1}, got.Tally())

	got, err = engine.CastVote(ctx, "team-a", p.ID, "bob", knowledge.VoteReject, "too strict")
	require.NoError(t, err)
	assert.Equal(t, knowledge.VoteTally{Approve: 1, Reject: 1}, got.Tally())
}

func TestCastVoteReplacesPrevious(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	_, err = engine.CastVote(ctx, "team-a", p.ID, "alice", knowledge.VoteApprove, "")
	require.NoError(t, err)

	got, err := engine.CastVote(ctx, "team-a", p.ID, "alice", knowledge.VoteReject, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, knowledge.VoteTally{Reject: 1}, got.Tally())
	require.Len(t, got.Votes, 1)
	assert.Equal(t, "changed my mind", got.Votes[0].Comment)
}

func TestCastVoteValidation(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	_, err = engine.CastVote(ctx, "team-a", p.ID, "alice", knowledge.VoteChoice("maybe"), "")
	require.ErrorIs(t, err, knowledge.ErrInvalidVote)

	_, err = engine.CastVote(ctx, "team-a", p.ID, "", knowledge.VoteApprove, "")
	require.Error(t, err)

	_, err = engine.CastVote(ctx, "team-a", "missing", "alice", knowledge.VoteApprove, "")
	require.ErrorIs(t, err, knowledge.ErrProposalNotFound)
}

func TestCastVoteOnClosedProposal(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)
	_, _, err = engine.Decide(ctx, "team-a", p.ID, "admin", false, "not needed")
	require.NoError(t, err)

	_, err = engine.CastVote(ctx, "team-a", p.ID, "alice", knowledge.VoteApprove, "")
	require.ErrorIs(t, err, knowledge.ErrProposalClosed)
	assert.Empty(t, store.proposals[p.ID].Votes)
}

func TestDecideApprovePromotesKnowledge(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	decided, entry, err := engine.Decide(ctx, "team-a", p.ID, "admin", true, "broad support")
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusApproved, decided.Status)
	assert.Equal(t, "admin", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	require.NotNil(t, entry)
	assert.Equal(t, p.ID, entry.ProposalID)
	assert.Equal(t, p.Rule, entry.Fact)
	assert.Equal(t, p.Category, entry.Category)
	assert.Empty(t, entry.ModelSpecific)
}

func TestDecideRejectCreatesNoKnowledge(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	decided, entry, err := engine.Decide(ctx, "team-a", p.ID, "admin", false, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusRejected, decided.Status)
	assert.Nil(t, entry)
	assert.Zero(t, store.creates)
}

func TestDecideTwiceFails(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	_, _, err = engine.Decide(ctx, "team-a", p.ID, "admin", true, "")
	require.NoError(t, err)

	_, _, err = engine.Decide(ctx, "team-a", p.ID, "admin", false, "reversal")
	require.ErrorIs(t, err, knowledge.ErrInvalidState)
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, knowledge.StatusApproved, store.proposals[p.ID].Status)
}

func TestDecideRetryCompletesPromotion(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	// The status swap lands but the knowledge write does not.
	store.failCreates = 1
	_, _, err = engine.Decide(ctx, "team-a", p.ID, "admin", true, "")
	require.Error(t, err)
	require.Equal(t, knowledge.StatusApproved, store.proposals[p.ID].Status)
	require.Empty(t, store.knowledge)

	// Retrying the same outcome must finish the promotion.
	decided, entry, err := engine.Decide(ctx, "team-a", p.ID, "admin", true, "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, p.ID, entry.ProposalID)
	assert.Equal(t, knowledge.StatusApproved, decided.Status)
	assert.Equal(t, 1, store.creates)

	// A further retry reports the same entry, never a duplicate.
	_, again, err := engine.Decide(ctx, "team-a", p.ID, "admin", true, "")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, 1, store.creates)
}

func TestDecideRetrySameRejection(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p := seedProposal(t, store, knowledge.CategoryPattern)

	_, _, err = engine.Decide(ctx, "team-a", p.ID, "admin", false, "out of scope")
	require.NoError(t, err)

	decided, entry, err := engine.Decide(ctx, "team-a", p.ID, "admin", false, "out of scope")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, knowledge.StatusRejected, decided.Status)
	assert.Equal(t, 0, store.creates)
}

func TestDecideModelSpecificCarriesModel(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := knowledge.NewProposal("avoid long tool descriptions", knowledge.CategoryModelSpecific, "", "gpt-x")
	require.NoError(t, err)
	store.proposals[p.ID] = p

	_, entry, err := engine.Decide(ctx, "team-a", p.ID, "admin", true, "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "gpt-x", entry.ModelSpecific)
}
