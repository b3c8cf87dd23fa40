package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
	"github.com/fyrsmithlabs/knowd/internal/proposals"
)

type testEnv struct {
	server *Server
	secret []byte

	member   string // alice, member of team-a
	admin    string // judy, admin member of team-a
	outsider string // mallory, member of team-b only
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	secret := []byte("test-signing-secret")
	auth, err := NewAuthenticator(secret)
	require.NoError(t, err)

	store := NewTeamStore(zap.NewNop())
	engine, err := proposals.NewEngine(store, zap.NewNop())
	require.NoError(t, err)

	srv, err := NewServer(store, engine, nil, auth, zap.NewNop(), nil)
	require.NoError(t, err)

	return &testEnv{
		server:   srv,
		secret:   secret,
		member:   mintToken(t, secret, memberClaims("alice", false, "team-a")),
		admin:    mintToken(t, secret, memberClaims("judy", true, "team-a")),
		outsider: mintToken(t, secret, memberClaims("mallory", false, "team-b")),
	}
}

// request performs an HTTP round trip against the server and decodes the
// JSON response into out when out is non-nil.
func (e *testEnv) request(t *testing.T, method, path, token string, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.server.Echo().ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthRequiresNoAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTeamRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/teams/team-a/knowledge", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodGet, "/teams/team-a/knowledge", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNonMembersGet403(t *testing.T) {
	env := newTestEnv(t)

	// a real team the caller is not in
	rec := env.request(t, http.MethodGet, "/teams/team-a/knowledge", env.outsider, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// a team that does not exist: still 403, membership is checked first
	// so the route leaks nothing about which teams exist
	rec = env.request(t, http.MethodGet, "/teams/no-such-team/knowledge", env.outsider, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProposalLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// member pushes a proposal
	var created CreateProposalResponse
	rec := env.request(t, http.MethodPost, "/teams/team-a/proposals", env.member, CreateProposalRequest{
		LocalID:  "local-1",
		Rule:     "all public APIs are versioned",
		Category: knowledge.CategoryPattern,
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, created.Created)
	assert.Equal(t, "local-1", created.LocalID)
	assert.Equal(t, knowledge.StatusPending, created.Status)

	// a retried push with the same local ID is deduplicated
	var retried CreateProposalResponse
	rec = env.request(t, http.MethodPost, "/teams/team-a/proposals", env.member, CreateProposalRequest{
		LocalID: "local-1",
		Rule:    "all public APIs are versioned",
	}, &retried)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, retried.Created)
	assert.Equal(t, created.ID, retried.ID)

	votePath := fmt.Sprintf("/teams/team-a/proposals/%s/vote", created.ID)

	// two members vote
	var vote VoteResponse
	rec = env.request(t, http.MethodPost, votePath, env.member, VoteRequest{Choice: knowledge.VoteApprove}, &vote)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, knowledge.VoteTally{Approve: 1}, vote.Tally)

	rec = env.request(t, http.MethodPost, votePath, env.admin, VoteRequest{Choice: knowledge.VoteApprove}, &vote)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, knowledge.VoteTally{Approve: 2}, vote.Tally)

	// re-voting replaces, never appends
	rec = env.request(t, http.MethodPost, votePath, env.member, VoteRequest{Choice: knowledge.VoteReject}, &vote)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, knowledge.VoteTally{Approve: 1, Reject: 1}, vote.Tally)

	decidePath := fmt.Sprintf("/teams/team-a/proposals/%s/decide", created.ID)

	// plain members cannot decide
	rec = env.request(t, http.MethodPost, decidePath, env.member, DecideRequest{Approve: true}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the admin approves; a knowledge entry is promoted
	var decided DecideResponse
	rec = env.request(t, http.MethodPost, decidePath, env.admin, DecideRequest{Approve: true, Reason: "broad support"}, &decided)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, knowledge.StatusApproved, decided.Proposal.Status)
	require.NotNil(t, decided.Knowledge)
	assert.Equal(t, "all public APIs are versioned", decided.Knowledge.Fact)
	assert.Equal(t, created.ID, decided.Knowledge.ProposalID)

	// a conflicting second decision is rejected
	rec = env.request(t, http.MethodPost, decidePath, env.admin, DecideRequest{Approve: false}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// retrying the same outcome is idempotent and returns the same entry
	var retriedDecision DecideResponse
	rec = env.request(t, http.MethodPost, decidePath, env.admin, DecideRequest{Approve: true, Reason: "broad support"}, &retriedDecision)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, retriedDecision.Knowledge)
	assert.Equal(t, decided.Knowledge.ID, retriedDecision.Knowledge.ID)

	// voting on a decided proposal conflicts
	rec = env.request(t, http.MethodPost, votePath, env.member, VoteRequest{Choice: knowledge.VoteApprove}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// the promoted entry is listed for members
	var list ListKnowledgeResponse
	rec = env.request(t, http.MethodGet, "/teams/team-a/knowledge", env.member, nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, decided.Knowledge.ID, list.Entries[0].ID)
}

func TestVoteOnMissingProposal(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodPost, "/teams/team-a/proposals/missing/vote", env.member,
		VoteRequest{Choice: knowledge.VoteApprove}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoteInvalidChoice(t *testing.T) {
	env := newTestEnv(t)

	var created CreateProposalResponse
	rec := env.request(t, http.MethodPost, "/teams/team-a/proposals", env.member,
		CreateProposalRequest{Rule: "a rule"}, &created)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.request(t, http.MethodPost,
		fmt.Sprintf("/teams/team-a/proposals/%s/vote", created.ID), env.member,
		VoteRequest{Choice: knowledge.VoteChoice("maybe")}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListProposalsSinceAndStatus(t *testing.T) {
	env := newTestEnv(t)

	var first CreateProposalResponse
	rec := env.request(t, http.MethodPost, "/teams/team-a/proposals", env.member,
		CreateProposalRequest{Rule: "first rule"}, &first)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.request(t, http.MethodPost,
		fmt.Sprintf("/teams/team-a/proposals/%s/decide", first.ID), env.admin,
		DecideRequest{Approve: false, Reason: "too vague"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var second CreateProposalResponse
	rec = env.request(t, http.MethodPost, "/teams/team-a/proposals", env.member,
		CreateProposalRequest{Rule: "second rule"}, &second)
	require.Equal(t, http.StatusCreated, rec.Code)

	var list ListProposalsResponse
	rec = env.request(t, http.MethodGet, "/teams/team-a/proposals", env.member, nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list.Proposals, 2)

	rec = env.request(t, http.MethodGet, "/teams/team-a/proposals?status=pending", env.member, nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Proposals, 1)
	assert.Equal(t, second.ID, list.Proposals[0].ID)

	rec = env.request(t, http.MethodGet, "/teams/team-a/proposals?since=not-a-time", env.member, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateKnowledgeAdminOnly(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/teams/team-a/knowledge", env.member,
		CreateKnowledgeRequest{Fact: "seeded by a member"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var entry knowledge.Knowledge
	rec = env.request(t, http.MethodPost, "/teams/team-a/knowledge", env.admin,
		CreateKnowledgeRequest{Fact: "releases are cut on Tuesdays"}, &entry)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "judy", entry.CreatedBy)
	assert.Empty(t, entry.ProposalID)
}

func TestSemanticSearchDisabledWithoutIndex(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/teams/team-a/knowledge?q=deploys", env.member, nil, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMemorySync(t *testing.T) {
	env := newTestEnv(t)

	fact := knowledge.Fact{
		ID:        "fact-1",
		Text:      "the staging cluster lives in us-east-1",
		Category:  knowledge.CategoryGeneral,
		Scope:     knowledge.ScopeTeam,
		Embedding: []float32{1, 2, 3},
		CreatedAt: time.Now().UTC(),
	}

	var resp MemorySyncResponse
	rec := env.request(t, http.MethodPost, "/teams/team-a/memory/sync", env.member,
		MemorySyncRequest{Facts: []knowledge.Fact{fact}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Added)
	require.Len(t, resp.Facts, 1)
	assert.Equal(t, "fact-1", resp.Facts[0].ID)
	// vectors stay node-local
	assert.Nil(t, resp.Facts[0].Embedding)
	assert.False(t, resp.ServerTime.IsZero())

	// a re-pushed fact is not counted again
	rec = env.request(t, http.MethodPost, "/teams/team-a/memory/sync", env.member,
		MemorySyncRequest{Facts: []knowledge.Fact{fact}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Added)

	// a cursor past the fact's creation excludes it from the pull
	rec = env.request(t, http.MethodPost, "/teams/team-a/memory/sync", env.member,
		MemorySyncRequest{Since: time.Now().UTC().Add(time.Minute)}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp.Facts)
}

func TestPushAndListMemory(t *testing.T) {
	env := newTestEnv(t)

	var pushed PushMemoryResponse
	rec := env.request(t, http.MethodPost, "/teams/team-a/memory", env.member, PushMemoryRequest{
		Facts: []knowledge.Fact{
			{ID: "f1", Text: "first shared note", CreatedAt: time.Now().UTC()},
			{ID: "", Text: "dropped, no id"},
		},
	}, &pushed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, pushed.Added)

	var list ListMemoryResponse
	rec = env.request(t, http.MethodGet, "/teams/team-a/memory", env.member, nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Facts, 1)
	assert.Equal(t, "f1", list.Facts[0].ID)
}
