package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
	"github.com/fyrsmithlabs/knowd/internal/proposals"
	"github.com/fyrsmithlabs/knowd/internal/server"
	"github.com/fyrsmithlabs/knowd/internal/store"
)

const testTeam = "team-a"

// remoteEnv is a real knowledge service running on a loopback listener,
// plus a local store and a reconciler pointed at it.
type remoteEnv struct {
	local     *store.Store
	teamStore *server.TeamStore
	engine    *proposals.Engine
	rec       *Reconciler
	httpSrv   *httptest.Server
}

func newRemoteEnv(t *testing.T) *remoteEnv {
	t.Helper()

	secret := []byte("test-signing-secret")
	auth, err := server.NewAuthenticator(secret)
	require.NoError(t, err)

	teamStore := server.NewTeamStore(zap.NewNop())
	engine, err := proposals.NewEngine(teamStore, zap.NewNop())
	require.NoError(t, err)

	srv, err := server.NewServer(teamStore, engine, nil, auth, zap.NewNop(), nil)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Echo())
	t.Cleanup(httpSrv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &server.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Teams: []string{testTeam},
	}).SignedString(secret)
	require.NoError(t, err)

	local, err := store.Open(t.TempDir(), "testproj", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	client, err := NewClient(httpSrv.URL, token, time.Second, zap.NewNop())
	require.NoError(t, err)

	rec, err := NewReconciler(local, client, nil, testTeam, zap.NewNop())
	require.NoError(t, err)

	return &remoteEnv{
		local:     local,
		teamStore: teamStore,
		engine:    engine,
		rec:       rec,
		httpSrv:   httpSrv,
	}
}

func TestSyncPushesUnsyncedProposals(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()

	p, err := knowledge.NewProposal("migrations run in CI only", knowledge.CategoryPattern, "", "")
	require.NoError(t, err)
	require.NoError(t, env.local.PutProposal(ctx, p))

	report, err := env.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.PushFailed)
	assert.True(t, report.CursorMoved)

	remote, err := env.teamStore.ListProposals(ctx, testTeam, time.Time{})
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, p.ID, remote[0].LocalID)

	unsynced, err := env.local.ListUnsyncedProposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	firstCursor, err := env.local.GetCursor(ctx, testTeam)
	require.NoError(t, err)
	require.False(t, firstCursor.IsZero())

	// a second pass re-pushes nothing, but the cursor watermark still
	// advances so the pull window never grows
	report, err = env.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pushed)
	assert.True(t, report.CursorMoved)

	secondCursor, err := env.local.GetCursor(ctx, testTeam)
	require.NoError(t, err)
	assert.False(t, secondCursor.Before(firstCursor))
}

func TestSyncAppliesRemoteDecision(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()

	p, err := knowledge.NewProposal("error wrapping uses %w", knowledge.CategoryPattern, "", "")
	require.NoError(t, err)
	require.NoError(t, env.local.PutProposal(ctx, p))

	_, err = env.rec.Sync(ctx)
	require.NoError(t, err)

	// an admin approves on the remote between passes
	remote, err := env.teamStore.ListProposals(ctx, testTeam, time.Time{})
	require.NoError(t, err)
	require.Len(t, remote, 1)
	_, entry, err := env.engine.Decide(ctx, testTeam, remote[0].ID, "judy", true, "agreed")
	require.NoError(t, err)
	require.NotNil(t, entry)

	report, err := env.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Decided)
	assert.Equal(t, 1, report.Merged)

	// the local shadow copy reflects the decision
	local, err := env.local.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusApproved, local.Status)
	assert.Equal(t, "judy", local.DecidedBy)

	// the approved rule arrived as a team-scope fact
	facts, err := env.local.ListFacts(ctx, store.FactFilter{Scopes: []knowledge.Scope{knowledge.ScopeTeam}})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "error wrapping uses %w", facts[0].Text)
	assert.Equal(t, entry.ID, facts[0].KnowledgeID)

	// replaying the pass merges nothing twice
	report, err = env.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Merged)
	assert.Zero(t, report.Decided)
	facts, err = env.local.ListFacts(ctx, store.FactFilter{Scopes: []knowledge.Scope{knowledge.ScopeTeam}})
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestSyncSharesTeamMemory(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()

	// this node holds a team-scope fact of its own
	mine, err := knowledge.NewFact("the payments queue is drained nightly", knowledge.CategoryGeneral, knowledge.ScopeTeam)
	require.NoError(t, err)
	mine.Embedding = []float32{1, 2}
	require.NoError(t, env.local.PutFact(ctx, mine))

	// another node already shared a fact with the team
	theirs, err := knowledge.NewFact("staging resets every sunday", knowledge.CategoryGeneral, knowledge.ScopeTeam)
	require.NoError(t, err)
	_, err = env.teamStore.PutMemory(ctx, testTeam, []knowledge.Fact{*theirs})
	require.NoError(t, err)

	report, err := env.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MemoryShared)
	assert.Equal(t, 1, report.MemoryMerged)

	// their fact landed locally, without a vector
	got, err := env.local.GetFact(ctx, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, knowledge.ScopeTeam, got.Scope)
	assert.Nil(t, got.Embedding)

	// our fact landed remotely, with the vector stripped
	memory, err := env.teamStore.ListMemory(ctx, testTeam, time.Time{})
	require.NoError(t, err)
	require.Len(t, memory, 2)
	for _, f := range memory {
		assert.Nil(t, f.Embedding)
	}

	// the next pass has nothing new to move
	report, err = env.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.MemoryShared)
	assert.Zero(t, report.MemoryMerged)
}

func TestSyncCursorAdvancesOnlyOnSuccess(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()

	_, err := env.rec.Sync(ctx)
	require.NoError(t, err)

	first, err := env.local.GetCursor(ctx, testTeam)
	require.NoError(t, err)
	require.False(t, first.IsZero())

	// remote goes away mid-flight; the pass fails and the cursor stays put
	env.httpSrv.Close()

	report, err := env.rec.Sync(ctx)
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.False(t, report.CursorMoved)

	after, err := env.local.GetCursor(ctx, testTeam)
	require.NoError(t, err)
	assert.True(t, first.Equal(after))
}

func TestSyncRemoteServerError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	local, err := store.Open(t.TempDir(), "testproj", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	client, err := NewClient(failing.URL, "token", time.Second, zap.NewNop())
	require.NoError(t, err)
	rec, err := NewReconciler(local, client, nil, testTeam, zap.NewNop())
	require.NoError(t, err)

	_, err = rec.Sync(context.Background())
	require.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestClientMapsAuthFailures(t *testing.T) {
	env := newRemoteEnv(t)

	client, err := NewClient(env.httpSrv.URL, "not-a-valid-token", time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = client.PullKnowledge(context.Background(), testTeam, time.Time{})
	require.ErrorIs(t, err, knowledge.ErrForbidden)
}

func TestClientVote(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()

	p, err := knowledge.NewProposal("log lines carry a request id", knowledge.CategoryPattern, "", "")
	require.NoError(t, err)
	require.NoError(t, env.local.PutProposal(ctx, p))
	_, err = env.rec.Sync(ctx)
	require.NoError(t, err)

	remote, err := env.teamStore.ListProposals(ctx, testTeam, time.Time{})
	require.NoError(t, err)
	require.Len(t, remote, 1)

	result, err := env.rec.client.Vote(ctx, testTeam, remote[0].ID, knowledge.VoteApprove, "works for me")
	require.NoError(t, err)
	assert.Equal(t, knowledge.VoteTally{Approve: 1}, result.Tally)

	_, err = env.rec.client.Vote(ctx, testTeam, "missing", knowledge.VoteApprove, "")
	require.ErrorIs(t, err, knowledge.ErrProposalNotFound)
}
