package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/knowledge"
	"github.com/fyrsmithlabs/knowd/internal/store"
)

var syncTracer = otel.Tracer("knowd.syncer")

// Report summarizes one reconciliation pass.
type Report struct {
	Pushed       int  `json:"pushed"`
	PushFailed   int  `json:"push_failed"`
	Merged       int  `json:"merged"`
	Decided      int  `json:"decided"`
	MemoryShared int  `json:"memory_shared"`
	MemoryMerged int  `json:"memory_merged"`
	CursorMoved  bool `json:"cursor_moved"`
}

// Reconciler runs the bidirectional sync between the local store and the
// remote knowledge service for one team.
type Reconciler struct {
	store    *store.Store
	client   *Client
	embedder embeddings.Provider
	teamID   string
	logger   *zap.Logger
}

// NewReconciler creates a reconciler. embedder may be nil; merged facts are
// then stored without vectors until the re-embedding sweep picks them up.
func NewReconciler(st *store.Store, client *Client, embedder embeddings.Provider, teamID string, logger *zap.Logger) (*Reconciler, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if teamID == "" {
		return nil, fmt.Errorf("team ID cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    st,
		client:   client,
		embedder: embedder,
		teamID:   teamID,
		logger:   logger,
	}, nil
}

// Sync runs one full pass: push unsynced proposals, pull knowledge, pull
// proposal decisions, share team memory. The cursor advances only when every
// pull succeeded, so a failed pass is replayed in full next time; every
// remote interaction is idempotent, so replays are safe. The returned Report
// is valid even when err is non-nil.
func (r *Reconciler) Sync(ctx context.Context) (*Report, error) {
	ctx, span := syncTracer.Start(ctx, "syncer.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("team_id", r.teamID))

	report := &Report{}

	// Push is independent of the cursor; partial failure never blocks the
	// pull half.
	if err := r.pushProposals(ctx, report); err != nil {
		return report, err
	}

	cursor, err := r.store.GetCursor(ctx, r.teamID)
	if err != nil {
		return report, fmt.Errorf("reading sync cursor: %w", err)
	}
	passStart := time.Now().UTC()

	if err := r.pullKnowledge(ctx, cursor, report); err != nil {
		return report, err
	}
	if err := r.pullDecisions(ctx, cursor, report); err != nil {
		return report, err
	}
	if err := r.shareMemory(ctx, cursor, report); err != nil {
		return report, err
	}

	if err := r.store.SetCursor(ctx, r.teamID, passStart); err != nil {
		return report, fmt.Errorf("advancing sync cursor: %w", err)
	}
	report.CursorMoved = true

	r.logger.Info("sync pass completed",
		zap.String("team_id", r.teamID),
		zap.Int("pushed", report.Pushed),
		zap.Int("push_failed", report.PushFailed),
		zap.Int("merged", report.Merged),
		zap.Int("decided", report.Decided),
		zap.Int("memory_shared", report.MemoryShared),
		zap.Int("memory_merged", report.MemoryMerged),
	)

	return report, nil
}

// pushProposals sends every unsynced local proposal. One bad proposal does
// not block the rest; transport failures abort the pass.
func (r *Reconciler) pushProposals(ctx context.Context, report *Report) error {
	unsynced, err := r.store.ListUnsyncedProposals(ctx)
	if err != nil {
		return fmt.Errorf("listing unsynced proposals: %w", err)
	}

	for i := range unsynced {
		p := &unsynced[i]
		result, err := r.client.PushProposal(ctx, r.teamID, p)
		if err != nil {
			if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("pushing proposal %s: %w", p.ID, err)
			}
			report.PushFailed++
			r.logger.Warn("proposal rejected by remote",
				zap.String("proposal_id", p.ID),
				zap.Error(err))
			continue
		}

		if err := r.store.MarkProposalSynced(ctx, p.ID, result.ID); err != nil {
			return fmt.Errorf("marking proposal %s synced: %w", p.ID, err)
		}
		report.Pushed++
	}
	return nil
}

// pullKnowledge merges knowledge approved after the cursor into the local
// store as team-scope facts. The merge is idempotent on the knowledge ID.
func (r *Reconciler) pullKnowledge(ctx context.Context, cursor time.Time, report *Report) error {
	entries, err := r.client.PullKnowledge(ctx, r.teamID, cursor)
	if err != nil {
		return fmt.Errorf("pulling knowledge: %w", err)
	}

	for _, e := range entries {
		f, err := knowledge.NewFact(e.Fact, e.Category, knowledge.ScopeTeam)
		if err != nil {
			r.logger.Warn("skipping invalid knowledge entry",
				zap.String("knowledge_id", e.ID),
				zap.Error(err))
			continue
		}
		f.KnowledgeID = e.ID
		f.Model = e.ModelSpecific
		f.SourceContext = "team knowledge " + e.ProposalID

		if r.embedder != nil {
			if vec, err := r.embedder.EmbedQuery(ctx, f.Text); err == nil {
				f.Embedding = vec
			} else {
				r.logger.Warn("embedding merged knowledge failed",
					zap.String("knowledge_id", e.ID),
					zap.Error(err))
			}
		}

		merged, err := r.store.MergeKnowledgeFact(ctx, f)
		if err != nil {
			return fmt.Errorf("merging knowledge %s: %w", e.ID, err)
		}
		if merged {
			report.Merged++
		}
	}
	return nil
}

// pullDecisions applies remote proposal decisions to the local shadow
// copies, matched on the correlation token.
func (r *Reconciler) pullDecisions(ctx context.Context, cursor time.Time, report *Report) error {
	remote, err := r.client.PullProposals(ctx, r.teamID, cursor)
	if err != nil {
		return fmt.Errorf("pulling proposals: %w", err)
	}

	for _, p := range remote {
		if !p.Status.Terminal() || p.LocalID == "" || p.DecidedAt == nil {
			continue
		}

		err := r.store.ApplyProposalDecision(ctx, p.LocalID, p.Status, p.DecidedBy, p.DecisionReason, *p.DecidedAt)
		switch {
		case err == nil:
			report.Decided++
		case errors.Is(err, knowledge.ErrProposalNotFound):
			// Decided on another node; nothing to update here.
		case errors.Is(err, knowledge.ErrInvalidState):
			// Already applied in a previous pass.
		default:
			return fmt.Errorf("applying decision for %s: %w", p.LocalID, err)
		}
	}
	return nil
}

// shareMemory pushes the node's own team-scope facts and merges facts other
// nodes shared since the cursor. Facts merged down from approved knowledge
// stay out of the push; they came from the remote in the first place.
func (r *Reconciler) shareMemory(ctx context.Context, cursor time.Time, report *Report) error {
	teamFacts, err := r.store.ListFacts(ctx, store.FactFilter{Scopes: []knowledge.Scope{knowledge.ScopeTeam}})
	if err != nil {
		return fmt.Errorf("listing team facts: %w", err)
	}

	push := make([]knowledge.Fact, 0, len(teamFacts))
	for _, f := range teamFacts {
		if f.KnowledgeID != "" {
			continue
		}
		f.Embedding = nil
		push = append(push, f)
	}

	result, err := r.client.MemorySync(ctx, r.teamID, push, cursor)
	if err != nil {
		return fmt.Errorf("memory sync: %w", err)
	}
	report.MemoryShared = result.Added

	for i := range result.Facts {
		f := result.Facts[i]
		if _, err := r.store.GetFact(ctx, f.ID); err == nil {
			continue
		} else if !errors.Is(err, knowledge.ErrFactNotFound) {
			return fmt.Errorf("checking memory fact %s: %w", f.ID, err)
		}

		f.Scope = knowledge.ScopeTeam
		if r.embedder != nil {
			if vec, err := r.embedder.EmbedQuery(ctx, f.Text); err == nil {
				f.Embedding = vec
			}
		}
		if err := r.store.PutFact(ctx, &f); err != nil {
			return fmt.Errorf("storing memory fact %s: %w", f.ID, err)
		}
		report.MemoryMerged++
	}
	return nil
}
