// Package facts provides the local fact service: the operation surface
// behind the knowd tools. It orchestrates the embedded store, the embedding
// pool, and the recall ranker for one project.
package facts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/knowledge"
	"github.com/fyrsmithlabs/knowd/internal/prd"
	"github.com/fyrsmithlabs/knowd/internal/recall"
	"github.com/fyrsmithlabs/knowd/internal/store"
)

var factsTracer = otel.Tracer("knowd.facts")

const (
	// DefaultRecallLimit caps recall results when the caller gives none.
	DefaultRecallLimit = 10

	// DefaultContextTokens is the PRD context budget when the caller
	// gives none.
	DefaultContextTokens = 2000
)

// TeamSettings carries the team configuration injected at construction.
// Nothing consults a global; two services with different teams can share a
// process.
type TeamSettings struct {
	Enabled bool
	ID      string

	// UserID identifies this node's member for CreatedBy attribution.
	UserID string
}

// Service is the local fact service for one project.
type Service struct {
	store     *store.Store
	embedder  embeddings.Provider
	ranker    recall.Ranker
	team      TeamSettings
	projectID string
	logger    *zap.Logger
}

// NewService creates a fact service.
func NewService(st *store.Store, embedder embeddings.Provider, ranker recall.Ranker, team TeamSettings, projectID string, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if ranker == nil {
		ranker = recall.NewLinearRanker()
	}
	if projectID == "" {
		return nil, fmt.Errorf("project ID cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:     st,
		embedder:  embedder,
		ranker:    ranker,
		team:      team,
		projectID: projectID,
		logger:    logger,
	}, nil
}

// RememberRequest is the input to Remember.
type RememberRequest struct {
	Fact          string
	Category      knowledge.Category
	Scope         knowledge.Scope
	Model         string
	SourceContext string
}

// RememberResult reports a stored fact.
type RememberResult struct {
	ID              string `json:"id"`
	Stored          bool   `json:"stored"`
	ProposalCreated bool   `json:"proposal_created,omitempty"`
	ProposalID      string `json:"proposal_id,omitempty"`
}

// Remember stores a fact. Embedding is best-effort: on failure the fact is
// stored without a vector and excluded from semantic ranking until
// re-embedded. A team-scope fact atomically originates exactly one proposal;
// without a configured team, team scope fails with knowledge.ErrTeamDisabled.
func (s *Service) Remember(ctx context.Context, req RememberRequest) (*RememberResult, error) {
	ctx, span := factsTracer.Start(ctx, "facts.Remember")
	defer span.End()

	f, err := knowledge.NewFact(req.Fact, req.Category, req.Scope)
	if err != nil {
		return nil, err
	}
	f.Model = req.Model
	f.SourceContext = req.SourceContext

	if f.Scope == knowledge.ScopeTeam && !s.team.Enabled {
		return nil, knowledge.ErrTeamDisabled
	}

	// Embed outside any store lock.
	vec, err := s.embedder.EmbedQuery(ctx, f.Text)
	if err != nil {
		s.logger.Warn("embedding failed, storing fact without vector",
			zap.String("fact_id", f.ID),
			zap.Error(err))
	} else {
		f.Embedding = vec
	}

	result := &RememberResult{ID: f.ID, Stored: true}

	if f.Scope == knowledge.ScopeTeam {
		p, err := knowledge.NewProposal(f.Text, f.Category, "", f.SourceContext)
		if err != nil {
			return nil, err
		}
		p.CreatedBy = s.team.UserID
		if err := s.store.CreateFactWithProposal(ctx, f, p); err != nil {
			return nil, err
		}
		result.ProposalCreated = true
		result.ProposalID = p.ID
	} else {
		if err := s.store.PutFact(ctx, f); err != nil {
			return nil, err
		}
	}

	s.logger.Info("fact remembered",
		zap.String("fact_id", f.ID),
		zap.String("category", string(f.Category)),
		zap.String("scope", string(f.Scope)),
		zap.Bool("embedded", f.Embedding != nil),
		zap.Bool("proposal_created", result.ProposalCreated),
	)

	return result, nil
}

// RecallRequest is the input to Recall.
type RecallRequest struct {
	Query       string
	Category    knowledge.Category
	Limit       int
	IncludeTeam bool
}

// RecalledFact is one recall result.
type RecalledFact struct {
	ID        string             `json:"id"`
	Fact      string             `json:"fact"`
	Category  knowledge.Category `json:"category"`
	Scope     knowledge.Scope    `json:"scope"`
	Model     string             `json:"model,omitempty"`
	Relevance int                `json:"relevance"`
	CreatedAt time.Time          `json:"created_at"`
}

// Recall ranks stored facts by semantic similarity to the query. Facts
// stored without a vector score 0 and sort last. If the query itself cannot
// be embedded, recall degrades to recency order with relevance 0 rather than
// failing the lookup.
func (s *Service) Recall(ctx context.Context, req RecallRequest) ([]RecalledFact, error) {
	ctx, span := factsTracer.Start(ctx, "facts.Recall")
	defer span.End()

	if req.Query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	scopes := []knowledge.Scope{knowledge.ScopeLocal}
	if req.IncludeTeam {
		scopes = append(scopes, knowledge.ScopeTeam)
	}

	stored, err := s.store.ListFacts(ctx, store.FactFilter{
		Category: req.Category,
		Scopes:   scopes,
	})
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return []RecalledFact{}, nil
	}

	queryVec, err := s.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		s.logger.Warn("query embedding failed, falling back to recency order",
			zap.Error(err))
		queryVec = nil
	}

	byID := make(map[string]*knowledge.Fact, len(stored))
	candidates := make([]recall.Candidate, 0, len(stored))
	for i := range stored {
		f := &stored[i]
		byID[f.ID] = f
		candidates = append(candidates, recall.Candidate{
			ID:        f.ID,
			Embedding: f.Embedding,
			CreatedAt: f.CreatedAt,
		})
	}

	ranked := s.ranker.Rank(queryVec, candidates, limit)

	results := make([]RecalledFact, 0, len(ranked))
	for _, r := range ranked {
		f := byID[r.ID]
		results = append(results, RecalledFact{
			ID:        f.ID,
			Fact:      f.Text,
			Category:  f.Category,
			Scope:     f.Scope,
			Model:     f.Model,
			Relevance: r.Relevance(),
			CreatedAt: f.CreatedAt,
		})
	}

	s.logger.Debug("facts recalled",
		zap.String("query", req.Query),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Forget hard-deletes a fact. Reports whether a fact was removed.
func (s *Service) Forget(ctx context.Context, factID string) (bool, error) {
	if factID == "" {
		return false, fmt.Errorf("fact ID cannot be empty")
	}

	deleted, err := s.store.DeleteFact(ctx, factID)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("fact forgotten", zap.String("fact_id", factID))
	}
	return deleted, nil
}

// ProposeRequest is the input to ProposeTeamRule.
type ProposeRequest struct {
	Rule          string
	Category      knowledge.Category
	Rationale     string
	SourceContext string
}

// ProposeTeamRule creates a pending local proposal for the next sync push.
// Fails with knowledge.ErrTeamDisabled when no team is configured.
func (s *Service) ProposeTeamRule(ctx context.Context, req ProposeRequest) (*knowledge.Proposal, error) {
	if !s.team.Enabled {
		return nil, knowledge.ErrTeamDisabled
	}

	p, err := knowledge.NewProposal(req.Rule, req.Category, req.Rationale, req.SourceContext)
	if err != nil {
		return nil, err
	}
	p.CreatedBy = s.team.UserID

	if err := s.store.PutProposal(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("team rule proposed",
		zap.String("proposal_id", p.ID),
		zap.String("category", string(p.Category)),
	)

	return p, nil
}

// PendingProposals lists local proposals awaiting a decision.
func (s *Service) PendingProposals(ctx context.Context) ([]knowledge.Proposal, error) {
	return s.store.ListPendingProposals(ctx)
}

// StorePRDResult reports a stored PRD.
type StorePRDResult struct {
	Stored   bool `json:"stored"`
	Chunks   int  `json:"chunks"`
	Sections int  `json:"sections"`
}

// StorePRD chunks a requirements document and stores the chunks for
// retrieval, replacing any previous PRD for the project. When sections is
// non-empty, only chunks from the named sections are kept. Chunk embedding
// is best-effort: on failure the chunks are stored without vectors.
func (s *Service) StorePRD(ctx context.Context, content, projectID string, sections []string) (*StorePRDResult, error) {
	ctx, span := factsTracer.Start(ctx, "facts.StorePRD")
	defer span.End()

	if projectID == "" {
		projectID = s.projectID
	}

	chunks, err := prd.Chunk(content, projectID)
	if err != nil {
		return nil, err
	}

	if len(sections) > 0 {
		wanted := make(map[string]bool, len(sections))
		for _, sec := range sections {
			wanted[sec] = true
		}
		filtered := chunks[:0]
		for _, c := range chunks {
			if wanted[c.Section] {
				filtered = append(filtered, c)
			}
		}
		chunks = filtered
		if len(chunks) == 0 {
			return nil, fmt.Errorf("%w: no chunks in requested sections", knowledge.ErrMalformedDocument)
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		s.logger.Warn("chunk embedding failed, storing chunks without vectors",
			zap.Int("chunks", len(chunks)),
			zap.Error(err))
	} else {
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
	}

	if err := s.store.ReplaceChunks(ctx, projectID, chunks); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, c := range chunks {
		seen[c.Section] = true
	}

	s.logger.Info("prd stored",
		zap.String("project_id", projectID),
		zap.Int("chunks", len(chunks)),
		zap.Int("sections", len(seen)),
	)

	return &StorePRDResult{Stored: true, Chunks: len(chunks), Sections: len(seen)}, nil
}

// PRDContext assembles a token-budgeted context string for a task.
func (s *Service) PRDContext(ctx context.Context, taskDescription string, maxTokens int) (*prd.Context, error) {
	ctx, span := factsTracer.Start(ctx, "facts.PRDContext")
	defer span.End()

	if taskDescription == "" {
		return nil, fmt.Errorf("task description cannot be empty")
	}
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}

	chunks, err := s.store.ListChunks(ctx, s.projectID)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if len(chunks) > 0 {
		queryVec, err = s.embedder.EmbedQuery(ctx, taskDescription)
		if err != nil {
			s.logger.Warn("task embedding failed, assembling by chunk priority only",
				zap.Error(err))
			queryVec = nil
		}
	}

	result := prd.AssembleContext(queryVec, chunks, maxTokens)
	return &result, nil
}

// ReembedMissing retries embedding for facts stored without a vector, e.g.
// after an embedding outage. Returns how many facts were re-embedded.
func (s *Service) ReembedMissing(ctx context.Context) (int, error) {
	missing, err := s.store.ListFacts(ctx, store.FactFilter{MissingEmbedding: true})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range missing {
		vec, err := s.embedder.EmbedQuery(ctx, f.Text)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return count, err
			}
			continue
		}
		if err := s.store.UpdateFactEmbedding(ctx, f.ID, vec, time.Now().UTC().UnixNano()); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		s.logger.Info("re-embedded facts", zap.Int("count", count))
	}
	return count, nil
}
