package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

const defaultSearchLimit = 10

// parseSince reads the optional ?since=RFC3339 query parameter.
func parseSince(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("since")
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
	}
	return ts, nil
}

// KnowledgeHit is one semantic search result over team knowledge.
type KnowledgeHit struct {
	Entry knowledge.Knowledge `json:"entry"`
	Score float64             `json:"score"`
}

// ListKnowledgeResponse is the body for GET /teams/:id/knowledge. Hits is
// populated only for semantic queries (?q=).
type ListKnowledgeResponse struct {
	Entries []knowledge.Knowledge `json:"entries"`
	Hits    []KnowledgeHit        `json:"hits,omitempty"`
}

func (s *Server) handleListKnowledge(c echo.Context) error {
	teamID := c.Param("id")
	ctx := c.Request().Context()

	if query := c.QueryParam("q"); query != "" {
		if s.index == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "semantic search is not enabled")
		}

		limit := defaultSearchLimit
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		if limit <= 0 {
			limit = defaultSearchLimit
		}

		results, err := s.index.Search(ctx, teamID, query, limit)
		if err != nil {
			s.logger.Error("knowledge search failed", zap.String("team_id", teamID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
		}

		entries, err := s.store.ListKnowledge(ctx, teamID, time.Time{})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "listing knowledge failed")
		}
		byID := make(map[string]knowledge.Knowledge, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}

		hits := make([]KnowledgeHit, 0, len(results))
		for _, r := range results {
			if e, ok := byID[r.ID]; ok {
				hits = append(hits, KnowledgeHit{Entry: e, Score: r.Score})
			}
		}
		return c.JSON(http.StatusOK, ListKnowledgeResponse{Entries: []knowledge.Knowledge{}, Hits: hits})
	}

	since, err := parseSince(c)
	if err != nil {
		return err
	}

	entries, err := s.store.ListKnowledge(ctx, teamID, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing knowledge failed")
	}
	return c.JSON(http.StatusOK, ListKnowledgeResponse{Entries: entries})
}

// CreateKnowledgeRequest is the body for POST /teams/:id/knowledge, an
// admin-only direct seed that bypasses the proposal flow.
type CreateKnowledgeRequest struct {
	Fact          string             `json:"fact"`
	Category      knowledge.Category `json:"category"`
	ModelSpecific string             `json:"model_specific,omitempty"`
}

func (s *Server) handleCreateKnowledge(c echo.Context) error {
	teamID := c.Param("id")
	claims, _ := GetClaims(c)

	var req CreateKnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Fact == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "fact field is required")
	}
	if req.Category == "" {
		req.Category = knowledge.CategoryGeneral
	}
	if !req.Category.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid category")
	}

	entry := &knowledge.Knowledge{
		ID:            uuid.New().String(),
		Fact:          req.Fact,
		Category:      req.Category,
		ModelSpecific: req.ModelSpecific,
		ApprovedAt:    time.Now().UTC(),
		CreatedBy:     claims.Subject,
	}

	stored, err := s.store.CreateKnowledge(c.Request().Context(), teamID, entry)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "storing knowledge failed")
	}
	s.indexEntry(c, teamID, stored)

	return c.JSON(http.StatusCreated, stored)
}

// indexEntry adds a knowledge entry to the semantic index used by ?q=
// searches. Best-effort: index failures are logged, never surfaced, since
// the entry is already durably stored.
func (s *Server) indexEntry(c echo.Context, teamID string, entry *knowledge.Knowledge) {
	if s.index == nil || entry == nil {
		return
	}
	err := s.index.Add(c.Request().Context(), teamID, []vectorstore.Document{{
		ID:      entry.ID,
		Content: entry.Fact,
		Metadata: map[string]string{
			"team_id":     teamID,
			"category":    string(entry.Category),
			"proposal_id": entry.ProposalID,
		},
	}})
	if err != nil {
		s.logger.Warn("failed to index knowledge entry",
			zap.String("team_id", teamID),
			zap.String("knowledge_id", entry.ID),
			zap.Error(err),
		)
	}
}

// ListProposalsResponse is the body for GET /teams/:id/proposals.
type ListProposalsResponse struct {
	Proposals []knowledge.Proposal `json:"proposals"`
}

func (s *Server) handleListProposals(c echo.Context) error {
	since, err := parseSince(c)
	if err != nil {
		return err
	}

	proposals, err := s.store.ListProposals(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing proposals failed")
	}

	if status := c.QueryParam("status"); status != "" {
		filtered := proposals[:0]
		for _, p := range proposals {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		proposals = filtered
	}

	return c.JSON(http.StatusOK, ListProposalsResponse{Proposals: proposals})
}

// CreateProposalRequest is the body for POST /teams/:id/proposals. LocalID
// is the pushing node's proposal ID, used as a dedupe key so retried pushes
// never create duplicates.
type CreateProposalRequest struct {
	LocalID       string             `json:"local_id,omitempty"`
	Rule          string             `json:"rule"`
	Category      knowledge.Category `json:"category"`
	Rationale     string             `json:"rationale,omitempty"`
	SourceContext string             `json:"source_context,omitempty"`
}

// CreateProposalResponse echoes the correlation token alongside the
// remote-assigned ID.
type CreateProposalResponse struct {
	ID      string                   `json:"id"`
	LocalID string                   `json:"local_id,omitempty"`
	Status  knowledge.ProposalStatus `json:"status"`
	Created bool                     `json:"created"`
}

func (s *Server) handleCreateProposal(c echo.Context) error {
	teamID := c.Param("id")
	claims, _ := GetClaims(c)

	var req CreateProposalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Rule == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule field is required")
	}

	p := &knowledge.Proposal{
		LocalID:       req.LocalID,
		Rule:          req.Rule,
		Category:      req.Category,
		Rationale:     req.Rationale,
		SourceContext: req.SourceContext,
		CreatedBy:     claims.Subject,
	}

	stored, created, err := s.store.CreateProposal(c.Request().Context(), teamID, p)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyRule) || errors.Is(err, knowledge.ErrInvalidCategory) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "storing proposal failed")
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	return c.JSON(status, CreateProposalResponse{
		ID:      stored.ID,
		LocalID: stored.LocalID,
		Status:  stored.Status,
		Created: created,
	})
}

// VoteRequest is the body for POST /teams/:id/proposals/:pid/vote.
type VoteRequest struct {
	Choice  knowledge.VoteChoice `json:"choice"`
	Comment string               `json:"comment,omitempty"`
}

// VoteResponse reports the proposal state after the vote.
type VoteResponse struct {
	ProposalID string                   `json:"proposal_id"`
	Status     knowledge.ProposalStatus `json:"status"`
	Tally      knowledge.VoteTally      `json:"tally"`
}

func (s *Server) handleVote(c echo.Context) error {
	teamID := c.Param("id")
	proposalID := c.Param("pid")
	claims, _ := GetClaims(c)

	var req VoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p, err := s.engine.CastVote(c.Request().Context(), teamID, proposalID, claims.Subject, req.Choice, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, knowledge.ErrInvalidVote):
			return echo.NewHTTPError(http.StatusBadRequest, "choice must be 'approve' or 'reject'")
		case errors.Is(err, knowledge.ErrProposalNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "proposal not found")
		case errors.Is(err, knowledge.ErrProposalClosed):
			return echo.NewHTTPError(http.StatusConflict, "proposal is no longer pending")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "recording vote failed")
	}

	return c.JSON(http.StatusOK, VoteResponse{
		ProposalID: p.ID,
		Status:     p.Status,
		Tally:      p.Tally(),
	})
}

// DecideRequest is the body for POST /teams/:id/proposals/:pid/decide.
type DecideRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// DecideResponse reports the decided proposal and, on approval, the
// knowledge entry it produced.
type DecideResponse struct {
	Proposal  *knowledge.Proposal  `json:"proposal"`
	Knowledge *knowledge.Knowledge `json:"knowledge,omitempty"`
}

func (s *Server) handleDecide(c echo.Context) error {
	teamID := c.Param("id")
	proposalID := c.Param("pid")
	claims, _ := GetClaims(c)

	var req DecideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p, entry, err := s.engine.Decide(c.Request().Context(), teamID, proposalID, claims.Subject, req.Approve, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, knowledge.ErrProposalNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "proposal not found")
		case errors.Is(err, knowledge.ErrInvalidState):
			return echo.NewHTTPError(http.StatusConflict, "proposal already decided")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "deciding proposal failed")
	}

	if entry != nil {
		s.indexEntry(c, teamID, entry)
	}

	return c.JSON(http.StatusOK, DecideResponse{Proposal: p, Knowledge: entry})
}

// ListMemoryResponse is the body for GET /teams/:id/memory.
type ListMemoryResponse struct {
	Facts []knowledge.Fact `json:"facts"`
}

func (s *Server) handleListMemory(c echo.Context) error {
	since, err := parseSince(c)
	if err != nil {
		return err
	}

	facts, err := s.store.ListMemory(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing memory failed")
	}
	return c.JSON(http.StatusOK, ListMemoryResponse{Facts: facts})
}

// PushMemoryRequest is the body for POST /teams/:id/memory.
type PushMemoryRequest struct {
	Facts []knowledge.Fact `json:"facts"`
}

// PushMemoryResponse reports how many pushed facts were new.
type PushMemoryResponse struct {
	Added int `json:"added"`
}

func (s *Server) handlePushMemory(c echo.Context) error {
	var req PushMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	added, err := s.store.PutMemory(c.Request().Context(), c.Param("id"), req.Facts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "storing memory failed")
	}
	return c.JSON(http.StatusOK, PushMemoryResponse{Added: added})
}

// MemorySyncRequest is the body for POST /teams/:id/memory/sync: one round
// trip that pushes the node's new team facts and pulls everything the team
// learned since the node's cursor.
type MemorySyncRequest struct {
	Facts []knowledge.Fact `json:"facts,omitempty"`
	Since time.Time        `json:"since,omitempty"`
}

// MemorySyncResponse carries the pull half of the round trip. ServerTime is
// the cursor value to persist after a successful merge.
type MemorySyncResponse struct {
	Added      int                   `json:"added"`
	Facts      []knowledge.Fact      `json:"facts"`
	Knowledge  []knowledge.Knowledge `json:"knowledge"`
	Proposals  []knowledge.Proposal  `json:"proposals"`
	ServerTime time.Time             `json:"server_time"`
}

func (s *Server) handleMemorySync(c echo.Context) error {
	teamID := c.Param("id")
	ctx := c.Request().Context()

	var req MemorySyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	now := time.Now().UTC()

	added, err := s.store.PutMemory(ctx, teamID, req.Facts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "storing memory failed")
	}

	facts, err := s.store.ListMemory(ctx, teamID, req.Since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing memory failed")
	}
	entries, err := s.store.ListKnowledge(ctx, teamID, req.Since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing knowledge failed")
	}
	proposals, err := s.store.ListProposals(ctx, teamID, req.Since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing proposals failed")
	}

	return c.JSON(http.StatusOK, MemorySyncResponse{
		Added:      added,
		Facts:      facts,
		Knowledge:  entries,
		Proposals:  proposals,
		ServerTime: now,
	})
}
