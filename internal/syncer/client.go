// Package syncer keeps a node's local store reconciled with its team's
// remote knowledge service: unsynced proposals are pushed up, approved
// knowledge and proposal decisions are pulled down, and a per-team timestamp
// cursor marks the last fully completed pass.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// ErrRemoteUnavailable wraps transport-level failures so callers can treat
// them as retryable.
var ErrRemoteUnavailable = errors.New("remote knowledge service unavailable")

// Client is the HTTP client for the remote knowledge service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the service at baseURL, authenticating
// with the given bearer token.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// do runs one authenticated JSON round trip. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return knowledge.ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return knowledge.ErrProposalNotFound
	case resp.StatusCode == http.StatusConflict:
		return knowledge.ErrProposalClosed
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote rejected request: status %d: %s", resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// PushResult is the remote's answer to a pushed proposal.
type PushResult struct {
	ID      string                   `json:"id"`
	LocalID string                   `json:"local_id,omitempty"`
	Status  knowledge.ProposalStatus `json:"status"`
	Created bool                     `json:"created"`
}

// PushProposal registers a local proposal with the remote. The local ID
// rides along as a correlation token, so re-pushing after a lost response
// returns the existing remote copy instead of creating a duplicate.
func (c *Client) PushProposal(ctx context.Context, teamID string, p *knowledge.Proposal) (*PushResult, error) {
	body := map[string]any{
		"local_id":       p.ID,
		"rule":           p.Rule,
		"category":       p.Category,
		"rationale":      p.Rationale,
		"source_context": p.SourceContext,
	}

	var result PushResult
	path := fmt.Sprintf("/teams/%s/proposals", url.PathEscape(teamID))
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PullKnowledge fetches team knowledge approved after since.
func (c *Client) PullKnowledge(ctx context.Context, teamID string, since time.Time) ([]knowledge.Knowledge, error) {
	var result struct {
		Entries []knowledge.Knowledge `json:"entries"`
	}
	path := fmt.Sprintf("/teams/%s/knowledge%s", url.PathEscape(teamID), sinceQuery(since))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// PullProposals fetches team proposals created or decided after since.
func (c *Client) PullProposals(ctx context.Context, teamID string, since time.Time) ([]knowledge.Proposal, error) {
	var result struct {
		Proposals []knowledge.Proposal `json:"proposals"`
	}
	path := fmt.Sprintf("/teams/%s/proposals%s", url.PathEscape(teamID), sinceQuery(since))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Proposals, nil
}

// VoteResult reports the proposal state after a vote.
type VoteResult struct {
	ProposalID string                   `json:"proposal_id"`
	Status     knowledge.ProposalStatus `json:"status"`
	Tally      knowledge.VoteTally      `json:"tally"`
}

// Vote casts or replaces this node's member vote on a remote proposal.
func (c *Client) Vote(ctx context.Context, teamID, proposalID string, choice knowledge.VoteChoice, comment string) (*VoteResult, error) {
	body := map[string]any{
		"choice":  choice,
		"comment": comment,
	}

	var result VoteResult
	path := fmt.Sprintf("/teams/%s/proposals/%s/vote", url.PathEscape(teamID), url.PathEscape(proposalID))
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MemorySyncResult is the pull half of a combined memory round trip.
type MemorySyncResult struct {
	Added      int                   `json:"added"`
	Facts      []knowledge.Fact      `json:"facts"`
	Knowledge  []knowledge.Knowledge `json:"knowledge"`
	Proposals  []knowledge.Proposal  `json:"proposals"`
	ServerTime time.Time             `json:"server_time"`
}

// MemorySync pushes the node's team-scope facts and pulls everything the
// team learned since the cursor, in one round trip.
func (c *Client) MemorySync(ctx context.Context, teamID string, facts []knowledge.Fact, since time.Time) (*MemorySyncResult, error) {
	body := map[string]any{
		"facts": facts,
		"since": since,
	}

	var result MemorySyncResult
	path := fmt.Sprintf("/teams/%s/memory/sync", url.PathEscape(teamID))
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func sinceQuery(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
}
