package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/knowd/internal/facts"
	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

// instrument wraps a tool handler with invocation metrics.
func instrument[In, Out any](s *Server, name string, handler func(ctx context.Context, args In) (*mcp.CallToolResult, Out, error)) func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		result, out, err := handler(ctx, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		return result, out, err
	}
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

type rememberInput struct {
	Fact          string `json:"fact" jsonschema:"required,The fact to remember"`
	Category      string `json:"category,omitempty" jsonschema:"Category: project skill decision pattern anti-pattern model-specific or general"`
	Scope         string `json:"scope,omitempty" jsonschema:"Visibility: local (default) or team"`
	Model         string `json:"model,omitempty" jsonschema:"AI model this fact applies to"`
	SourceContext string `json:"source_context,omitempty" jsonschema:"Where the fact was learned"`
}

type rememberOutput struct {
	ID              string `json:"id" jsonschema:"Fact ID"`
	Stored          bool   `json:"stored" jsonschema:"Whether the fact was stored"`
	ProposalCreated bool   `json:"proposal_created,omitempty" jsonschema:"Whether a team proposal was created"`
	ProposalID      string `json:"proposal_id,omitempty" jsonschema:"Created proposal ID"`
}

type recallInput struct {
	Query       string `json:"query" jsonschema:"required,What to recall"`
	Category    string `json:"category,omitempty" jsonschema:"Filter by category"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 10)"`
	IncludeTeam bool   `json:"include_team,omitempty" jsonschema:"Include team-scope facts"`
}

type recallOutput struct {
	Facts []facts.RecalledFact `json:"facts" jsonschema:"Ranked facts with relevance 0-100"`
	Count int                  `json:"count" jsonschema:"Number of facts returned"`
}

type forgetInput struct {
	FactID string `json:"fact_id" jsonschema:"required,ID of the fact to delete"`
}

type forgetOutput struct {
	Deleted bool `json:"deleted" jsonschema:"Whether a fact was deleted"`
}

type proposeInput struct {
	Rule          string `json:"rule" jsonschema:"required,The team rule to propose"`
	Category      string `json:"category,omitempty" jsonschema:"Category of the rule"`
	Rationale     string `json:"rationale,omitempty" jsonschema:"Why the team should adopt this rule"`
	SourceContext string `json:"source_context,omitempty" jsonschema:"Where the rule came from"`
}

type proposeOutput struct {
	ID     string `json:"id" jsonschema:"Proposal ID"`
	Status string `json:"status" jsonschema:"Proposal status"`
}

type pendingInput struct{}

type pendingOutput struct {
	Proposals []knowledge.Proposal `json:"proposals" jsonschema:"Pending proposals"`
	Count     int                  `json:"count" jsonschema:"Number of proposals"`
}

type voteInput struct {
	ProposalID string `json:"proposal_id" jsonschema:"required,Proposal to vote on"`
	Vote       string `json:"vote" jsonschema:"required,approve or reject"`
	Comment    string `json:"comment,omitempty" jsonschema:"Optional comment stored with the vote"`
}

type voteOutput struct {
	Success      bool                `json:"success" jsonschema:"Whether the vote was accepted"`
	VoteRecorded bool                `json:"vote_recorded" jsonschema:"Whether the vote was recorded"`
	Tally        knowledge.VoteTally `json:"tally" jsonschema:"Current approve/reject tally"`
}

type storePRDInput struct {
	Content   string   `json:"content" jsonschema:"required,The PRD markdown content"`
	ProjectID string   `json:"project_id,omitempty" jsonschema:"Project the PRD belongs to (default: current project)"`
	Sections  []string `json:"sections,omitempty" jsonschema:"Keep only chunks from these sections"`
}

type storePRDOutput struct {
	Stored   bool `json:"stored" jsonschema:"Whether the PRD was stored"`
	Chunks   int  `json:"chunks" jsonschema:"Number of chunks stored"`
	Sections int  `json:"sections" jsonschema:"Number of distinct sections"`
}

type prdContextInput struct {
	TaskDescription string `json:"task_description" jsonschema:"required,The task to assemble context for"`
	MaxTokens       int    `json:"max_tokens,omitempty" jsonschema:"Token budget for the context (default: 2000)"`
}

type prdContextOutput struct {
	Context      string `json:"context" jsonschema:"Assembled PRD context"`
	TopRelevance int    `json:"top_relevance" jsonschema:"Relevance 0-100 of the best chunk"`
	Chunks       int    `json:"chunks" jsonschema:"Number of chunks included"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remember_fact",
		Description: "Store a fact for later recall. Team-scope facts additionally open a proposal for team review.",
	}, instrument(s, "remember_fact", func(ctx context.Context, args rememberInput) (*mcp.CallToolResult, rememberOutput, error) {
		result, err := s.facts.Remember(ctx, facts.RememberRequest{
			Fact:          args.Fact,
			Category:      knowledge.Category(args.Category),
			Scope:         knowledge.Scope(args.Scope),
			Model:         args.Model,
			SourceContext: args.SourceContext,
		})
		if err != nil {
			return nil, rememberOutput{}, err
		}

		out := rememberOutput{
			ID:              result.ID,
			Stored:          result.Stored,
			ProposalCreated: result.ProposalCreated,
			ProposalID:      result.ProposalID,
		}
		return textResult("Fact remembered: %s", out.ID), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recall_facts",
		Description: "Recall stored facts ranked by semantic relevance to a query.",
	}, instrument(s, "recall_facts", func(ctx context.Context, args recallInput) (*mcp.CallToolResult, recallOutput, error) {
		recalled, err := s.facts.Recall(ctx, facts.RecallRequest{
			Query:       args.Query,
			Category:    knowledge.Category(args.Category),
			Limit:       args.Limit,
			IncludeTeam: args.IncludeTeam,
		})
		if err != nil {
			return nil, recallOutput{}, err
		}

		out := recallOutput{Facts: recalled, Count: len(recalled)}
		return textResult("Recalled %d facts", out.Count), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "forget_fact",
		Description: "Permanently delete a stored fact by ID.",
	}, instrument(s, "forget_fact", func(ctx context.Context, args forgetInput) (*mcp.CallToolResult, forgetOutput, error) {
		deleted, err := s.facts.Forget(ctx, args.FactID)
		if err != nil {
			return nil, forgetOutput{}, err
		}

		msg := "Fact not found"
		if deleted {
			msg = "Fact forgotten"
		}
		return textResult("%s", msg), forgetOutput{Deleted: deleted}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "propose_team_rule",
		Description: "Propose a rule for team review. The proposal is pushed to the team service on the next sync.",
	}, instrument(s, "propose_team_rule", func(ctx context.Context, args proposeInput) (*mcp.CallToolResult, proposeOutput, error) {
		p, err := s.facts.ProposeTeamRule(ctx, facts.ProposeRequest{
			Rule:          args.Rule,
			Category:      knowledge.Category(args.Category),
			Rationale:     args.Rationale,
			SourceContext: args.SourceContext,
		})
		if err != nil {
			return nil, proposeOutput{}, err
		}

		out := proposeOutput{ID: p.ID, Status: string(p.Status)}
		return textResult("Proposal created: %s", p.ID), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_pending_proposals",
		Description: "List team rule proposals awaiting a decision.",
	}, instrument(s, "get_pending_proposals", func(ctx context.Context, _ pendingInput) (*mcp.CallToolResult, pendingOutput, error) {
		proposals, err := s.facts.PendingProposals(ctx)
		if err != nil {
			return nil, pendingOutput{}, err
		}

		out := pendingOutput{Proposals: proposals, Count: len(proposals)}
		return textResult("%d pending proposals", out.Count), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "vote_proposal",
		Description: "Cast or change a vote on a team rule proposal.",
	}, instrument(s, "vote_proposal", func(ctx context.Context, args voteInput) (*mcp.CallToolResult, voteOutput, error) {
		if s.remote == nil {
			return nil, voteOutput{}, knowledge.ErrTeamDisabled
		}

		result, err := s.remote.Vote(ctx, s.teamID, args.ProposalID, knowledge.VoteChoice(args.Vote), args.Comment)
		if err != nil {
			return nil, voteOutput{}, err
		}

		out := voteOutput{Success: true, VoteRecorded: true, Tally: result.Tally}
		return textResult("Vote recorded: %s on %s", args.Vote, args.ProposalID), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "store_prd",
		Description: "Chunk and store a product requirements document for task-scoped retrieval.",
	}, instrument(s, "store_prd", func(ctx context.Context, args storePRDInput) (*mcp.CallToolResult, storePRDOutput, error) {
		result, err := s.facts.StorePRD(ctx, args.Content, args.ProjectID, args.Sections)
		if err != nil {
			return nil, storePRDOutput{}, err
		}

		out := storePRDOutput{
			Stored:   result.Stored,
			Chunks:   result.Chunks,
			Sections: result.Sections,
		}
		return textResult("PRD stored: %d chunks across %d sections", out.Chunks, out.Sections), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_prd_context",
		Description: "Assemble a token-budgeted context string from the stored PRD, most relevant chunks first.",
	}, instrument(s, "get_prd_context", func(ctx context.Context, args prdContextInput) (*mcp.CallToolResult, prdContextOutput, error) {
		result, err := s.facts.PRDContext(ctx, args.TaskDescription, args.MaxTokens)
		if err != nil {
			return nil, prdContextOutput{}, err
		}

		out := prdContextOutput{
			Context:      result.Text,
			TopRelevance: result.TopRelevance,
			Chunks:       result.ChunksIncluded,
		}
		return textResult("Context assembled from %d chunks", out.Chunks), out, nil
	}))
}
