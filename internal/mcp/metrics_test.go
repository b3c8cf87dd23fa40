package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "team disabled", err: knowledge.ErrTeamDisabled, want: "team_disabled"},
		{name: "wrapped team disabled", err: fmt.Errorf("remember: %w", knowledge.ErrTeamDisabled), want: "team_disabled"},
		{name: "proposal closed", err: knowledge.ErrProposalClosed, want: "state_conflict"},
		{name: "invalid state", err: knowledge.ErrInvalidState, want: "state_conflict"},
		{name: "fact not found", err: knowledge.ErrFactNotFound, want: "not_found"},
		{name: "proposal not found", err: knowledge.ErrProposalNotFound, want: "not_found"},
		{name: "forbidden", err: knowledge.ErrForbidden, want: "auth_error"},
		{name: "malformed document", err: knowledge.ErrMalformedDocument, want: "malformed_document"},
		{name: "embedding failure", err: errors.New("embedding backend unavailable"), want: "embedding_error"},
		{name: "timeout", err: errors.New("context deadline exceeded"), want: "timeout"},
		{name: "validation", err: errors.New("query cannot be empty"), want: "validation_error"},
		{name: "unknown", err: errors.New("disk on fire"), want: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeError(tt.err))
		})
	}
}

func TestMetricsNilSafe(t *testing.T) {
	m := NewMetrics(nil)
	ctx := context.Background()

	// instruments come from the global meter; recording must never panic
	m.IncrementActive(ctx, "remember_fact")
	m.RecordInvocation(ctx, "remember_fact", 0, errors.New("boom"))
	m.DecrementActive(ctx, "remember_fact")
}
