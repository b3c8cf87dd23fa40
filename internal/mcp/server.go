// Package mcp exposes the knowd tool surface over the Model Context
// Protocol on stdio. Tools delegate to the fact service; the two team tools
// that act on remote proposals go through the sync client.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/facts"
	"github.com/fyrsmithlabs/knowd/internal/syncer"
)

// Server is the MCP server for the knowd daemon.
type Server struct {
	mcp     *mcp.Server
	facts   *facts.Service
	remote  *syncer.Client
	teamID  string
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "knowd").
	Name string

	// Version is the server version (default: "1.0.0").
	Version string

	// TeamID is the configured team, empty when team features are off.
	TeamID string

	// Logger for structured logging.
	Logger *zap.Logger
}

// NewServer creates an MCP server over the given services. remote may be
// nil when no team is configured; vote_proposal then reports the error.
func NewServer(cfg *Config, factsSvc *facts.Service, remote *syncer.Client) (*Server, error) {
	if factsSvc == nil {
		return nil, fmt.Errorf("fact service is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Name == "" {
		cfg.Name = "knowd"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		facts:   factsSvc,
		remote:  remote,
		teamID:  cfg.TeamID,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}

	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
