// Package server implements the remote knowledge service: a multi-tenant
// HTTP API that receives proposals pushed from team members' nodes, runs the
// voting and decision flow, and serves approved knowledge and shared memory
// back down during sync.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/proposals"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

// Config holds knowledge service configuration.
type Config struct {
	Host string
	Port int
}

// Server is the knowledge service HTTP server.
type Server struct {
	echo    *echo.Echo
	store   *TeamStore
	engine  *proposals.Engine
	index   *vectorstore.Index
	auth    *Authenticator
	logger  *zap.Logger
	config  *Config
	started time.Time
}

// NewServer creates the knowledge service. index may be nil, in which case
// semantic knowledge search is unavailable and ?q= queries fail.
func NewServer(store *TeamStore, engine *proposals.Engine, index *vectorstore.Index, auth *Authenticator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8750}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewMetrics(logger).Middleware())

	s := &Server{
		echo:    e,
		store:   store,
		engine:  engine,
		index:   index,
		auth:    auth,
		logger:  logger,
		config:  cfg,
		started: time.Now(),
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	teams := s.echo.Group("/teams/:id", s.auth.Middleware(), requireMembership)
	teams.GET("/knowledge", s.handleListKnowledge)
	teams.POST("/knowledge", s.handleCreateKnowledge, requireAdmin)
	teams.GET("/proposals", s.handleListProposals)
	teams.POST("/proposals", s.handleCreateProposal)
	teams.POST("/proposals/:pid/vote", s.handleVote)
	teams.POST("/proposals/:pid/decide", s.handleDecide, requireAdmin)
	teams.GET("/memory", s.handleListMemory)
	teams.POST("/memory", s.handlePushMemory)
	teams.POST("/memory/sync", s.handleMemorySync)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

// Echo exposes the underlying echo instance for route additions in main.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting knowledge service", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down knowledge service")
	return s.echo.Shutdown(ctx)
}
