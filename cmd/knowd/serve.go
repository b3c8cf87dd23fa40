package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/facts"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/mcp"
	"github.com/fyrsmithlabs/knowd/internal/recall"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/syncer"
	"github.com/fyrsmithlabs/knowd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP stdio server with background sync",
	Long: `Start the knowd daemon: the MCP tool server on stdio, plus the
background sync scheduler when a team is configured.

Examples:
  # Start with the default config
  knowd serve

  # Start with an explicit config file
  knowd serve --config ~/.config/knowd/config.yaml`,
	RunE: runServe,
}

// daemon holds the wired-up services shared by serve and sync.
type daemon struct {
	cfg        *config.Config
	logger     *zap.Logger
	telemetry  *telemetry.Telemetry
	pool       *embeddings.Pool
	store      *store.Store
	facts      *facts.Service
	client     *syncer.Client
	reconciler *syncer.Reconciler
}

// newDaemon loads configuration and wires every service. The syncer fields
// stay nil when no team is configured.
func newDaemon() (*daemon, error) {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"project_id": cfg.Project.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	tel, err := telemetry.New(context.Background(), cfg.Telemetry, "knowd", version)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	pool := embeddings.NewPool(provider, cfg.Embeddings.Workers, cfg.Embeddings.Timeout.Duration())

	st, err := store.Open(cfg.Store.Path, cfg.Project.ID, logger)
	if err != nil {
		pool.Close()
		tel.Shutdown(context.Background())
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if stats, err := st.Stats(context.Background()); err == nil {
		logger.Info("store opened",
			zap.String("path", st.Path()),
			zap.Int("facts", stats.Facts),
			zap.Int("proposals", stats.Proposals),
			zap.Int("chunks", stats.Chunks),
			zap.Any("by_scope", stats.ByScope),
		)
	}

	svc, err := facts.NewService(st, pool, recall.NewLinearRanker(), facts.TeamSettings{
		Enabled: cfg.Team.Enabled,
		ID:      cfg.Team.ID,
		UserID:  cfg.Team.User,
	}, cfg.Project.ID, logger)
	if err != nil {
		st.Close()
		pool.Close()
		tel.Shutdown(context.Background())
		return nil, fmt.Errorf("creating fact service: %w", err)
	}

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		pool:      pool,
		store:     st,
		facts:     svc,
	}

	if cfg.Team.Enabled {
		client, err := syncer.NewClient(cfg.Team.BaseURL, cfg.Team.Token.Value(), cfg.Sync.Timeout.Duration(), logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating sync client: %w", err)
		}
		reconciler, err := syncer.NewReconciler(st, client, pool, cfg.Team.ID, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating reconciler: %w", err)
		}
		d.client = client
		d.reconciler = reconciler
	}

	return d, nil
}

// Close releases the daemon's resources in reverse dependency order.
func (d *daemon) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			d.logger.Warn("closing embedding pool", zap.Error(err))
		}
	}
	if err := d.telemetry.Shutdown(context.Background()); err != nil {
		d.logger.Warn("shutting down telemetry", zap.Error(err))
	}
	logging.Sync(d.logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		d.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if d.reconciler != nil {
		scheduler := syncer.NewScheduler(d.reconciler, d.facts, syncer.SchedulerConfig{
			Interval:   d.cfg.Sync.Interval.Duration(),
			Timeout:    d.cfg.Sync.Timeout.Duration(),
			MaxRetries: d.cfg.Sync.MaxRetries,
		}, d.logger)
		go func() {
			if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("sync scheduler stopped", zap.Error(err))
			}
		}()
	}

	server, err := mcp.NewServer(&mcp.Config{
		Version: version,
		TeamID:  d.cfg.Team.ID,
		Logger:  d.logger,
	}, d.facts, d.client)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server: %w", err)
	}
	return nil
}
