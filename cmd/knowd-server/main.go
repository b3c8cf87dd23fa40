// Knowd-server is the remote knowledge service: a multi-tenant HTTP API
// that collects team rule proposals from members' nodes, runs voting and
// admin decisions, and serves approved knowledge back during sync.
//
// Usage:
//
//	# Start with the default config
//	knowd-server
//
//	# Start with an explicit config file
//	knowd-server --config /etc/knowd/config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/proposals"
	"github.com/fyrsmithlabs/knowd/internal/server"
	"github.com/fyrsmithlabs/knowd/internal/telemetry"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

var (
	version    = "dev"
	configFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "knowd-server",
	Short:   "Team knowledge service for knowd daemons",
	Version: version,
	RunE:    runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: ~/.config/knowd/config.yaml)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Server.JWTSecret.IsSet() {
		return fmt.Errorf("server.jwt_secret is required")
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logging.Sync(logger)

	tel, err := telemetry.New(cmd.Context(), cfg.Telemetry, "knowd-server", version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("shutting down telemetry", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// The semantic index is optional: without an embedding provider the
	// service still stores and serves knowledge, it just cannot answer
	// ?q= searches.
	var index *vectorstore.Index
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		logger.Warn("embedding provider unavailable, semantic search disabled", zap.Error(err))
	} else {
		defer provider.Close()
		pool := embeddings.NewPool(provider, cfg.Embeddings.Workers, cfg.Embeddings.Timeout.Duration())
		index, err = vectorstore.NewIndex(vectorstore.Config{Path: cfg.Server.IndexPath}, pool, logger)
		if err != nil {
			return fmt.Errorf("creating knowledge index: %w", err)
		}
	}

	store := server.NewTeamStore(logger)
	engine, err := proposals.NewEngine(store, logger)
	if err != nil {
		return fmt.Errorf("creating proposal engine: %w", err)
	}
	auth, err := server.NewAuthenticator([]byte(cfg.Server.JWTSecret.Value()))
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	srv, err := server.NewServer(store, engine, index, auth, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
