// Package config provides configuration loading for knowd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the knowd daemon and server.
//
// Team settings are carried as an explicit object injected into the syncer
// and fact service at construction time; nothing consults a package global,
// so multiple projects and teams can coexist in one process (and one test).
type Config struct {
	Project    ProjectConfig    `koanf:"project"`
	Store      StoreConfig      `koanf:"store"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Team       TeamConfig       `koanf:"team"`
	Sync       SyncConfig       `koanf:"sync"`
	Server     ServerConfig     `koanf:"server"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ProjectConfig identifies the local project.
type ProjectConfig struct {
	// ID is the project identifier, used to name the store file and to
	// scope PRD chunks. Default: "default".
	ID string `koanf:"id"`
}

// StoreConfig configures the embedded local store.
type StoreConfig struct {
	// Path is the directory holding one sqlite file per project.
	// Default: "~/.config/knowd/store".
	Path string `koanf:"path"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is the provider type: "fastembed" (default).
	Provider string `koanf:"provider"`

	// Model is the embedding model name. Default: "BAAI/bge-small-en-v1.5".
	Model string `koanf:"model"`

	// CacheDir is the model cache directory.
	CacheDir string `koanf:"cache_dir"`

	// Workers bounds the embedding worker pool. Default: 4.
	Workers int `koanf:"workers"`

	// Timeout bounds a single embedding call. Default: 30s.
	Timeout Duration `koanf:"timeout"`
}

// TeamConfig configures team knowledge sharing. When Enabled is false,
// propose_team_rule and sync fail with ErrTeamDisabled.
type TeamConfig struct {
	Enabled bool   `koanf:"enabled"`
	ID      string `koanf:"id"`

	// User is this node's member identity, recorded on proposals it creates.
	User string `koanf:"user"`

	// BaseURL is the remote knowledge service, e.g. "https://knowd.example.com".
	BaseURL string `koanf:"base_url"`

	// Token is the bearer JWT presented to the remote service.
	Token Secret `koanf:"token"`
}

// SyncConfig configures the sync reconciler.
type SyncConfig struct {
	// Interval between scheduled sync passes. Default: 5m.
	Interval Duration `koanf:"interval"`

	// Timeout bounds one remote round trip. Default: 30s.
	Timeout Duration `koanf:"timeout"`

	// MaxRetries bounds retries of a failed pass. Default: 3.
	MaxRetries int `koanf:"max_retries"`
}

// ServerConfig configures the remote knowledge service (knowd-server).
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// JWTSecret signs and verifies bearer tokens (HS256).
	JWTSecret Secret `koanf:"jwt_secret"`

	// IndexPath is the directory for the semantic knowledge index.
	// Default: "~/.config/knowd/index".
	IndexPath string `koanf:"index_path"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig configures OpenTelemetry export. Disabled by default so
// a node without a collector runs clean; the instruments themselves always
// exist and no-op when no provider is installed.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP collector endpoint. Default: "localhost:4317".
	Endpoint string `koanf:"endpoint"`

	// Protocol is "grpc" or "http/protobuf". Default: "grpc".
	Protocol string `koanf:"protocol"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio, 0.0-1.0. Default: 1.0.
	SampleRate float64 `koanf:"sample_rate"`

	// MetricsEnabled turns on the OTLP metric exporter alongside traces.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// ExportInterval paces metric export. Default: 15s.
	ExportInterval Duration `koanf:"export_interval"`

	// ShutdownTimeout bounds the final telemetry flush. Default: 5s.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: "info".
	Level string `koanf:"level"`

	// Format is "json" or "console". Default: "json".
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Project.ID == "" {
		cfg.Project.ID = "default"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/knowd/store"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Workers == 0 {
		cfg.Embeddings.Workers = 4
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = Duration(5 * time.Minute)
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = Duration(30 * time.Second)
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 3
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.IndexPath == "" {
		cfg.Server.IndexPath = "~/.config/knowd/index"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Embeddings.Workers < 1 {
		return fmt.Errorf("embeddings.workers must be at least 1, got %d", c.Embeddings.Workers)
	}
	if c.Team.Enabled {
		if c.Team.ID == "" {
			return fmt.Errorf("team.id is required when team.enabled is true")
		}
		if c.Team.BaseURL == "" {
			return fmt.Errorf("team.base_url is required when team.enabled is true")
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries cannot be negative")
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1], got %v", c.Telemetry.SampleRate)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry.enabled is true")
	}
	return nil
}
