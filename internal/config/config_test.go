package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig places a config file inside a fake home's allowed directory
// and points HOME at it.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "knowd")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Project.ID)
	assert.Equal(t, "~/.config/knowd/store", cfg.Store.Path)
	assert.Equal(t, "fastembed", cfg.Embeddings.Provider)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embeddings.Model)
	assert.Equal(t, 4, cfg.Embeddings.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval.Duration())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Team.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
project:
  id: payments
team:
  enabled: true
  id: team-a
  user: alice
  base_url: https://knowd.example.com
  token: s3cret
sync:
  interval: 1m
logging:
  level: debug
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "payments", cfg.Project.ID)
	assert.True(t, cfg.Team.Enabled)
	assert.Equal(t, "team-a", cfg.Team.ID)
	assert.Equal(t, "alice", cfg.Team.User)
	assert.Equal(t, "https://knowd.example.com", cfg.Team.BaseURL)
	assert.Equal(t, "s3cret", cfg.Team.Token.Value())
	assert.Equal(t, time.Minute, cfg.Sync.Interval.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched fields keep defaults
	assert.Equal(t, "fastembed", cfg.Embeddings.Provider)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
sync:
  max_retries: 2
logging:
  level: warn
`)
	t.Setenv("SYNC_MAX_RETRIES", "7")
	t.Setenv("LOGGING_LEVEL", "error")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.MaxRetries)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadRejectsPathOutsideAllowedDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	stray := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(stray, []byte("project:\n  id: x\n"), 0600))

	_, err := LoadWithFile(stray)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "project:\n  id: x\n")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "team enabled without id",
			mutate:  func(c *Config) { c.Team.Enabled = true; c.Team.BaseURL = "https://x" },
			wantErr: "team.id",
		},
		{
			name:    "team enabled without base url",
			mutate:  func(c *Config) { c.Team.Enabled = true; c.Team.ID = "team-a" },
			wantErr: "team.base_url",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "pretty" },
			wantErr: "logging.format",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Embeddings.Workers = -1 },
			wantErr: "embeddings.workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not a duration")))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.Equal(t, `{"token":"[REDACTED]"}`, string(out))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
