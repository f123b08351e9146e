package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autocoder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvDBOSURL, "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultWorkers, cfg.Engine.Workers)
	assert.Empty(t, cfg.Engine.DatabaseURL)
	assert.Equal(t, "autocoder", cfg.Engine.AppName)
	assert.Equal(t, DefaultIterationCap, cfg.Poll.IterationCap)
	assert.Equal(t, DefaultAgentTimeout, cfg.Steps.AgentTimeout)
	assert.Equal(t, 3, cfg.Steps.Retry.MaxAttempts)
	assert.Equal(t, EventsMemory, cfg.Events.Backend)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv(EnvDBOSURL, "")
	path := writeConfig(t, `
database:
  path: /var/lib/autocoder/db.sqlite
engine:
  workers: 2
  database_url: postgres://dbos@localhost:5432/autocoder
poll:
  default_interval: 15s
steps:
  agent_timeout: 20m
  retry:
    max_attempts: 5
events:
  backend: redis
  url: redis://localhost:6379/0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/autocoder/db.sqlite", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, "postgres://dbos@localhost:5432/autocoder", cfg.Engine.DatabaseURL)
	assert.Equal(t, 15*time.Second, cfg.Poll.DefaultInterval)
	assert.Equal(t, 20*time.Minute, cfg.Steps.AgentTimeout)
	assert.Equal(t, 5, cfg.Steps.Retry.MaxAttempts)
	assert.Equal(t, DefaultMaxInterval, cfg.Steps.Retry.MaxInterval)
	assert.Equal(t, EventsRedis, cfg.Events.Backend)
}

func TestLoadEnvSecrets(t *testing.T) {
	t.Setenv(EnvTokenSecret, "s3cret")
	t.Setenv(EnvAPIToken, "api-token")
	t.Setenv(EnvDBOSURL, "postgres://env@db/autocoder")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.TokenSecret)
	assert.Equal(t, "api-token", cfg.API.Token)
	assert.Equal(t, "postgres://env@db/autocoder", cfg.Engine.DatabaseURL)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown events backend", "events:\n  backend: kafka\n"},
		{"interval too short", "poll:\n  default_interval: 10ms\n"},
		{"backoff below one", "steps:\n  retry:\n    backoff_coefficient: 0.5\n"},
		{"max below initial", "steps:\n  retry:\n    initial_interval: 1m\n    max_interval: 1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, IsInvalid(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.False(t, IsInvalid(err))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "autocoder.yaml")
	cfg := Default()
	cfg.Engine.Workers = 3

	require.NoError(t, Save(cfg, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Engine.Workers)
}
