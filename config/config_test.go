package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 300, cfg.Coordinator.TimeoutSeconds)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nats:
  url: nats://broker:4222
github:
  repo_owner: acme
  repo_name: webapp
coordinator:
  timeout_seconds: 120
state:
  ttl: 5m
log_level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "acme", cfg.GitHub.RepoOwner)
	assert.Equal(t, 120, cfg.Coordinator.TimeoutSeconds)
	assert.Equal(t, 5*time.Minute, cfg.State.TTL)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Defaults survive for fields the file omits
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nats:\n  url: nats://file:4222\n"), 0o600))

	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("TIMEOUT_SECONDS", "60")
	t.Setenv("GITHUB_REPO_OWNER", "envowner")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 60, cfg.Coordinator.TimeoutSeconds)
	assert.Equal(t, "envowner", cfg.GitHub.RepoOwner)
}

func TestValidateRejectsShortTTL(t *testing.T) {
	cfg := Default()
	cfg.State.TTL = time.Minute
	cfg.Coordinator.TimeoutSeconds = 300

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestLLMEnabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.LLM.Enabled())
	cfg.LLM.APIKey = "sk-test"
	assert.True(t, cfg.LLM.Enabled())
}
