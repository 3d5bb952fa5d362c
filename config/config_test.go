package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "https://api.openai.com/v1", cfg.Executor.BaseURL)
	assert.Equal(t, 120*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 60, cfg.Dispatcher.RequestsPerMinute)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
dispatcher:
  workers: 8
  requests_per_minute: 120
  max_attempts: 5
  log_dir: /tmp/docbatch
executor:
  base_url: https://llm.internal/v1
  api_key: sk-test
  timeout: 30s
log:
  level: debug
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
	assert.Equal(t, 120, cfg.Dispatcher.RequestsPerMinute)
	assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, "/tmp/docbatch", cfg.Dispatcher.LogDir)
	assert.Equal(t, "https://llm.internal/v1", cfg.Executor.BaseURL)
	assert.Equal(t, "sk-test", cfg.Executor.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 2\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Executor.BaseURL)
	assert.Equal(t, 60, cfg.Dispatcher.RequestsPerMinute)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOCBATCH_BASE_URL", "https://env.example/v1")
	t.Setenv("DOCBATCH_API_KEY", "sk-env")
	t.Setenv("DOCBATCH_WORKERS", "16")
	t.Setenv("DOCBATCH_TIMEOUT", "45s")
	t.Setenv("DOCBATCH_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example/v1", cfg.Executor.BaseURL)
	assert.Equal(t, "sk-env", cfg.Executor.APIKey)
	assert.Equal(t, 16, cfg.Dispatcher.Workers)
	assert.Equal(t, 45*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidateRejections(t *testing.T) {
	base := Default()

	noURL := base
	noURL.Executor.BaseURL = ""
	assert.Error(t, noURL.Validate())

	negWorkers := base
	negWorkers.Dispatcher.Workers = -1
	assert.Error(t, negWorkers.Validate())

	badJitter := base
	badJitter.Dispatcher.RetryJitterMin = 3 * time.Second
	badJitter.Dispatcher.RetryJitterMax = time.Second
	assert.Error(t, badJitter.Validate())
}
