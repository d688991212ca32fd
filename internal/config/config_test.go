package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/internal/errkind"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hive.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Swarm.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Swarm.StaleMultiplier)
	assert.Equal(t, 500*time.Millisecond, cfg.Swarm.ClaimBackoffMin)
	assert.Equal(t, 5*time.Second, cfg.Swarm.ClaimBackoffMax)
	assert.Equal(t, 2, cfg.Tasks.DefaultMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Tasks.RetryBase)
	assert.Equal(t, 2*time.Second, cfg.Bus.PollInterval)
	assert.Equal(t, 10000, cfg.Memory.MaxEntries)
	assert.Equal(t, 100, cfg.Memory.SearchBatchSize)
	assert.Equal(t, "none", cfg.Embedding.Provider)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	content := `
database:
  path: /var/lib/hive/swarm.db
swarm:
  heartbeat_interval: 10s
  stale_multiplier: 4
memory:
  max_entries: 500
embedding:
  provider: ollama
  model: nomic-embed-text
  dimensions: 768
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hive/swarm.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Swarm.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Swarm.StaleMultiplier)
	assert.Equal(t, 500, cfg.Memory.MaxEntries)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	// untouched sections keep defaults
	assert.Equal(t, 2, cfg.Tasks.DefaultMaxRetries)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HIVE_DATABASE_PATH", "/tmp/env-hive.db")
	t.Setenv("HIVE_EMBEDDING_PROVIDER", "openai")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env-hive.db", cfg.Database.Path)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errkind.IsValidation(err))
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Provider = "carrier-pigeon"

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errkind.IsValidation(err))
}

func TestValidateRejectsBackoffInversion(t *testing.T) {
	cfg := Default()
	cfg.Swarm.ClaimBackoffMin = 10 * time.Second
	cfg.Swarm.ClaimBackoffMax = time.Second

	err := Validate(cfg)
	require.Error(t, err)
}
