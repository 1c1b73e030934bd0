package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 50000, cfg.Snapshot.ShardSize)
	assert.Equal(t, 2*time.Second, cfg.Persistence.Debounce)
	assert.Equal(t, 45*time.Second, cfg.Persistence.MaxWaitLarge)
	assert.NoError(t, validateConfig(cfg))
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"snapshot": {"shard_size": 1000}, "log": {"level": "debug"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Snapshot.ShardSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep defaults.
	assert.Equal(t, 15*time.Second, cfg.Persistence.MaxWait)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"snapshot": {"shard_size": 0}}`), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
