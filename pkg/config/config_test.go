package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "openmemory.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 72*time.Hour, cfg.SalienceHalfLife)
	assert.Equal(t, 0.45, cfg.LexicalWeight)
	assert.Equal(t, 0.45, cfg.SemanticWeight)
	assert.Equal(t, 0.35, cfg.CodeWeight)
	assert.Equal(t, 0, cfg.MaxMemories, "eviction disabled by default")
	assert.Equal(t, 24*time.Hour, cfg.MinRetention)
	assert.Equal(t, 2000, cfg.ChunkThreshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "openmemory.db", cfg.DBPath)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"db_path":"custom.db","max_memories":500}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.db", cfg.DBPath)
	assert.Equal(t, 500, cfg.MaxMemories)
	assert.Equal(t, "info", cfg.LogLevel, "untouched fields keep defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"db_path":"from-file.db"}`), 0o644))
	t.Setenv("OPENMEMORY_DB_PATH", "from-env.db")
	t.Setenv("OPENMEMORY_SALIENCE_HALF_LIFE", "12h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DBPath)
	assert.Equal(t, 12*time.Hour, cfg.SalienceHalfLife)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
