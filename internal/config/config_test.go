package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.NoUpdateThreshold)
	assert.Equal(t, 5, cfg.Scheduler.HistoryScanWindow)
	assert.False(t, cfg.Scheduler.EnableMetaPhases)
	assert.Equal(t, 1000, cfg.Bus.HistoryCap)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	content := []byte("scheduler:\n  no_update_threshold: 7\nhosts:\n  - http://models.local:9000\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Scheduler.NoUpdateThreshold)
	assert.Equal(t, []string{"http://models.local:9000"}, cfg.Hosts)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Scheduler.QABatchSize)
	assert.Equal(t, 120*time.Second, cfg.Models.Timeout)
}

func TestLoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("hosts: [unterminated"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTONOMY_HOSTS", "http://a:1, http://b:2")
	t.Setenv("AUTONOMY_PUSH_TOKEN", "tok-123")
	t.Setenv("AUTONOMY_CODER_MODEL", "coder-next")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.Hosts)
	assert.Equal(t, "tok-123", cfg.PushToken)
	assert.Equal(t, "coder-next", cfg.Models.Coder)
}
