package fetchcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigInvariants(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.assertInvariants())
	assert.Equal(t, 10, cfg.Pool.MinSize)
	assert.Equal(t, 200, cfg.Pool.MaxSize)
	assert.Equal(t, 50, cfg.Pool.InitialSize)
	assert.Equal(t, 1.5, cfg.Pool.ScaleFactor)
	assert.Equal(t, 0.3, cfg.Pool.ScaleDownThreshold)
	assert.Equal(t, 80.0, cfg.Memory.MaxPercent)
	assert.Equal(t, 5, cfg.Fetch.MaxRedirects)
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fetchcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fetch:
  user_agent: "Test Agent (set in yaml)"
pool:
  max_size: 500
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Test Agent (set in yaml)", cfg.Fetch.UserAgent)
	assert.Equal(t, 500, cfg.Pool.MaxSize)
	// Untouched defaults survive the overlay.
	assert.Equal(t, 10, cfg.Pool.MinSize)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadConfigFileInvalidInvariant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fetchcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  min_size: 100
  max_size: 10
`), 0o644))

	_, err := LoadConfigFile(path)
	require.Error(t, err)
}
