package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	content := `
executor:
  workers: 12
store:
  driver: sqlite
  path: /tmp/ember.db
knowledge:
  context_budget: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Executor.Workers)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2048, cfg.Knowledge.ContextBudget)
	// Untouched fields keep defaults.
	assert.Equal(t, 8, cfg.Executor.BackpressureFactor)
	assert.Equal(t, ":8720", cfg.Server.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  workers: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestValidateSQLiteNeedsPath(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
	cfg.Store.Path = "ember.db"
	assert.NoError(t, cfg.Validate())
}
