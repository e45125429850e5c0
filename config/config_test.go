package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":8080", cfg.App.ListenAddr)
	assert.Equal(t, "50000", cfg.Exchange.InitialMarkPrice)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave", "eve"}, cfg.Exchange.SeedUsers)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := []byte(`
app:
  log_level: debug
  listen_addr: ":9999"
exchange:
  initial_mark_price: "42000"
  seed_users: ["alice", "bob"]
nats:
  enabled: true
  url: "nats://broker:4222"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":9999", cfg.App.ListenAddr)
	assert.Equal(t, "42000", cfg.Exchange.InitialMarkPrice)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Exchange.SeedUsers)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)

	// Defaults fill what the file leaves out.
	assert.Equal(t, "0.001", cfg.Exchange.MinOrderSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does/not/exist.yml")
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PERPSIM_APP_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.App.LogLevel)
}
