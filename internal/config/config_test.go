package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Run from an empty directory so no stray hubd.toml is picked up.
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path())

	assert.Equal(t, "hubd", cfg.Node.Name)
	assert.False(t, cfg.Node.Standalone)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Router.KMax)
	assert.Equal(t, 2*time.Second, cfg.Payment.Deadline)
	assert.Equal(t, 4, cfg.Clearing.CycleLenMax)
	assert.Equal(t, time.Second, cfg.Tick.TickInterval)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.ListenAddr)
	assert.Equal(t, "journal", cfg.Bus.JournalDir)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubd.toml")
	body := `
[node]
name = "community-hub"
standalone = true

[tick]
tick_interval = "250ms"
tick_budget = "200ms"

[server]
listen_addr = "127.0.0.1:9999"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "community-hub", cfg.Node.Name)
	assert.True(t, cfg.Node.Standalone)
	assert.Equal(t, 250*time.Millisecond, cfg.Tick.TickInterval)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.ListenAddr)

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, 4, cfg.Clearing.CycleLenMax)
}

func TestLoadConfigExplicitMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HUBD_NODE_NAME", "env-hub")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "env-hub", cfg.Node.Name)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Chdir(t.TempDir())
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"zero hop max", func(c *Config) { c.Router.HopMax = 0 }, "hop_max"},
		{"zero payment deadline", func(c *Config) { c.Payment.Deadline = 0 }, "deadline"},
		{"cycle len too small", func(c *Config) { c.Clearing.CycleLenMax = 1 }, "cycle_len_max"},
		{"deep below on-tick", func(c *Config) { c.Clearing.DeepCycleLenMax = 2 }, "deep_cycle_len_max"},
		{"negative growth", func(c *Config) { c.Drift.GrowthBps = -1 }, "basis points"},
		{"decay above unity", func(c *Config) { c.Drift.DecayBps = 10001 }, "decay_bps"},
		{"budget above interval", func(c *Config) { c.Tick.TickBudget = 2 * c.Tick.TickInterval }, "tick budget"},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "listen_addr"},
		{"missing journal dir", func(c *Config) { c.Bus.JournalDir = "" }, "journal_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.message)
		})
	}

	// Standalone mode needs neither a database nor a journal directory.
	cfg := base(t)
	cfg.Node.Standalone = true
	cfg.Database.Driver = ""
	cfg.Bus.JournalDir = ""
	assert.NoError(t, cfg.Validate())
}
