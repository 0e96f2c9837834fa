package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.Engine.MaxConcurrentAgents)
	assert.Equal(t, "checkpoints", cfg.Engine.CheckpointDir)
	assert.True(t, cfg.Engine.CheckpointsEnabled)
	assert.Equal(t, 100, cfg.Memory.MaxWorkingMessages)
	assert.Equal(t, 10, cfg.Memory.MaxSummaries)
	assert.Equal(t, 0.7, cfg.Memory.MinImportance)
	assert.Equal(t, 10, cfg.Memory.RecentKeep)
	assert.Equal(t, 50, cfg.Memory.MaxMessagesBeforeConsolidation)
	assert.Equal(t, 24*time.Hour, cfg.Memory.ConsolidateInterval)
	assert.Equal(t, 0.8, cfg.Compression.TargetRatio)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
engine:
  max_concurrent_agents: 3
  checkpoint_dir: /tmp/cp
  default_step_timeout: 10s
memory:
  max_working_messages: 42
  consolidate_interval: 1h
compression:
  strategies: [relevance, deduplicate]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxConcurrentAgents)
	assert.Equal(t, "/tmp/cp", cfg.Engine.CheckpointDir)
	assert.Equal(t, 10*time.Second, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, 42, cfg.Memory.MaxWorkingMessages)
	assert.Equal(t, time.Hour, cfg.Memory.ConsolidateInterval)
	assert.Equal(t, []string{"relevance", "deduplicate"}, cfg.Compression.Strategies)
	// untouched sections keep defaults
	assert.Equal(t, 10, cfg.Memory.MaxSummaries)
	assert.Equal(t, 8000, cfg.Context.MaxContextTokens)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	// point the search away from any real config.yaml
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Engine.MaxConcurrentAgents, cfg.Engine.MaxConcurrentAgents)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrentAgents = 0 }},
		{"empty checkpoint dir", func(c *Config) { c.Engine.CheckpointDir = "" }},
		{"negative importance", func(c *Config) { c.Memory.MinImportance = -0.1 }},
		{"ratio above one", func(c *Config) { c.Compression.TargetRatio = 1.5 }},
		{"unknown strategy", func(c *Config) { c.Compression.Strategies = []string{"mystery"} }},
		{"unknown driver", func(c *Config) { c.Persistence.Driver = "dynamo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent_agents: 2\n"), 0o644))

	initial, err := Load(path)
	require.NoError(t, err)

	mgr, err := NewManager(path, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.debounce = 20 * time.Millisecond

	changed := make(chan *Config, 1)
	mgr.OnChange(func(_, next *Config) {
		select {
		case changed <- next:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent_agents: 7\n"), 0o644))

	select {
	case next := <-changed:
		assert.Equal(t, 7, next.Engine.MaxConcurrentAgents)
		assert.Equal(t, 7, mgr.Current().Engine.MaxConcurrentAgents)
	case <-time.After(3 * time.Second):
		t.Fatal("reload never fired")
	}
}

func TestManagerKeepsLastGoodOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent_agents: 4\n"), 0o644))

	initial, err := Load(path)
	require.NoError(t, err)

	mgr, err := NewManager(path, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	// invalid value must be rejected, keeping 4
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent_agents: 0\n"), 0o644))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 4, mgr.Current().Engine.MaxConcurrentAgents)
}
