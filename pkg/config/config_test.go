package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20000, cfg.Pipeline.Capacity)
	assert.Equal(t, "drop_oldest", cfg.Pipeline.Backpressure)
	assert.Equal(t, "stooq", cfg.Backfill.Provider)
	assert.True(t, cfg.Failover.Enable)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_root: /var/lib/tickerd
  compress: true
pipeline:
  capacity: 5000
  backpressure: block
failover:
  enable: true
  health_check_interval_seconds: 5
  rules:
    - id: equities
      primary_provider_id: alpaca
      backup_provider_ids: [polygon]
      failover_threshold: 3
      recovery_threshold: 2
      max_latency_ms: 500
symbols:
  - symbol: AAPL
    subscribe_trades: true
    subscribe_depth: true
    depth_levels: 10
    exchange: SMART
  - symbol: MSFT
    subscribe_trades: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tickerd", cfg.Storage.DataRoot)
	assert.True(t, cfg.Storage.Compress)
	assert.Equal(t, 5000, cfg.Pipeline.Capacity)
	assert.Equal(t, "block", cfg.Pipeline.Backpressure)
	// Unset fields keep defaults.
	assert.Equal(t, 256, cfg.Pipeline.BatchSize)

	require.Len(t, cfg.Failover.Rules, 1)
	rule := cfg.Failover.Rules[0]
	assert.Equal(t, "equities", rule.ID)
	assert.Equal(t, []string{"polygon"}, rule.BackupProviderIDs)
	assert.Equal(t, 500.0, rule.MaxLatencyMs)

	require.Len(t, cfg.Symbols, 2)
	assert.True(t, cfg.Symbols[0].SubscribeDepth)
	assert.False(t, cfg.Symbols[1].SubscribeDepth)
}

func TestLoadRejectsInvalidBackpressure(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  backpressure: drop_newest
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadRule(t *testing.T) {
	path := writeConfig(t, `
failover:
  rules:
    - id: r1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateRules(t *testing.T) {
	path := writeConfig(t, `
failover:
  rules:
    - id: r1
      primary_provider_id: a
    - id: r1
      primary_provider_id: b
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/tickerd.yaml")
	assert.Error(t, err)
}
