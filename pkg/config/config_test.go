package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.True(t, cfg.Webhook.RequireSignature)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
database:
  driver: postgres
  dsn: postgres://localhost/converge
worker:
  poll_interval: 30s
  batch_size: 50
telemetry:
  enabled: true
  sample_rate: 0.25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 50, cfg.Worker.BatchSize)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
	// Untouched sections keep defaults.
	assert.Equal(t, ":8080", cfg.Webhook.ListenAddr)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	t.Setenv("CONVERGE_LOG_LEVEL", "warn")
	t.Setenv("CONVERGE_DB_DSN", "/var/lib/converge.db")
	t.Setenv("CONVERGE_WORKER_POLL_SECONDS", "60")
	t.Setenv("CONVERGE_WEBHOOK_REQUIRE_SIGNATURE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/var/lib/converge.db", cfg.Database.DSN)
	assert.Equal(t, time.Minute, cfg.Worker.PollInterval)
	assert.False(t, cfg.Webhook.RequireSignature)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONVERGE_DB_DRIVER", "oracle")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestLoadRejectsBadSampleRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  sample_rate: 3\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample rate")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
