package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "procflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxQueue)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 4, cfg.Engine.MaxParallelSteps)
	assert.Equal(t, 5*time.Minute, cfg.Task.DefaultTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
queue:
  max_queue: 5
  poll_interval: 250ms
scheduler:
  tick_interval: 30s
engine:
  max_parallel_steps: 8
agents:
  base_url: http://agents.internal:8080
  resources:
    printer: http://printer.internal
  rate_limit: 2.5
  burst: 3
tracing:
  enabled: true
  endpoint: http://collector:4318
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.MaxQueue)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Queue.TTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 8, cfg.Engine.MaxParallelSteps)
	assert.Equal(t, "http://printer.internal", cfg.Agents.Resources["printer"])
	assert.InDelta(t, 2.5, cfg.Agents.RateLimit, 0.001)
	assert.True(t, cfg.Tracing.Enabled)

	assert.Equal(t, 5, cfg.QueueOptions().MaxQueue)
	assert.Equal(t, 30*time.Second, cfg.SchedulerOptions().TickInterval)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"zero max queue", "queue:\n  max_queue: 0\n"},
		{"row timeout above tick timeout", "scheduler:\n  tick_timeout: 5s\n  row_timeout: 10s\n"},
		{"tick interval below a second", "scheduler:\n  tick_interval: 10ms\n"},
		{"bad agent url", "agents:\n  resources:\n    printer: not a url\n"},
		{"too many parallel steps", "engine:\n  max_parallel_steps: 1000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Load(writeConfig(t, tt.content))
			require.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = config.Load(writeConfig(t, "queue: [unclosed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, config.ErrInvalidConfig)
}
