package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISPATCHER_WORKER_ID", "w-test")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.App.Addr())
	assert.Equal(t, 30*time.Second, cfg.App.RequestTimeout())
	assert.Equal(t, "w-test", cfg.Dispatcher.WorkerID)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.AttemptTimeout)
	assert.Equal(t, 20*time.Second, cfg.Dispatcher.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.BackoffBase)
	assert.Equal(t, time.Hour, cfg.Dispatcher.BackoffCap)
	assert.Equal(t, 10, cfg.Dispatcher.MaxAttempts)
	assert.InDelta(t, 0.1, cfg.SLA.WarningRatio, 1e-9)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DISPATCHER_BATCH_SIZE", "25")
	t.Setenv("DISPATCHER_BACKOFF_CAP", "15m")
	t.Setenv("SLA_SWEEP_SCHEDULE", "*/5 * * * *")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, 25, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Dispatcher.BackoffCap)
	assert.Equal(t, "*/5 * * * *", cfg.SLA.SweepSchedule)
	assert.NotEmpty(t, cfg.Dispatcher.WorkerID)
}

func TestLoadRejectsLeaseShorterThanAttempt(t *testing.T) {
	t.Setenv("DISPATCHER_LEASE_TTL", "5s")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsHeartbeatThatOutlivesLease(t *testing.T) {
	t.Setenv("DISPATCHER_HEARTBEAT_INTERVAL", "55s")
	_, err := Load()
	assert.Error(t, err)
}
