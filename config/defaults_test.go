package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultExecutionConfig(t *testing.T) {
	cfg := DefaultExecutionConfig()
	assert.Equal(t, 30*time.Minute, cfg.ExecutionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.NodeTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.RunNodeLockTTL)
	assert.Equal(t, 10*time.Second, cfg.PollLockTTL)
	assert.Less(t, cfg.PollLockMaxLifetime, cfg.RunNodeLockMaxLifetime)
	assert.Equal(t, 5, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 2*time.Hour, cfg.CounterTTL)
}

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Equal(t, "queue:", cfg.Prefix)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
}

func TestDefaultScheduleConfig(t *testing.T) {
	cfg := DefaultScheduleConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, int64(1), cfg.MinCreditBalance)
	assert.Equal(t, "UTC", cfg.DefaultTimezone)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, "canvasflow:", cfg.KeyPrefix)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "canvasflow", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
