// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9091, cfg.Worker.MetricsPort)
	assert.Equal(t, 2*time.Second, cfg.Execution.PollInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
worker:
  name: "worker-a"
  metrics_port: 9300
execution:
  execution_timeout: 1h
  node_timeout: 5m
  poll_interval: 500ms
  max_concurrent_executions: 3
queue:
  workers: 4
  prefix: "jobs:"
schedule:
  enabled: false
  min_credit_balance: 10
storage:
  driver: file
  dir: /var/lib/canvasflow
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "worker-a", cfg.Worker.Name)
	assert.Equal(t, 9300, cfg.Worker.MetricsPort)
	assert.Equal(t, time.Hour, cfg.Execution.ExecutionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Execution.NodeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.PollInterval)
	assert.Equal(t, 3, cfg.Execution.MaxConcurrentExecutions)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, "jobs:", cfg.Queue.Prefix)
	assert.False(t, cfg.Schedule.Enabled)
	assert.Equal(t, int64(10), cfg.Schedule.MinCreditBalance)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, 30*time.Second, cfg.Execution.RunNodeLockTTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("CANVASFLOW_WORKER_METRICS_PORT", "7777")
	t.Setenv("CANVASFLOW_REDIS_ADDR", "env-redis:6379")
	t.Setenv("CANVASFLOW_EXECUTION_NODE_TIMEOUT", "90s")
	t.Setenv("CANVASFLOW_SCHEDULE_MAX_FIRES_PER_SECOND", "2.5")
	t.Setenv("CANVASFLOW_SCHEDULE_ENABLED", "false")
	t.Setenv("CANVASFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/canvasflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Worker.MetricsPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Execution.NodeTimeout)
	assert.InDelta(t, 2.5, cfg.Schedule.MaxFiresPerSecond, 0.001)
	assert.False(t, cfg.Schedule.Enabled)
	assert.Equal(t, []string{"stdout", "/tmp/canvasflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
redis:
  addr: "yaml-redis:6379"
  key_prefix: "yaml:"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("CANVASFLOW_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "yaml:", cfg.Redis.KeyPrefix)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_QUEUE_WORKERS", "3")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.Workers)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("CANVASFLOW_EXECUTION_POLL_INTERVAL", "soon")

	_, err := NewLoader().Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CANVASFLOW_EXECUTION_POLL_INTERVAL")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("CANVASFLOW_QUEUE_WORKERS", "1")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Queue.Workers < 2 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "database", cfg.Storage.Driver)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("worker: [invalid\n  nope"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero poll interval", func(c *Config) { c.Execution.PollInterval = 0 }, "poll_interval"},
		{"node timeout above execution timeout", func(c *Config) {
			c.Execution.NodeTimeout = 2 * c.Execution.ExecutionTimeout
		}, "node_timeout must not exceed"},
		{"no concurrency", func(c *Config) { c.Execution.MaxConcurrentExecutions = 0 }, "max_concurrent_executions"},
		{"no workers", func(c *Config) { c.Queue.Workers = 0 }, "queue workers"},
		{"file storage without dir", func(c *Config) {
			c.Storage.Driver = "file"
			c.Storage.Dir = ""
		}, "storage dir"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "s3" }, "unsupported storage driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "host=localhost port=5432 user=canvasflow password= dbname=canvasflow sslmode=disable", cfg.DSN())

	cfg.Driver = "mysql"
	cfg.Port = 3306
	assert.Equal(t, "canvasflow:@tcp(localhost:3306)/canvasflow?parseTime=true", cfg.DSN())

	cfg.Driver = "sqlite"
	cfg.Name = "/tmp/canvasflow.db"
	assert.Equal(t, "/tmp/canvasflow.db", cfg.DSN())

	cfg.Driver = "oracle"
	assert.Empty(t, cfg.DSN())
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log: [oops"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
