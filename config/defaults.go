// =============================================================================
// 📦 CanvasFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Worker:    DefaultWorkerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Execution: DefaultExecutionConfig(),
		Queue:     DefaultQueueConfig(),
		Schedule:  DefaultScheduleConfig(),
		Storage:   DefaultStorageConfig(),
		Skill:     DefaultSkillConfig(),
		Canvas:    CanvasConfig{Dir: "./canvases"},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultWorkerConfig 返回默认工作进程配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MetricsPort:          9091,
		ShutdownTimeout:      15 * time.Second,
		AutoMigrate:          false,
		ConfigReloadInterval: 5 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     20,
		MinIdleConns: 2,
		KeyPrefix:    "canvasflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "canvasflow",
		Password:        "",
		Name:            "canvasflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultExecutionConfig 返回默认执行配置
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		ExecutionTimeout:        30 * time.Minute,
		NodeTimeout:             10 * time.Minute,
		PollInterval:            2 * time.Second,
		RunNodeLockTTL:          30 * time.Second,
		RunNodeLockMaxLifetime:  5 * time.Minute,
		PollLockTTL:             10 * time.Second,
		PollLockMaxLifetime:     time.Minute,
		MaxConcurrentExecutions: 5,
		CounterTTL:              2 * time.Hour,
		ReserveRetryDelay:       30 * time.Second,
		LockWaitRetries:         5,
		LockWaitBackoff:         50 * time.Millisecond,
		StalledAfter:            5 * time.Minute,
	}
}

// DefaultQueueConfig 返回默认队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Prefix:            "queue:",
		Workers:           16,
		ClaimBatch:        32,
		ClaimInterval:     200 * time.Millisecond,
		VisibilityTimeout: 5 * time.Minute,
		MaxAttempts:       5,
		RetryBackoff:      time.Second,
	}
}

// DefaultScheduleConfig 返回默认调度配置
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:             true,
		TickInterval:        10 * time.Second,
		MaxFiresPerSecond:   20,
		MinCreditBalance:    1,
		RuleRefreshInterval: time.Minute,
		DefaultTimezone:     "UTC",
	}
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver: "database",
		Dir:    "./data/objects",
	}
}

// DefaultSkillConfig 返回默认技能服务配置
func DefaultSkillConfig() SkillConfig {
	return SkillConfig{
		Endpoint: "http://localhost:8080/v1/skills",
		Timeout:  30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "canvasflow",
		SampleRate:   0.1,
	}
}
