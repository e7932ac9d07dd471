// =============================================================================
// 📦 CanvasFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CANVASFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 CanvasFlow 的完整配置结构
type Config struct {
	// Worker 工作进程配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// Redis 缓存 / 锁 / 队列配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Execution 工作流执行配置
	Execution ExecutionConfig `yaml:"execution" env:"EXECUTION"`

	// Queue 任务队列配置
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Schedule 定时调度配置
	Schedule ScheduleConfig `yaml:"schedule" env:"SCHEDULE"`

	// Storage 快照存储配置
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Skill 技能调用服务配置
	Skill SkillConfig `yaml:"skill" env:"SKILL"`

	// Canvas 画布数据源配置
	Canvas CanvasConfig `yaml:"canvas" env:"CANVAS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// WorkerConfig 工作进程配置
type WorkerConfig struct {
	// 进程标识（为空时使用主机名）
	Name string `yaml:"name" env:"NAME"`
	// Metrics / 健康检查端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 启动时是否执行 AutoMigrate
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// 配置文件轮询间隔
	ConfigReloadInterval time.Duration `yaml:"config_reload_interval" env:"CONFIG_RELOAD_INTERVAL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ExecutionConfig 工作流执行配置
type ExecutionConfig struct {
	// 整个执行的墙钟超时
	ExecutionTimeout time.Duration `yaml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
	// 单个节点处于 executing 的最长时间
	NodeTimeout time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	// 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 节点锁 TTL
	RunNodeLockTTL time.Duration `yaml:"run_node_lock_ttl" env:"RUN_NODE_LOCK_TTL"`
	// 节点锁最长持有时间
	RunNodeLockMaxLifetime time.Duration `yaml:"run_node_lock_max_lifetime" env:"RUN_NODE_LOCK_MAX_LIFETIME"`
	// 轮询锁 TTL
	PollLockTTL time.Duration `yaml:"poll_lock_ttl" env:"POLL_LOCK_TTL"`
	// 轮询锁最长持有时间
	PollLockMaxLifetime time.Duration `yaml:"poll_lock_max_lifetime" env:"POLL_LOCK_MAX_LIFETIME"`
	// 每个用户最大并发执行数
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions" env:"MAX_CONCURRENT_EXECUTIONS"`
	// 并发计数器 TTL
	CounterTTL time.Duration `yaml:"counter_ttl" env:"COUNTER_TTL"`
	// 并发超限时的重试延迟
	ReserveRetryDelay time.Duration `yaml:"reserve_retry_delay" env:"RESERVE_RETRY_DELAY"`
	// 等待锁的最大重试次数
	LockWaitRetries int `yaml:"lock_wait_retries" env:"LOCK_WAIT_RETRIES"`
	// 等待锁的初始退避
	LockWaitBackoff time.Duration `yaml:"lock_wait_backoff" env:"LOCK_WAIT_BACKOFF"`
	// 执行超过该时长未被对账即重新投递轮询
	StalledAfter time.Duration `yaml:"stalled_after" env:"STALLED_AFTER"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// Redis 键前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// 并发 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 每次领取的任务数
	ClaimBatch int `yaml:"claim_batch" env:"CLAIM_BATCH"`
	// 领取间隔
	ClaimInterval time.Duration `yaml:"claim_interval" env:"CLAIM_INTERVAL"`
	// 任务可见性超时
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	// 最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 失败重试的基础退避
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// ScheduleConfig 定时调度配置
type ScheduleConfig struct {
	// 是否启用触发器
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 触发器扫描间隔
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	// 每秒最多触发数
	MaxFiresPerSecond float64 `yaml:"max_fires_per_second" env:"MAX_FIRES_PER_SECOND"`
	// 执行前要求的最小积分余额
	MinCreditBalance int64 `yaml:"min_credit_balance" env:"MIN_CREDIT_BALANCE"`
	// 并发规则刷新间隔
	RuleRefreshInterval time.Duration `yaml:"rule_refresh_interval" env:"RULE_REFRESH_INTERVAL"`
	// 默认时区
	DefaultTimezone string `yaml:"default_timezone" env:"DEFAULT_TIMEZONE"`
}

// StorageConfig 快照存储配置
type StorageConfig struct {
	// 驱动类型: database, file
	Driver string `yaml:"driver" env:"DRIVER"`
	// file 驱动的根目录
	Dir string `yaml:"dir" env:"DIR"`
}

// SkillConfig 技能调用服务配置
type SkillConfig struct {
	// 技能服务地址
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CanvasConfig 画布数据源配置
type CanvasConfig struct {
	// 画布 JSON/YAML 文件根目录
	Dir string `yaml:"dir" env:"DIR"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CANVASFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 按字段类型解析环境变量
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Worker.MetricsPort < 0 || c.Worker.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	ex := c.Execution
	if ex.ExecutionTimeout <= 0 {
		errs = append(errs, "execution_timeout must be positive")
	}
	if ex.NodeTimeout <= 0 {
		errs = append(errs, "node_timeout must be positive")
	}
	if ex.NodeTimeout > ex.ExecutionTimeout {
		errs = append(errs, "node_timeout must not exceed execution_timeout")
	}
	if ex.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}
	if ex.PollLockTTL <= 0 || ex.RunNodeLockTTL <= 0 {
		errs = append(errs, "lock ttl must be positive")
	}
	if ex.MaxConcurrentExecutions <= 0 {
		errs = append(errs, "max_concurrent_executions must be positive")
	}

	if c.Queue.Workers <= 0 {
		errs = append(errs, "queue workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue max_attempts must be positive")
	}

	switch c.Storage.Driver {
	case "database":
	case "file":
		if c.Storage.Dir == "" {
			errs = append(errs, "storage dir is required for file driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported storage driver: %s", c.Storage.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
