package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/canvasflow/config"
	"github.com/BaSui01/canvasflow/internal/cache"
	"github.com/BaSui01/canvasflow/internal/canvas"
	"github.com/BaSui01/canvasflow/internal/database"
	"github.com/BaSui01/canvasflow/internal/limiter"
	"github.com/BaSui01/canvasflow/internal/lock"
	"github.com/BaSui01/canvasflow/internal/metrics"
	"github.com/BaSui01/canvasflow/internal/objectstore"
	"github.com/BaSui01/canvasflow/internal/queue"
	"github.com/BaSui01/canvasflow/internal/server"
	"github.com/BaSui01/canvasflow/internal/skillclient"
	"github.com/BaSui01/canvasflow/internal/telemetry"
	"github.com/BaSui01/canvasflow/schedule"
	"github.com/BaSui01/canvasflow/workflow"
)

// =============================================================================
// 🖥️ worker 命令
// =============================================================================

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loaded := *cfg
	logger, level, err := initLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Worker.Name == "" {
		cfg.Worker.Name, _ = os.Hostname()
	}
	logger = logger.With(zap.String("worker", cfg.Worker.Name))
	logger.Info("Starting CanvasFlow worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if *configPath != "" {
		reloader := config.NewReloader(*configPath, &loaded, cfg.Worker.ConfigReloadInterval, logger)
		reloader.OnReload(logLevelReloader(level, logger))
		reloader.Start(ctx)
		defer reloader.Stop()
	}

	err = app.run(ctx)
	logger.Info("CanvasFlow worker stopped")
	return err
}

// app 持有 worker 进程的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	otel     *telemetry.Providers
	redis    *cache.Manager
	db       *database.PoolManager
	registry *prometheus.Registry
	metrics  *metrics.Collector

	rules     *limiter.RuleCache
	queue     *queue.RedisQueue
	worker    *queue.Worker
	workflow  *workflow.Service
	trigger   *schedule.Trigger
	opsServer *server.Manager
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.otel, err = telemetry.Init(ctx, cfg.Telemetry, cfg.Worker.Name, logger); err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	a.redis, err = cache.NewManager(cache.Config{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		MaxRetries:          3,
		PoolSize:            cfg.Redis.PoolSize,
		MinIdleConns:        cfg.Redis.MinIdleConns,
		DialTimeout:         5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		TLS:                 cfg.Redis.TLS,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.db, err = database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	db := a.db.DB()
	if cfg.Worker.AutoMigrate {
		if err := autoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database schema auto-migrated")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector("canvasflow", a.registry, logger)

	rdb := a.redis.Client()
	prefix := cfg.Redis.KeyPrefix

	// 协调层：锁、并发名额、任务队列
	locker := lock.NewLocker(rdb, logger, lock.WithPrefix(prefix+"lock:"), lock.WithObserver(a.metrics))
	execStore := workflow.NewGormStore(db, logger)
	a.rules = limiter.NewRuleCache(limiter.NewGormRuleSource(db), cfg.Schedule.RuleRefreshInterval, logger)
	slots := limiter.New(rdb, execStore, limiter.Config{
		DefaultMax: cfg.Execution.MaxConcurrentExecutions,
		CounterTTL: cfg.Execution.CounterTTL,
		KeyPrefix:  prefix + "concurrency:",
	}, logger, limiter.WithRules(a.rules), limiter.WithObserver(a.metrics))

	a.queue = queue.NewRedisQueue(rdb, queue.Options{
		Prefix:            prefix + cfg.Queue.Prefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryBackoff:      cfg.Queue.RetryBackoff,
	}, logger)

	// 协作方
	graphs := canvas.NewFileProvider(cfg.Canvas.Dir, logger)
	skills, err := skillclient.New(skillclient.Config{
		Endpoint:   cfg.Skill.Endpoint,
		Timeout:    cfg.Skill.Timeout,
		MaxRetries: 3,
	}, logger)
	if err != nil {
		return nil, err
	}
	objects, err := openObjectStore(cfg.Storage, db)
	if err != nil {
		return nil, err
	}

	a.workflow = workflow.NewService(workflow.Deps{
		Store:    execStore,
		Graphs:   graphs,
		Skills:   skills,
		Limiter:  slots,
		Locker:   locker,
		Queue:    a.queue,
		Observer: a.metrics,
		Logger:   logger,
	}, workflowConfig(cfg.Execution))
	a.workflow.Register(a.queue)

	processor := schedule.NewProcessor(schedule.ProcessorDeps{
		Store:        schedule.NewGormStore(db, logger),
		Snapshots:    schedule.NewSnapshotStore(objects),
		Graphs:       graphs,
		Ledger:       schedule.NewGormLedger(db),
		Notifier:     schedule.NewLogNotifier(logger),
		Limiter:      slots,
		Orchestrator: a.workflow,
		Queue:        a.queue,
		Observer:     a.metrics,
		Logger:       logger,
	}, schedule.ProcessorConfig{
		MinCredits:      cfg.Schedule.MinCreditBalance,
		RetryDelay:      cfg.Execution.ReserveRetryDelay,
		MaxFireAttempts: cfg.Queue.MaxAttempts,
	})
	processor.Register(a.queue)

	if cfg.Schedule.Enabled {
		a.trigger = schedule.NewTrigger(schedule.NewGormStore(db, logger), a.queue, locker, triggerConfig(cfg.Schedule), logger)
	}

	a.worker = queue.NewWorker(a.queue, queue.WorkerConfig{
		Concurrency:   cfg.Queue.Workers,
		ClaimBatch:    cfg.Queue.ClaimBatch,
		ClaimInterval: cfg.Queue.ClaimInterval,
	}, a.metrics, logger)

	opsCfg := server.DefaultConfig()
	opsCfg.Addr = ":" + strconv.Itoa(cfg.Worker.MetricsPort)
	a.opsServer = server.NewManager(server.NewOpsHandler(server.OpsOptions{
		Gatherer: a.registry,
		Version:  Version,
		Checks: map[string]server.Check{
			"redis":    a.redis.Ping,
			"database": a.db.Ping,
		},
	}, logger), opsCfg, logger)

	return a, nil
}

// run 启动所有后台循环，ctx 取消后等待它们退出
func (a *app) run(ctx context.Context) error {
	if err := a.opsServer.Start(); err != nil {
		return err
	}
	a.rules.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.worker.Run(gctx) })
	if a.trigger != nil {
		g.Go(func() error { return a.trigger.Run(gctx) })
	}
	g.Go(func() error { return a.resumeLoop(gctx) })
	g.Go(func() error { return a.sampleLoop(gctx) })
	g.Go(func() error {
		select {
		case err := <-a.opsServer.Errors():
			return fmt.Errorf("ops server: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	a.logger.Info("worker running",
		zap.Int("queue_workers", a.cfg.Queue.Workers),
		zap.Bool("schedule_trigger", a.trigger != nil),
		zap.String("ops_addr", a.opsServer.Addr()),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// resumeLoop 定期重新投递长时间未对账的执行
func (a *app) resumeLoop(ctx context.Context) error {
	interval := a.cfg.Execution.StalledAfter / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.workflow.ResumeStalled(ctx, 100)
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("resume stalled executions failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("stalled executions resumed", zap.Int("count", n))
			}
		}
	}
}

// sampleLoop 采集连接池与队列积压指标
func (a *app) sampleLoop(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rs := a.redis.PoolStats()
			a.metrics.RecordRedisPool(rs.TotalConns, rs.IdleConns)
			ds := a.db.GetStats()
			a.metrics.RecordDBConnections(ds.OpenConnections, ds.Idle)
			if qs, err := a.queue.Stats(ctx); err == nil {
				a.metrics.RecordQueueDepth(qs.Delayed, qs.Processing, qs.Dead)
			}
		}
	}
}

// close 按依赖逆序释放资源，可在部分初始化后调用
func (a *app) close() {
	timeout := a.cfg.Worker.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.opsServer != nil {
		_ = a.opsServer.Shutdown(ctx)
	}
	if a.rules != nil {
		a.rules.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown telemetry", zap.Error(err))
	}
}

// =============================================================================
// 🔧 配置映射
// =============================================================================

func workflowConfig(c config.ExecutionConfig) workflow.Config {
	wc := workflow.DefaultConfig()
	wc.ExecutionTimeout = c.ExecutionTimeout
	wc.NodeTimeout = c.NodeTimeout
	wc.PollInterval = c.PollInterval
	wc.RunNodeLockTTL = c.RunNodeLockTTL
	wc.RunNodeLockMaxLifetime = c.RunNodeLockMaxLifetime
	wc.PollLockTTL = c.PollLockTTL
	wc.PollLockMaxLifetime = c.PollLockMaxLifetime
	if c.LockWaitRetries > 0 {
		wc.LockWaitRetries = uint64(c.LockWaitRetries)
	}
	if c.LockWaitBackoff > 0 {
		wc.LockWaitBackoff = c.LockWaitBackoff
	}
	if c.StalledAfter > 0 {
		wc.StalledAfter = c.StalledAfter
	}
	return wc
}

func triggerConfig(c config.ScheduleConfig) schedule.TriggerConfig {
	tc := schedule.DefaultTriggerConfig()
	if c.TickInterval > 0 {
		tc.TickInterval = c.TickInterval
	}
	if c.MaxFiresPerSecond > 0 {
		tc.FireRate = c.MaxFiresPerSecond
		tc.FireBurst = int(math.Ceil(c.MaxFiresPerSecond))
	}
	return tc
}

func openObjectStore(c config.StorageConfig, db *gorm.DB) (objectstore.Store, error) {
	switch c.Driver {
	case "file":
		fs, err := objectstore.NewFileStore(c.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "database", "":
		return objectstore.NewGormStore(db), nil
	}
	return nil, fmt.Errorf("unsupported storage driver: %s", c.Driver)
}

func autoMigrate(db *gorm.DB) error {
	if err := workflow.InitDatabase(db); err != nil {
		return err
	}
	if err := schedule.InitDatabase(db); err != nil {
		return err
	}
	return db.AutoMigrate(&objectstore.ObjectBlob{}, &limiter.ConcurrencyRule{})
}

// logLevelReloader 运行期只应用日志级别，其余变化需要重启进程
func logLevelReloader(level zap.AtomicLevel, logger *zap.Logger) config.ReloadCallback {
	return func(old, next *config.Config) {
		if old.Log.Level != next.Log.Level {
			if l, err := zapcore.ParseLevel(next.Log.Level); err == nil {
				level.SetLevel(l)
				logger.Info("log level changed", zap.String("level", l.String()))
			}
		}
		for _, section := range config.ChangedSections(old, next) {
			if section != "log" {
				logger.Warn("config change requires restart", zap.String("section", section))
			}
		}
	}
}
