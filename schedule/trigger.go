package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/canvasflow/internal/lock"
	"github.com/BaSui01/canvasflow/internal/queue"
)

// TriggerConfig 触发器参数
type TriggerConfig struct {
	TickInterval time.Duration
	BatchSize    int
	// FireRate 每秒最多触发的次数，FireBurst 为突发上限
	FireRate  float64
	FireBurst int
	LockTTL   time.Duration
}

// DefaultTriggerConfig 默认参数
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		TickInterval: 10 * time.Second,
		BatchSize:    100,
		FireRate:     20,
		FireBurst:    20,
		LockTTL:      30 * time.Second,
	}
}

// Trigger 扫描到期的定时任务，为每次触发创建记录并入队 schedule.fire。
// 多个进程同时运行时由分布式锁保证同一时刻只有一个在扫描。
type Trigger struct {
	store  Store
	queue  queue.Queue
	locker *lock.Locker
	rate   *rate.Limiter
	cfg    TriggerConfig
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewTrigger 创建触发器
func NewTrigger(store Store, q queue.Queue, locker *lock.Locker, cfg TriggerConfig, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultTriggerConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FireRate <= 0 {
		cfg.FireRate = def.FireRate
	}
	if cfg.FireBurst <= 0 {
		cfg.FireBurst = def.FireBurst
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	return &Trigger{
		store:  store,
		queue:  q,
		locker: locker,
		rate:   rate.NewLimiter(rate.Limit(cfg.FireRate), cfg.FireBurst),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "schedule_trigger")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetClock 替换时钟，测试用
func (t *Trigger) SetClock(now func() time.Time) {
	t.now = now
}

// Tick 扫描一轮，返回本轮触发的数量
func (t *Trigger) Tick(ctx context.Context) (int, error) {
	lk, err := t.locker.Acquire(ctx, "schedule:tick", t.cfg.LockTTL, 2*t.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	if lk == nil {
		return 0, nil
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			t.logger.Warn("release tick lock", zap.Error(err))
		}
	}()

	now := t.now()
	due, err := t.store.DueSchedules(ctx, now, t.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, sched := range due {
		if err := t.rate.Wait(ctx); err != nil {
			return fired, err
		}
		ok, err := t.fire(ctx, sched, now)
		if err != nil {
			return fired, err
		}
		if ok {
			fired++
		}
	}
	if fired > 0 {
		t.logger.Debug("schedules fired", zap.Int("count", fired))
	}
	return fired, nil
}

// fire 为一次到期触发创建记录、入队并推进 next_run_at
func (t *Trigger) fire(ctx context.Context, sched *Schedule, now time.Time) (bool, error) {
	log := t.logger.With(zap.String("schedule_id", sched.ID))
	scheduledAt := *sched.NextRunAt

	next, err := NextRun(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		log.Error("invalid cron expression, disabling schedule", zap.String("cron", sched.CronExpr), zap.Error(err))
		return false, t.store.DisableSchedule(ctx, sched.ID)
	}

	rec, created, err := t.store.CreateRecord(ctx, &Record{
		ID:          t.newID(),
		ScheduleID:  sched.ID,
		UserID:      sched.UserID,
		GraphID:     sched.GraphID,
		Status:      RecordPending,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return false, err
	}

	if rec.Status == RecordPending {
		if _, err := t.queue.Enqueue(ctx, JobFire, FireJob{RecordID: rec.ID},
			queue.EnqueueOptions{JobID: fireJobID(rec.ID)}); err != nil {
			return false, err
		}
	}

	advanced, err := t.store.AdvanceSchedule(ctx, sched.ID, scheduledAt, &next)
	if err != nil {
		return false, err
	}
	if !advanced {
		log.Debug("schedule advanced concurrently")
	}
	log.Info("schedule triggered",
		zap.String("record_id", rec.ID),
		zap.Bool("new_record", created),
		zap.Time("scheduled_at", scheduledAt),
		zap.Time("next_run_at", next))
	return created, nil
}

// Run 按 TickInterval 周期扫描直到 ctx 取消或 Stop
func (t *Trigger) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("schedule: trigger already running")
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	t.logger.Info("schedule trigger started", zap.Duration("interval", t.cfg.TickInterval))
	for {
		if _, err := t.Tick(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("schedule tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop 停止 Run 并等待其退出
func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stop, done := t.stop, t.done
	t.running = false
	t.mu.Unlock()

	close(stop)
	<-done
}

// NewSchedule 创建一个定时任务并计算首次触发时间
func NewSchedule(ctx context.Context, store Store, sched *Schedule, now time.Time) error {
	next, err := NextRun(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.Enabled = true
	sched.NextRunAt = &next
	return store.CreateSchedule(ctx, sched)
}
