package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/internal/ctxkeys"
	"github.com/BaSui01/canvasflow/internal/lock"
	"github.com/BaSui01/canvasflow/internal/queue"
	"github.com/BaSui01/canvasflow/workflow"
)

// 任务类型
const (
	JobFire = "schedule.fire"
)

// FireJob 处理一次触发
type FireJob struct {
	RecordID string `json:"recordId"`
	Retry    bool   `json:"retry,omitempty"`
}

func fireJobID(recordID string) string {
	return "fire:" + recordID
}

// Orchestrator 启动执行
type Orchestrator interface {
	InitializeExecution(ctx context.Context, userID, graphID string, variables map[string]string, opts workflow.InitializeOptions) (string, error)
}

// Observer 记录结果回调，用于指标
type Observer interface {
	ObserveRecord(status, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveRecord(string, string) {}

// ProcessorConfig 处理器参数
type ProcessorConfig struct {
	// MinCredits 触发执行所需的最低余额
	MinCredits int64
	// RetryDelay 名额不足或图正在执行时的重新调度延迟
	RetryDelay time.Duration
	// MaxFireAttempts 基础设施错误累计到该次数后记录置为失败，与队列的最大尝试次数一致
	MaxFireAttempts int
}

// ProcessorDeps 处理器依赖
type ProcessorDeps struct {
	Store        Store
	Snapshots    *SnapshotStore
	Graphs       workflow.GraphProvider
	Ledger       Ledger
	Notifier     Notifier
	Limiter      workflow.Limiter
	Orchestrator Orchestrator
	Queue        queue.Queue
	Observer     Observer
	Logger       *zap.Logger
}

// =============================================================================
// 🎯 触发处理器
// =============================================================================

// Processor 把一次触发变成一次执行，并在执行结束时回写记录
type Processor struct {
	store    Store
	snaps    *SnapshotStore
	graphs   workflow.GraphProvider
	ledger   Ledger
	notifier Notifier
	limiter  workflow.Limiter
	orch     Orchestrator
	queue    queue.Queue
	obs      Observer
	cfg      ProcessorConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewProcessor 创建处理器
func NewProcessor(deps ProcessorDeps, cfg ProcessorConfig) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxFireAttempts <= 0 {
		cfg.MaxFireAttempts = 5
	}
	return &Processor{
		store:    deps.Store,
		snaps:    deps.Snapshots,
		graphs:   deps.Graphs,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		limiter:  deps.Limiter,
		orch:     deps.Orchestrator,
		queue:    deps.Queue,
		obs:      obs,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "schedule_processor")),
		now:      time.Now,
	}
}

// SetClock 替换时钟，测试用
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Register 注册 schedule.fire 与 schedule.execution_event 处理函数
func (p *Processor) Register(q queue.Queue) {
	q.OnJob(JobFire, func(ctx context.Context, job *queue.Job) error {
		var data FireJob
		if err := job.Decode(&data); err != nil {
			return err
		}
		return p.Process(ctx, data)
	})
	q.OnJob(workflow.JobExecutionEvent, func(ctx context.Context, job *queue.Job) error {
		var ev workflow.ExecutionEvent
		if err := job.Decode(&ev); err != nil {
			return err
		}
		return p.HandleExecutionEvent(ctx, ev)
	})
}

// Process 处理一次触发。
//
// 先预留并发名额，名额不足时返回 queue.RetryAfter 延迟重试。
// 记录已失败或已启动时为空操作。新触发保存画布快照，重试复用已有快照。
// 余额不足时直接把记录置为失败并通知用户，不启动执行。
// 基础设施错误交给队列重试，累计 MaxFireAttempts 次后按分类置为失败。
// 除成功启动外的所有出口都归还名额；成功后名额由执行结束时归还。
func (p *Processor) Process(ctx context.Context, job FireJob) (err error) {
	log := p.logger.With(ctxkeys.LogFields(ctx)...).With(zap.String("record_id", job.RecordID))

	rec, err := p.store.GetRecord(ctx, job.RecordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Warn("fire job for unknown record, dropped")
			return nil
		}
		return err
	}
	if !p.processable(rec) {
		log.Debug("record already handled", zap.String("status", string(rec.Status)))
		return nil
	}

	ok, err := p.limiter.TryReserve(ctx, rec.UserID)
	if err != nil {
		return p.retryOrFail(ctx, rec, nil, fmt.Errorf("reserve concurrency slot: %w", err), log)
	}
	if !ok {
		log.Debug("concurrency limit reached, delaying", zap.String("user_id", rec.UserID))
		return queue.RetryAfterReason(p.cfg.RetryDelay, "concurrency limit reached")
	}
	started := false
	defer func() {
		if !started {
			if rerr := p.limiter.Release(context.WithoutCancel(ctx), rec.UserID); rerr != nil {
				log.Warn("release concurrency slot", zap.Error(rerr))
			}
		}
	}()

	now := p.now()
	moved, err := p.store.TransitionRecord(ctx, rec.ID,
		[]RecordStatus{RecordPending, RecordProcessing}, RecordProcessing,
		RecordUpdate{TriggeredAt: &now})
	if err != nil {
		return p.retryOrFail(ctx, rec, nil, err, log)
	}
	if !moved {
		return nil
	}

	sched, err := p.store.GetSchedule(ctx, rec.ScheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return p.fail(ctx, rec, nil, ReasonGraphUnavailable, err.Error())
		}
		return p.retryOrFail(ctx, rec, nil, err, log)
	}

	graph, err := p.snapshot(ctx, rec)
	if err != nil {
		if isTransient(err) {
			return p.retryOrFail(ctx, rec, sched, err, log)
		}
		return p.fail(ctx, rec, sched, Classify(err), err.Error())
	}

	balance, err := p.ledger.GetBalance(ctx, rec.UserID)
	if err != nil {
		return p.retryOrFail(ctx, rec, sched, fmt.Errorf("read credit balance: %w", err), log)
	}
	if balance < p.cfg.MinCredits {
		msg := fmt.Sprintf("%v: balance %d, required %d", ErrInsufficientCredits, balance, p.cfg.MinCredits)
		return p.fail(ctx, rec, sched, ReasonInsufficientCredits, msg)
	}

	trigger := workflow.TriggerScheduled
	if job.Retry || rec.RetryCount > 0 {
		trigger = workflow.TriggerRetry
	}
	execID, err := p.orch.InitializeExecution(ctx, rec.UserID, rec.GraphID, sched.Variables, workflow.InitializeOptions{
		Snapshot:         graph,
		SlotReserved:     true,
		TriggerType:      trigger,
		Title:            sched.Name,
		ScheduleID:       sched.ID,
		ScheduleRecordID: rec.ID,
	})
	if err != nil {
		if isContention(err) {
			log.Info("execution not started, delaying", zap.Error(err))
			return queue.RetryAfterReason(p.cfg.RetryDelay, err.Error())
		}
		if isTransient(err) {
			return p.retryOrFail(ctx, rec, sched, err, log)
		}
		return p.fail(ctx, rec, sched, Classify(err), err.Error())
	}
	started = true

	if _, err := p.store.TransitionRecord(ctx, rec.ID,
		[]RecordStatus{RecordProcessing}, RecordRunning,
		RecordUpdate{ExecutionID: execID}); err != nil {
		// 执行已启动，记录会在执行结束事件里补齐
		log.Error("mark record running", zap.String("execution_id", execID), zap.Error(err))
	}
	p.obs.ObserveRecord(string(RecordRunning), "")
	log.Info("schedule fired",
		zap.String("schedule_id", sched.ID),
		zap.String("execution_id", execID),
		zap.String("trigger", string(trigger)))
	return nil
}

func (p *Processor) processable(rec *Record) bool {
	switch rec.Status {
	case RecordPending:
		return true
	case RecordProcessing:
		// 上次处理在启动执行前中断
		return rec.ExecutionID == ""
	default:
		return false
	}
}

// snapshot 重试复用已保存的快照，新触发从画布创建并保存
func (p *Processor) snapshot(ctx context.Context, rec *Record) (*workflow.RawGraph, error) {
	if rec.SnapshotKey != "" {
		return p.snaps.Load(ctx, rec.SnapshotKey)
	}

	graph, err := p.graphs.CreateSnapshot(ctx, rec.UserID, rec.GraphID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", workflow.ErrGraphUnavailable, rec.GraphID, err)
	}
	key, stored, err := p.snaps.Capture(ctx, rec.UserID, rec.ID, graph)
	if err != nil {
		return nil, &transientError{err}
	}
	if err := p.store.SetSnapshotKey(ctx, rec.ID, key); err != nil {
		return nil, &transientError{err}
	}
	rec.SnapshotKey = key
	return stored, nil
}

// retryOrFail 累计一次基础设施失败。未到上限时原样返回 err 交给队列重试，
// 到达上限后按 Classify 置为失败，避免记录在死信之后停留在 processing。
func (p *Processor) retryOrFail(ctx context.Context, rec *Record, sched *Schedule, err error, log *zap.Logger) error {
	n, cerr := p.store.IncrFireFailures(context.WithoutCancel(ctx), rec.ID)
	if cerr != nil {
		log.Warn("count fire failure", zap.Error(cerr))
		return err
	}
	if n == 0 {
		// 记录已被其他处理推进
		return err
	}
	if n < p.cfg.MaxFireAttempts {
		log.Warn("fire attempt failed, will retry",
			zap.Int("failures", n),
			zap.Int("max_attempts", p.cfg.MaxFireAttempts),
			zap.Error(err))
		return err
	}
	return p.fail(context.WithoutCancel(ctx), rec, sched, Classify(err), err.Error())
}

// fail 把记录置为失败并通知用户
func (p *Processor) fail(ctx context.Context, rec *Record, sched *Schedule, reason FailureReason, message string) error {
	now := p.now()
	ok, err := p.store.TransitionRecord(ctx, rec.ID,
		[]RecordStatus{RecordPending, RecordProcessing, RecordRunning}, RecordFailed,
		RecordUpdate{FailureReason: reason, FailureMessage: message, CompletedAt: &now})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p.obs.ObserveRecord(string(RecordFailed), string(reason))
	p.logger.Warn("schedule record failed",
		zap.String("record_id", rec.ID),
		zap.String("reason", string(reason)),
		zap.String("message", message))
	p.notifyFailure(ctx, rec, sched, reason, message)
	return nil
}

func (p *Processor) notifyFailure(ctx context.Context, rec *Record, sched *Schedule, reason FailureReason, message string) {
	if p.notifier == nil {
		return
	}

	name, next := rec.ScheduleID, "unknown"
	if sched != nil {
		if sched.Name != "" {
			name = sched.Name
		}
		if !sched.Enabled {
			next = "none (schedule disabled)"
		} else if t, err := NextRun(sched.CronExpr, sched.Timezone, p.now()); err == nil {
			next = t.Format(time.RFC3339)
		}
	}

	email := Email{
		UserID:  rec.UserID,
		Subject: fmt.Sprintf("Scheduled run of %q failed", name),
		Body: fmt.Sprintf("Reason: %s\nDetail: %s\nNext scheduled attempt: %s",
			reason, message, next),
	}
	if err := p.notifier.SendEmail(context.WithoutCancel(ctx), email); err != nil {
		p.logger.Warn("send failure email", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

// HandleExecutionEvent 执行到达终态时回写触发记录，失败时通知用户
func (p *Processor) HandleExecutionEvent(ctx context.Context, ev workflow.ExecutionEvent) error {
	log := p.logger.With(
		zap.String("record_id", ev.ScheduleRecordID),
		zap.String("execution_id", ev.ExecutionID))

	rec, err := p.store.GetRecord(ctx, ev.ScheduleRecordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Warn("execution event for unknown record, dropped")
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		log.Debug("record already completed", zap.String("status", string(rec.Status)))
		return nil
	}

	completed := ev.CompletedAt
	if completed.IsZero() {
		completed = p.now()
	}
	active := []RecordStatus{RecordProcessing, RecordRunning}

	if ev.Status == workflow.ExecutionStatusFinish {
		ok, err := p.store.TransitionRecord(ctx, rec.ID, active, RecordFinish,
			RecordUpdate{ExecutionID: ev.ExecutionID, CompletedAt: &completed})
		if err != nil {
			return err
		}
		if ok {
			p.obs.ObserveRecord(string(RecordFinish), "")
			log.Info("schedule record finished",
				zap.Int("executed", ev.ExecutedNodes),
				zap.Int("total", ev.TotalNodes))
		}
		return nil
	}

	reason := reasonForExecution(ev.FailureReason)
	message := fmt.Sprintf("execution %s: %d of %d nodes failed", ev.FailureReason, ev.FailedNodes, ev.TotalNodes)
	if ev.FailedNodeID != "" {
		message += fmt.Sprintf("; node %s: %s", ev.FailedNodeID, ev.FailedNodeError)
	}

	ok, err := p.store.TransitionRecord(ctx, rec.ID, active, RecordFailed, RecordUpdate{
		ExecutionID:    ev.ExecutionID,
		FailureReason:  reason,
		FailureMessage: message,
		CompletedAt:    &completed,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p.obs.ObserveRecord(string(RecordFailed), string(reason))
	log.Warn("schedule record failed", zap.String("reason", string(reason)), zap.String("message", message))

	sched, err := p.store.GetSchedule(ctx, rec.ScheduleID)
	if err != nil {
		log.Warn("load schedule for notification", zap.Error(err))
	}
	p.notifyFailure(ctx, rec, sched, reason, message)
	return nil
}

// RetryRecord 重新触发一条失败的记录，复用其快照
func (p *Processor) RetryRecord(ctx context.Context, userID, recordID string) error {
	rec, err := p.store.GetUserRecord(ctx, userID, recordID)
	if err != nil {
		return err
	}
	if rec.Status != RecordFailed {
		return fmt.Errorf("%w: %s is %s", ErrRecordNotRetryable, recordID, rec.Status)
	}

	ok, err := p.store.TransitionRecord(ctx, rec.ID, []RecordStatus{RecordFailed}, RecordPending,
		RecordUpdate{ClearOutcome: true, IncrRetry: true})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s changed concurrently", ErrRecordNotRetryable, recordID)
	}

	if _, err := p.queue.Enqueue(ctx, JobFire, FireJob{RecordID: rec.ID, Retry: true},
		queue.EnqueueOptions{JobID: fireJobID(rec.ID)}); err != nil {
		return fmt.Errorf("enqueue retry of %s: %w", recordID, err)
	}
	p.logger.Info("schedule record retried", zap.String("record_id", rec.ID), zap.String("user_id", userID))
	return nil
}

// isContention 竞争类错误：稍后重试而不是失败
func isContention(err error) bool {
	return errors.Is(err, workflow.ErrExecutionInProgress) ||
		errors.Is(err, workflow.ErrConcurrencyLimited) ||
		errors.Is(err, lock.ErrTooFrequent)
}

// transientError 基础设施错误，交给队列重试整个任务
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
