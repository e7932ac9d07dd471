package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/internal/lock"
	"github.com/BaSui01/canvasflow/internal/queue"
)

const instrumentationName = "github.com/BaSui01/canvasflow/workflow"

// =============================================================================
// ⚙️ 配置
// =============================================================================

// Config 编排器参数
type Config struct {
	ExecutionTimeout       time.Duration
	NodeTimeout            time.Duration
	PollInterval           time.Duration
	RunNodeLockTTL         time.Duration
	RunNodeLockMaxLifetime time.Duration
	PollLockTTL            time.Duration
	PollLockMaxLifetime    time.Duration
	LockWaitRetries        uint64
	LockWaitBackoff        time.Duration
	// StalledAfter 执行超过该时长未被对账时由 ResumeStalled 重新拉起
	StalledAfter time.Duration
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout:       30 * time.Minute,
		NodeTimeout:            10 * time.Minute,
		PollInterval:           2 * time.Second,
		RunNodeLockTTL:         30 * time.Second,
		RunNodeLockMaxLifetime: 5 * time.Minute,
		PollLockTTL:            10 * time.Second,
		PollLockMaxLifetime:    time.Minute,
		LockWaitRetries:        5,
		LockWaitBackoff:        50 * time.Millisecond,
		StalledAfter:           5 * time.Minute,
	}
}

// Deps 编排器依赖
type Deps struct {
	Store    Store
	Graphs   GraphProvider
	Skills   SkillInvoker
	Limiter  Limiter
	Locker   *lock.Locker
	Queue    queue.Queue
	Observer Observer
	Logger   *zap.Logger
}

// =============================================================================
// 🎯 编排服务
// =============================================================================

// Service 工作流执行编排器
type Service struct {
	store   Store
	graphs  GraphProvider
	skills  SkillInvoker
	limiter Limiter
	locker  *lock.Locker
	queue   queue.Queue
	obs     Observer
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// NewService 创建编排器
func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Service{
		store:   deps.Store,
		graphs:  deps.Graphs,
		skills:  deps.Skills,
		limiter: deps.Limiter,
		locker:  deps.Locker,
		queue:   deps.Queue,
		obs:     obs,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "workflow")),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetClock 替换时钟，测试用
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// InitializeOptions 启动参数
type InitializeOptions struct {
	// StartNodes 为空时从所有根节点开始
	StartNodes []string
	Behavior   NodeBehavior
	// TargetGraphID 为空时等于源图
	TargetGraphID string
	TriggerType   TriggerType
	Title         string

	ScheduleID       string
	ScheduleRecordID string

	// Snapshot 非空时直接使用，不再读取图
	Snapshot *RawGraph
	// SlotReserved 调用方已预留并发名额，失败时由调用方归还
	SlotReserved bool
	// AllowConcurrent 跳过同一 (user, graph) 只能有一个执行中的限制，内部重试使用
	AllowConcurrent bool
}

// InitializeExecution 启动一次执行，返回执行 ID。
// 起始节点入队运行，并在 PollInterval 后安排第一次对账。
func (s *Service) InitializeExecution(ctx context.Context, userID, graphID string, variables map[string]string, opts InitializeOptions) (_ string, err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.initialize", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("graph.id", graphID),
	))
	defer func() { endSpan(span, err) }()

	graph := opts.Snapshot
	if graph == nil {
		graph, err = s.graphs.GetRawGraphData(ctx, userID, graphID)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrGraphUnavailable, graphID, err)
		}
	}

	prepared, err := Prepare(PrepareInput{
		Graph:      graph,
		StartNodes: opts.StartNodes,
		Variables:  variables,
		Behavior:   opts.Behavior,
	})
	if err != nil {
		return "", err
	}

	target := opts.TargetGraphID
	if target == "" {
		target = graphID
	}
	trigger := opts.TriggerType
	if trigger == "" {
		trigger = TriggerManual
	}

	if !opts.AllowConcurrent {
		lk, err := s.locker.WaitAcquire(ctx, "init:"+userID+":"+target, lock.WaitOptions{
			TTL:          s.cfg.PollLockTTL,
			MaxLifetime:  s.cfg.PollLockMaxLifetime,
			MaxRetries:   s.cfg.LockWaitRetries,
			InitialDelay: s.cfg.LockWaitBackoff,
			ErrorOnFail:  true,
		})
		if err != nil {
			return "", err
		}
		defer s.release(lk)

		running, err := s.store.FindExecuting(ctx, userID, target)
		if err != nil {
			return "", err
		}
		if running != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutionInProgress, running.ID)
		}
	}

	if !opts.SlotReserved {
		ok, err := s.limiter.TryReserve(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("reserve concurrency slot: %w", err)
		}
		if !ok {
			return "", ErrConcurrencyLimited
		}
		defer func() {
			if err != nil {
				s.releaseSlot(context.WithoutCancel(ctx), userID)
			}
		}()
	}

	now := s.now()
	title := opts.Title
	if title == "" {
		title = graph.Title
	}
	exec := &Execution{
		ID:               s.newID(),
		UserID:           userID,
		SourceGraphID:    graphID,
		TargetGraphID:    target,
		Title:            title,
		Status:           ExecutionStatusExecuting,
		TotalNodes:       len(prepared.Nodes),
		TriggerType:      trigger,
		ScheduleID:       opts.ScheduleID,
		ScheduleRecordID: opts.ScheduleRecordID,
		PollToken:        s.newID(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	nodes := make([]*NodeExecution, 0, len(prepared.Nodes))
	for i, p := range prepared.Nodes {
		nodes = append(nodes, &NodeExecution{
			ID:            s.newID(),
			ExecutionID:   exec.ID,
			NodeID:        p.NodeID,
			NodeType:      p.NodeType,
			EntityID:      p.EntityID,
			Title:         p.Title,
			Status:        p.Status,
			ParentNodeIDs: p.ParentIDs,
			ChildNodeIDs:  p.ChildIDs,
			NodeData:      string(p.Payload),
			SortOrder:     i,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.store.CreateExecution(ctx, exec, nodes); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))

	if err := s.kickoff(ctx, exec, prepared.StartNodes); err != nil {
		// 执行无法推进，直接置为失败；名额由上面的 defer 或调用方归还
		msg := "failed to schedule execution: " + err.Error()
		ended := s.now()
		if _, ferr := s.store.FailPendingNodes(context.WithoutCancel(ctx), exec.ID, msg, ended); ferr != nil {
			s.logger.Error("fail nodes after kickoff error", zap.String("execution_id", exec.ID), zap.Error(ferr))
		}
		if _, uerr := s.store.UpdateExecution(context.WithoutCancel(ctx), exec.ID, ExecutionUpdate{
			Status:        ExecutionStatusFailed,
			TotalNodes:    len(nodes),
			FailedNodes:   len(nodes),
			FailureReason: FailureAborted,
			CompletedAt:   &ended,
		}); uerr != nil {
			s.logger.Error("fail execution after kickoff error", zap.String("execution_id", exec.ID), zap.Error(uerr))
		}
		return "", err
	}

	s.obs.ObserveExecutionStarted(string(trigger))
	s.logger.Info("execution initialized",
		zap.String("execution_id", exec.ID),
		zap.String("user_id", userID),
		zap.String("graph_id", graphID),
		zap.Int("nodes", len(nodes)),
		zap.Strings("start_nodes", prepared.StartNodes),
		zap.String("trigger", string(trigger)))

	return exec.ID, nil
}

// kickoff 入队起始节点与第一次对账
func (s *Service) kickoff(ctx context.Context, exec *Execution, startNodes []string) error {
	for _, nodeID := range startNodes {
		if err := s.enqueueRunNode(ctx, exec, nodeID); err != nil {
			return err
		}
	}
	return s.schedulePoll(ctx, exec)
}

func (s *Service) enqueueRunNode(ctx context.Context, exec *Execution, nodeID string) error {
	_, err := s.queue.Enqueue(ctx, JobRunNode,
		RunNodeJob{ExecutionID: exec.ID, NodeID: nodeID, UserID: exec.UserID},
		queue.EnqueueOptions{JobID: runNodeJobID(exec.ID, nodeID)})
	if err != nil {
		return fmt.Errorf("enqueue run node %s: %w", nodeID, err)
	}
	return nil
}

func (s *Service) schedulePoll(ctx context.Context, exec *Execution) error {
	jobID := fmt.Sprintf("poll:%s:%d", exec.ID, s.now().UnixNano())
	_, err := s.queue.Enqueue(ctx, JobPollExecution,
		PollJob{ExecutionID: exec.ID, UserID: exec.UserID, Token: exec.PollToken},
		queue.EnqueueOptions{JobID: jobID, Delay: s.cfg.PollInterval})
	if err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	return nil
}

// AbortExecution 中止执行：未完成的节点全部置为失败，执行置为失败。
// 正在运行的技能会收到取消请求，但不等待其确认。
func (s *Service) AbortExecution(ctx context.Context, userID, executionID string) error {
	exec, err := s.store.GetUserExecution(ctx, userID, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotRunning, executionID, exec.Status)
	}

	nodes, err := s.store.ListNodes(ctx, executionID)
	if err != nil {
		return err
	}

	won, err := s.finalize(ctx, exec, nodes, ExecutionStatusFailed, FailureAborted, "execution aborted")
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: %s", ErrExecutionNotRunning, executionID)
	}
	s.logger.Info("execution aborted", zap.String("execution_id", executionID), zap.String("user_id", userID))
	return nil
}

// GetExecutionDetail 返回执行及按依赖拓扑排序的节点
func (s *Service) GetExecutionDetail(ctx context.Context, userID, executionID string) (*ExecutionDetail, error) {
	exec, err := s.store.GetUserExecution(ctx, userID, executionID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: exec, Nodes: TopologicalOrder(nodes)}, nil
}

// ReportNodeResult 接收技能服务回报的结果：executing → finish|failed。
// 执行已到终态或节点不在 executing 时不做任何修改。
func (s *Service) ReportNodeResult(ctx context.Context, res NodeResult) error {
	if res.Status != NodeStatusFinish && res.Status != NodeStatusFailed {
		return &ValidationError{Err: ErrInvalidResult, NodeID: res.NodeID}
	}

	log := s.logger.With(
		zap.String("execution_id", res.ExecutionID),
		zap.String("node_id", res.NodeID))

	exec, err := s.store.GetExecution(ctx, res.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		log.Warn("node result after execution ended, ignored",
			zap.String("execution_status", string(exec.Status)),
			zap.String("result", string(res.Status)))
		return nil
	}

	now := s.now()
	upd := NodeUpdate{EndedAt: &now}
	if res.Status == NodeStatusFailed {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "skill invocation failed"
		}
		upd.ErrorMessage = &msg
	}

	ok, err := s.store.TransitionNode(ctx, res.ExecutionID, res.NodeID,
		[]NodeStatus{NodeStatusExecuting}, res.Status, upd)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("node result for node not executing, ignored", zap.String("result", string(res.Status)))
		return nil
	}

	node, err := s.store.GetNode(ctx, res.ExecutionID, res.NodeID)
	if err == nil {
		s.obs.ObserveNodeTransition(string(node.NodeType), string(res.Status))
	}
	log.Debug("node result recorded", zap.String("status", string(res.Status)))
	return nil
}

// ResumeStalled 为长时间没有对账的执行重新安排对账，
// 用于对账任务在队列中丢失（例如进入死信）后的恢复。返回安排的数量。
func (s *Service) ResumeStalled(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stalled, err := s.store.ListStalled(ctx, s.now().Add(-s.cfg.StalledAfter), limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, exec := range stalled {
		// 新 token 让仍在队列里的旧对账任务失效，同一执行只保留一条对账链
		token := s.newID()
		ok, err := s.store.SetPollToken(ctx, exec.ID, token)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		exec.PollToken = token
		if err := s.schedulePoll(ctx, exec); err != nil {
			return n, err
		}
		n++
		s.logger.Warn("resumed stalled execution", zap.String("execution_id", exec.ID))
	}
	return n, nil
}

// =============================================================================
// 🏁 终态处理
// =============================================================================

type nodeCounts struct {
	total, finished, failed, pending, executing int
	firstFailedID, firstFailedErr                string
}

func countNodes(nodes []*NodeExecution) nodeCounts {
	c := nodeCounts{total: len(nodes)}
	for _, n := range nodes {
		switch {
		case n.Status == NodeStatusFinish:
			c.finished++
		case n.Status == NodeStatusFailed:
			c.failed++
			if c.firstFailedID == "" {
				c.firstFailedID = n.NodeID
				c.firstFailedErr = n.ErrorMessage
			}
		case n.Status == NodeStatusExecuting:
			c.executing++
		case n.Status.IsPending():
			c.pending++
		}
	}
	return c
}

// aggregateStatus 任一节点失败则失败，否则全部完成才完成
func aggregateStatus(c nodeCounts) ExecutionStatus {
	switch {
	case c.failed > 0:
		return ExecutionStatusFailed
	case c.pending+c.executing == 0:
		return ExecutionStatusFinish
	default:
		return ExecutionStatusExecuting
	}
}

// finalize 把执行推进到终态。条件更新成功（won）的一方负责后续副作用：
// 强制失败剩余节点、取消运行中的技能、归还名额、发出调度事件。
func (s *Service) finalize(ctx context.Context, exec *Execution, nodes []*NodeExecution, status ExecutionStatus, reason FailureReason, message string) (bool, error) {
	now := s.now()

	var executing []*NodeExecution
	forced := 0
	if status == ExecutionStatusFailed {
		for _, n := range nodes {
			if n.Status == NodeStatusExecuting {
				executing = append(executing, n)
			}
			if !n.Status.IsTerminal() {
				forced++
			}
		}
	}

	c := countNodes(nodes)
	upd := ExecutionUpdate{
		Status:        status,
		TotalNodes:    c.total,
		ExecutedNodes: c.finished,
		FailedNodes:   c.failed + forced,
		CompletedAt:   &now,
	}
	if status == ExecutionStatusFailed {
		upd.FailureReason = reason
	}

	won, err := s.store.UpdateExecution(ctx, exec.ID, upd)
	if err != nil || !won {
		return false, err
	}

	// 从这里开始执行已是终态，后续步骤尽力而为
	bg := context.WithoutCancel(ctx)
	if forced > 0 {
		if _, err := s.store.FailPendingNodes(bg, exec.ID, message, now); err != nil {
			s.logger.Error("fail remaining nodes", zap.String("execution_id", exec.ID), zap.Error(err))
		}
		if c.firstFailedID == "" {
			for _, n := range nodes {
				if !n.Status.IsTerminal() {
					c.firstFailedID, c.firstFailedErr = n.NodeID, message
					break
				}
			}
		}
	}
	s.cancelSkills(bg, exec.ID, executing)
	s.releaseSlot(bg, exec.UserID)

	if exec.ScheduleRecordID != "" {
		event := ExecutionEvent{
			ExecutionID:      exec.ID,
			UserID:           exec.UserID,
			ScheduleID:       exec.ScheduleID,
			ScheduleRecordID: exec.ScheduleRecordID,
			Status:           status,
			FailureReason:    upd.FailureReason,
			TotalNodes:       upd.TotalNodes,
			ExecutedNodes:    upd.ExecutedNodes,
			FailedNodes:      upd.FailedNodes,
			FailedNodeID:     c.firstFailedID,
			FailedNodeError:  c.firstFailedErr,
			CompletedAt:      now,
		}
		if _, err := s.queue.Enqueue(bg, JobExecutionEvent, event,
			queue.EnqueueOptions{JobID: executionEventJobID(exec.ID)}); err != nil {
			s.logger.Error("emit execution event", zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}

	s.obs.ObserveExecutionFinished(string(status), string(upd.FailureReason), now.Sub(exec.CreatedAt))
	s.logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(status)),
		zap.String("reason", string(upd.FailureReason)),
		zap.Int("executed", upd.ExecutedNodes),
		zap.Int("failed", upd.FailedNodes),
		zap.Int("total", upd.TotalNodes))
	return true, nil
}

// cancelSkills 异步请求取消，不等待确认
func (s *Service) cancelSkills(ctx context.Context, executionID string, nodes []*NodeExecution) {
	for _, n := range nodes {
		if !n.NodeType.IsComputational() {
			continue
		}
		nodeID := n.NodeID
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := s.skills.Cancel(cctx, executionID, nodeID); err != nil {
				s.logger.Warn("cancel skill failed",
					zap.String("execution_id", executionID),
					zap.String("node_id", nodeID),
					zap.Error(err))
			}
		}()
	}
}

func (s *Service) releaseSlot(ctx context.Context, userID string) {
	if err := s.limiter.Release(ctx, userID); err != nil {
		s.logger.Warn("release concurrency slot", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) release(lk *lock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lk.Release(ctx); err != nil {
		s.logger.Warn("release lock", zap.String("key", lk.Key()), zap.Error(err))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
