package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/internal/ctxkeys"
)

// PollExecution 对一个执行做一轮对账。
//
// 每轮：检查执行超时，处理卡住的节点，完成可直接完成的透传节点，
// 入队父节点已全部完成的节点，重新计算聚合状态，
// 到终态时归还名额并发出事件，否则延迟安排下一轮。
// 节点级失败只落在节点上；对账自身的存储错误向上返回，由队列重试本轮。
func (s *Service) PollExecution(ctx context.Context, job PollJob) (err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.poll", trace.WithAttributes(
		attribute.String("execution.id", job.ExecutionID),
	))
	defer func() { endSpan(span, err) }()

	log := s.logger.With(ctxkeys.LogFields(ctx)...).With(zap.String("execution_id", job.ExecutionID))

	lk, err := s.locker.Acquire(ctx, "poll:"+job.ExecutionID, s.cfg.PollLockTTL, s.cfg.PollLockMaxLifetime)
	if err != nil {
		return err
	}
	if lk == nil {
		// 持锁的一方会安排下一轮
		log.Debug("poll already in progress")
		return nil
	}
	defer s.release(lk)

	exec, err := s.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	if job.Token != "" && job.Token != exec.PollToken {
		log.Debug("poll chain superseded")
		return nil
	}

	nodes, err := s.store.ListNodes(ctx, exec.ID)
	if err != nil {
		return err
	}

	now := s.now()
	if s.cfg.ExecutionTimeout > 0 && now.Sub(exec.CreatedAt) > s.cfg.ExecutionTimeout {
		msg := fmt.Sprintf("execution timed out after %s", s.cfg.ExecutionTimeout)
		if _, err := s.finalize(ctx, exec, nodes, ExecutionStatusFailed, FailureTimeout, msg); err != nil {
			return err
		}
		log.Warn("execution timed out", zap.Duration("timeout", s.cfg.ExecutionTimeout))
		return nil
	}

	if err := s.failStuckNodes(ctx, exec, nodes, log); err != nil {
		return err
	}

	byID := make(map[string]*NodeExecution, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	parentsFinished := func(n *NodeExecution) bool {
		for _, p := range n.ParentNodeIDs {
			if parent, ok := byID[p]; !ok || parent.Status != NodeStatusFinish {
				return false
			}
		}
		return true
	}

	// 已完成计算节点的透传子节点直接完成
	for _, n := range nodes {
		if n.Status != NodeStatusFinish || !n.NodeType.IsComputational() {
			continue
		}
		for _, childID := range n.ChildNodeIDs {
			child, ok := byID[childID]
			if !ok || child.NodeType.IsComputational() || !child.Status.IsPending() || !parentsFinished(child) {
				continue
			}
			ts := s.now()
			done, err := s.store.TransitionNode(ctx, exec.ID, childID,
				[]NodeStatus{NodeStatusInit, NodeStatusWaiting}, NodeStatusFinish,
				NodeUpdate{StartedAt: &ts, EndedAt: &ts})
			if err != nil {
				return err
			}
			if done {
				child.Status = NodeStatusFinish
				s.obs.ObserveNodeTransition(string(child.NodeType), string(NodeStatusFinish))
			}
		}
	}

	counts := countNodes(nodes)
	status := aggregateStatus(counts)

	if status.IsTerminal() {
		reason := FailureReason("")
		msg := ""
		if status == ExecutionStatusFailed {
			reason = FailureNodeFailed
			msg = fmt.Sprintf("execution failed: node %s failed", counts.firstFailedID)
		}
		_, err := s.finalize(ctx, exec, nodes, status, reason, msg)
		return err
	}

	var ready []string
	for _, n := range nodes {
		if n.Status.IsPending() && parentsFinished(n) {
			if err := s.enqueueRunNode(ctx, exec, n.NodeID); err != nil {
				return err
			}
			ready = append(ready, n.NodeID)
		}
	}
	if len(ready) > 0 {
		log.Debug("enqueued ready nodes", zap.Strings("nodes", ready))
	}

	stillRunning, err := s.store.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status:        ExecutionStatusExecuting,
		TotalNodes:    counts.total,
		ExecutedNodes: counts.finished,
		FailedNodes:   counts.failed,
	})
	if err != nil {
		return err
	}
	if !stillRunning {
		// 对账期间被中止
		return nil
	}

	if counts.pending+counts.executing > 0 {
		return s.schedulePoll(ctx, exec)
	}
	return nil
}

// failStuckNodes 把 executing 超过节点超时的节点置为失败，并请求取消
func (s *Service) failStuckNodes(ctx context.Context, exec *Execution, nodes []*NodeExecution, log *zap.Logger) error {
	if s.cfg.NodeTimeout <= 0 {
		return nil
	}
	now := s.now()

	var stuck []*NodeExecution
	for _, n := range nodes {
		if n.Status != NodeStatusExecuting || n.StartedAt == nil {
			continue
		}
		if now.Sub(*n.StartedAt) <= s.cfg.NodeTimeout {
			continue
		}
		msg := fmt.Sprintf("node timed out after %s", s.cfg.NodeTimeout)
		ok, err := s.store.TransitionNode(ctx, exec.ID, n.NodeID,
			[]NodeStatus{NodeStatusExecuting}, NodeStatusFailed,
			NodeUpdate{EndedAt: &now, ErrorMessage: &msg})
		if err != nil {
			return err
		}
		if !ok {
			// 结果恰好在这一刻回报，重新读取真实状态
			fresh, err := s.store.GetNode(ctx, exec.ID, n.NodeID)
			if err != nil {
				return err
			}
			n.Status, n.ErrorMessage = fresh.Status, fresh.ErrorMessage
			continue
		}
		n.Status, n.ErrorMessage, n.EndedAt = NodeStatusFailed, msg, &now
		stuck = append(stuck, n)
		s.obs.ObserveNodeTransition(string(n.NodeType), string(NodeStatusFailed))
		log.Warn("node timed out", zap.String("node_id", n.NodeID), zap.Duration("timeout", s.cfg.NodeTimeout))
	}

	s.cancelSkills(context.WithoutCancel(ctx), exec.ID, stuck)
	return nil
}
