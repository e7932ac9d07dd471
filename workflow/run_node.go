package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/internal/ctxkeys"
)

// RunNode 处理一个运行节点任务。
//
// 节点锁只用来避免重复劳动；真正防止重复执行的是
// init/waiting → executing 的条件更新。锁未拿到、节点已处理、
// 父节点未全部完成、条件更新失败时都静默返回，由对账任务稍后重新入队。
func (s *Service) RunNode(ctx context.Context, job RunNodeJob) (err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.run_node", trace.WithAttributes(
		attribute.String("execution.id", job.ExecutionID),
		attribute.String("node.id", job.NodeID),
	))
	defer func() { endSpan(span, err) }()

	log := s.logger.With(ctxkeys.LogFields(ctx)...).With(
		zap.String("execution_id", job.ExecutionID),
		zap.String("node_id", job.NodeID))

	lk, err := s.locker.Acquire(ctx, "node:"+job.ExecutionID+":"+job.NodeID,
		s.cfg.RunNodeLockTTL, s.cfg.RunNodeLockMaxLifetime)
	if err != nil {
		return err
	}
	if lk == nil {
		log.Debug("node locked by another worker")
		return nil
	}
	defer s.release(lk)

	exec, err := s.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		log.Warn("run node after execution ended, ignored", zap.String("execution_status", string(exec.Status)))
		return nil
	}

	node, err := s.store.GetNode(ctx, job.ExecutionID, job.NodeID)
	if err != nil {
		return err
	}
	if !node.Status.IsPending() {
		log.Debug("node already handled", zap.String("status", string(node.Status)))
		return nil
	}

	if err := s.dispatch(ctx, exec, node, log); err != nil {
		s.failNode(context.WithoutCancel(ctx), node, err, log)
		return fmt.Errorf("run node %s: %w", job.NodeID, err)
	}
	return nil
}

// dispatch 检查父节点、抢占执行权并派发
func (s *Service) dispatch(ctx context.Context, exec *Execution, node *NodeExecution, log *zap.Logger) error {
	finished, err := s.store.CountNodesWithStatus(ctx, exec.ID, node.ParentNodeIDs, NodeStatusFinish)
	if err != nil {
		return err
	}
	if int(finished) < len(node.ParentNodeIDs) {
		log.Debug("parents not finished",
			zap.Int64("finished", finished),
			zap.Int("parents", len(node.ParentNodeIDs)))
		return nil
	}

	started := s.now()
	ok, err := s.store.TransitionNode(ctx, exec.ID, node.NodeID,
		[]NodeStatus{NodeStatusInit, NodeStatusWaiting}, NodeStatusExecuting,
		NodeUpdate{StartedAt: &started})
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("lost race to start node")
		return nil
	}
	s.obs.ObserveNodeTransition(string(node.NodeType), string(NodeStatusExecuting))

	if !node.NodeType.IsComputational() {
		ended := s.now()
		if _, err := s.store.TransitionNode(ctx, exec.ID, node.NodeID,
			[]NodeStatus{NodeStatusExecuting}, NodeStatusFinish,
			NodeUpdate{EndedAt: &ended}); err != nil {
			return err
		}
		s.obs.ObserveNodeTransition(string(node.NodeType), string(NodeStatusFinish))
		log.Debug("pass-through node finished")
		return nil
	}

	if err := s.skills.Invoke(ctx, NodeContext{
		ExecutionID: exec.ID,
		UserID:      exec.UserID,
		GraphID:     exec.TargetGraphID,
		NodeID:      node.NodeID,
		NodeType:    node.NodeType,
		EntityID:    node.EntityID,
		Title:       node.Title,
		ParentIDs:   node.ParentNodeIDs,
		Payload:     []byte(node.NodeData),
	}); err != nil {
		return fmt.Errorf("invoke skill: %w", err)
	}
	log.Debug("skill invoked")
	return nil
}

func (s *Service) failNode(ctx context.Context, node *NodeExecution, cause error, log *zap.Logger) {
	msg := cause.Error()
	ended := s.now()
	ok, err := s.store.TransitionNode(ctx, node.ExecutionID, node.NodeID,
		[]NodeStatus{NodeStatusInit, NodeStatusWaiting, NodeStatusExecuting}, NodeStatusFailed,
		NodeUpdate{EndedAt: &ended, ErrorMessage: &msg})
	if err != nil {
		log.Error("mark node failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	if ok {
		s.obs.ObserveNodeTransition(string(node.NodeType), string(NodeStatusFailed))
	}
	log.Warn("node failed", zap.Error(cause))
}
