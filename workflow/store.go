package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/canvasflow/internal/database"
)

// NodeUpdate 节点状态迁移时一并写入的字段，nil 表示不修改
type NodeUpdate struct {
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorMessage *string
}

// ExecutionUpdate 执行聚合结果
type ExecutionUpdate struct {
	Status        ExecutionStatus
	TotalNodes    int
	ExecutedNodes int
	FailedNodes   int
	FailureReason FailureReason
	CompletedAt   *time.Time
}

// Store 执行与节点的持久化。所有状态迁移都是带条件的更新，
// 返回 false 表示条件不满足（竞争失败或已被处理）。
type Store interface {
	CreateExecution(ctx context.Context, exec *Execution, nodes []*NodeExecution) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	GetUserExecution(ctx context.Context, userID, executionID string) (*Execution, error)
	FindExecuting(ctx context.Context, userID, targetGraphID string) (*Execution, error)
	ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Execution, error)
	// SetPollToken 更换对账链 token，仅对 executing 的执行生效
	SetPollToken(ctx context.Context, executionID, token string) (bool, error)
	CountActive(ctx context.Context, userID string) (int64, error)
	ListNodes(ctx context.Context, executionID string) ([]*NodeExecution, error)
	GetNode(ctx context.Context, executionID, nodeID string) (*NodeExecution, error)
	CountNodesWithStatus(ctx context.Context, executionID string, nodeIDs []string, status NodeStatus) (int64, error)
	TransitionNode(ctx context.Context, executionID, nodeID string, from []NodeStatus, to NodeStatus, upd NodeUpdate) (bool, error)
	FailPendingNodes(ctx context.Context, executionID, message string, at time.Time) (int64, error)
	UpdateExecution(ctx context.Context, executionID string, upd ExecutionUpdate) (bool, error)
}

// =============================================================================
// 🗄️ GORM 实现
// =============================================================================

// GormStore 基于 gorm 的 Store
type GormStore struct {
	db      *gorm.DB
	logger  *zap.Logger
	retries int
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:      db,
		logger:  logger.With(zap.String("component", "workflow_store")),
		retries: 3,
	}
}

// InitDatabase 自动迁移执行相关表，仅用于开发与测试；生产环境走 migration
func InitDatabase(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// CreateExecution 在一个事务里写入执行与全部节点
func (s *GormStore) CreateExecution(ctx context.Context, exec *Execution, nodes []*NodeExecution) error {
	return database.WithTransactionRetry(ctx, s.db, s.logger, s.retries, func(tx *gorm.DB) error {
		if err := tx.Create(exec).Error; err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		if len(nodes) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(nodes, 100).Error; err != nil {
			return fmt.Errorf("create node executions: %w", err)
		}
		return nil
	})
}

// GetExecution 按 ID 读取执行
func (s *GormStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).Take(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// GetUserExecution 读取属于 userID 的执行
func (s *GormStore) GetUserExecution(ctx context.Context, userID, executionID string) (*Execution, error) {
	var exec Execution
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND user_id = ?", executionID, userID).
		Take(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// FindExecuting 返回 (user, graph) 上正在执行的运行，没有时返回 nil
func (s *GormStore) FindExecuting(ctx context.Context, userID, targetGraphID string) (*Execution, error) {
	var execs []Execution
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND target_graph_id = ? AND status = ?", userID, targetGraphID, ExecutionStatusExecuting).
		Limit(1).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("find executing: %w", err)
	}
	if len(execs) == 0 {
		return nil, nil
	}
	return &execs[0], nil
}

// SetPollToken 更换对账链 token
func (s *GormStore) SetPollToken(ctx context.Context, executionID, token string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Execution{}).
		Where("execution_id = ? AND status = ?", executionID, ExecutionStatusExecuting).
		Update("poll_token", token)
	if res.Error != nil {
		return false, fmt.Errorf("set poll token of %s: %w", executionID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListStalled 返回 updated_at 早于给定时间的执行中运行
func (s *GormStore) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Execution, error) {
	var execs []*Execution
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", ExecutionStatusExecuting, updatedBefore).
		Order("updated_at").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("list stalled executions: %w", err)
	}
	return execs, nil
}

// CountActive 统计用户进行中的执行数，供限流器播种
func (s *GormStore) CountActive(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Execution{}).
		Where("user_id = ? AND status = ?", userID, ExecutionStatusExecuting).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

// ListNodes 按准备阶段的顺序读取执行的全部节点
func (s *GormStore) ListNodes(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	var nodes []*NodeExecution
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("sort_order").
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", executionID, err)
	}
	return nodes, nil
}

// GetNode 读取单个节点
func (s *GormStore) GetNode(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	var node NodeExecution
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND node_id = ?", executionID, nodeID).
		Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNodeNotFound, executionID, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s/%s: %w", executionID, nodeID, err)
	}
	return &node, nil
}

// CountNodesWithStatus 统计 nodeIDs 中处于 status 的节点数
func (s *GormStore) CountNodesWithStatus(ctx context.Context, executionID string, nodeIDs []string, status NodeStatus) (int64, error) {
	if len(nodeIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&NodeExecution{}).
		Where("execution_id = ? AND node_id IN ? AND status = ?", executionID, nodeIDs, status).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// TransitionNode 仅当当前状态属于 from 时把节点改为 to
func (s *GormStore) TransitionNode(ctx context.Context, executionID, nodeID string, from []NodeStatus, to NodeStatus, upd NodeUpdate) (bool, error) {
	values := map[string]any{"status": to}
	if upd.StartedAt != nil {
		values["started_at"] = *upd.StartedAt
	}
	if upd.EndedAt != nil {
		values["ended_at"] = *upd.EndedAt
	}
	if upd.ErrorMessage != nil {
		values["error_message"] = *upd.ErrorMessage
	}

	res := s.db.WithContext(ctx).Model(&NodeExecution{}).
		Where("execution_id = ? AND node_id = ? AND status IN ?", executionID, nodeID, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("transition node %s/%s to %s: %w", executionID, nodeID, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FailPendingNodes 把所有未到终态的节点标记为失败
func (s *GormStore) FailPendingNodes(ctx context.Context, executionID, message string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&NodeExecution{}).
		Where("execution_id = ? AND status IN ?", executionID,
			[]NodeStatus{NodeStatusInit, NodeStatusWaiting, NodeStatusExecuting}).
		Updates(map[string]any{
			"status":        NodeStatusFailed,
			"error_message": message,
			"ended_at":      at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail pending nodes of %s: %w", executionID, res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateExecution 写入聚合结果，仅当执行仍为 executing 时生效
func (s *GormStore) UpdateExecution(ctx context.Context, executionID string, upd ExecutionUpdate) (bool, error) {
	values := map[string]any{
		"status":         upd.Status,
		"total_nodes":    upd.TotalNodes,
		"executed_nodes": upd.ExecutedNodes,
		"failed_nodes":   upd.FailedNodes,
	}
	if upd.FailureReason != "" {
		values["failure_reason"] = upd.FailureReason
	}
	if upd.CompletedAt != nil {
		values["completed_at"] = *upd.CompletedAt
	}

	res := s.db.WithContext(ctx).Model(&Execution{}).
		Where("execution_id = ? AND status = ?", executionID, ExecutionStatusExecuting).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("update execution %s: %w", executionID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
