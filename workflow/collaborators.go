package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// GraphProvider 画布数据提供方
type GraphProvider interface {
	// GetRawGraphData 返回图的当前内容
	GetRawGraphData(ctx context.Context, userID, graphID string) (*RawGraph, error)
	// CreateSnapshot 返回图在此刻的不可变副本
	CreateSnapshot(ctx context.Context, userID, graphID string) (*RawGraph, error)
}

// NodeContext 交给技能服务的节点上下文
type NodeContext struct {
	ExecutionID string          `json:"executionId"`
	UserID      string          `json:"userId"`
	GraphID     string          `json:"graphId"`
	NodeID      string          `json:"nodeId"`
	NodeType    NodeType        `json:"nodeType"`
	EntityID    string          `json:"entityId"`
	Title       string          `json:"title,omitempty"`
	ParentIDs   []string        `json:"parentNodeIds,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SkillInvoker 技能调用服务。Invoke 只负责提交，
// 完成情况通过 Service.ReportNodeResult 异步回报。
type SkillInvoker interface {
	Invoke(ctx context.Context, nc NodeContext) error
	Cancel(ctx context.Context, executionID, nodeID string) error
}

// Limiter 并发名额
type Limiter interface {
	TryReserve(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// Observer 指标回调
type Observer interface {
	ObserveExecutionStarted(trigger string)
	ObserveExecutionFinished(status, reason string, d time.Duration)
	ObserveNodeTransition(nodeType, status string)
}

type nopObserver struct{}

func (nopObserver) ObserveExecutionStarted(string)                        {}
func (nopObserver) ObserveExecutionFinished(string, string, time.Duration) {}
func (nopObserver) ObserveNodeTransition(string, string)                  {}
