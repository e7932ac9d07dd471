package workflow

import "time"

// =============================================================================
// 📋 状态
// =============================================================================

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusFinish    ExecutionStatus = "finish"
)

// IsTerminal 是否为终态
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusFailed || s == ExecutionStatusFinish
}

// NodeStatus 节点状态
type NodeStatus string

const (
	NodeStatusInit      NodeStatus = "init"
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusExecuting NodeStatus = "executing"
	NodeStatusFinish    NodeStatus = "finish"
	NodeStatusFailed    NodeStatus = "failed"
)

// IsTerminal 是否为终态
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusFinish || s == NodeStatusFailed
}

// IsPending 是否尚未开始
func (s NodeStatus) IsPending() bool {
	return s == NodeStatusInit || s == NodeStatusWaiting
}

// TriggerType 触发方式
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerRetry     TriggerType = "retry"
)

// FailureReason 执行失败原因
type FailureReason string

const (
	FailureNodeFailed FailureReason = "node_failed"
	FailureTimeout    FailureReason = "timeout"
	FailureAborted    FailureReason = "aborted"
)

// =============================================================================
// 💾 持久化模型
// =============================================================================

// Execution 一次图运行
type Execution struct {
	ID               string          `gorm:"column:execution_id;primaryKey;size:64" json:"executionId"`
	UserID           string          `gorm:"column:user_id;size:64;not null;index:idx_exec_user_status,priority:1;index:idx_exec_user_graph,priority:1" json:"userId"`
	SourceGraphID    string          `gorm:"column:source_graph_id;size:64;not null" json:"sourceGraphId"`
	TargetGraphID    string          `gorm:"column:target_graph_id;size:64;not null;index:idx_exec_user_graph,priority:2" json:"targetGraphId"`
	Title            string          `gorm:"column:title;size:255" json:"title"`
	Status           ExecutionStatus `gorm:"column:status;size:16;not null;index:idx_exec_user_status,priority:2" json:"status"`
	TotalNodes       int             `gorm:"column:total_nodes;not null;default:0" json:"totalNodes"`
	ExecutedNodes    int             `gorm:"column:executed_nodes;not null;default:0" json:"executedNodes"`
	FailedNodes      int             `gorm:"column:failed_nodes;not null;default:0" json:"failedNodes"`
	TriggerType      TriggerType     `gorm:"column:trigger_type;size:16;not null" json:"triggerType"`
	ScheduleID       string          `gorm:"column:schedule_id;size:64" json:"scheduleId,omitempty"`
	ScheduleRecordID string          `gorm:"column:schedule_record_id;size:64" json:"scheduleRecordId,omitempty"`
	FailureReason    FailureReason   `gorm:"column:failure_reason;size:32" json:"failureReason,omitempty"`
	// PollToken 当前有效的对账链，携带其他 token 的对账任务直接丢弃
	PollToken        string          `gorm:"column:poll_token;size:64" json:"-"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;index" json:"updatedAt"`
	CompletedAt      *time.Time      `gorm:"column:completed_at" json:"completedAt,omitempty"`
}

// TableName 表名
func (Execution) TableName() string { return "workflow_executions" }

// NodeExecution 执行中的一个节点
type NodeExecution struct {
	ID            string     `gorm:"column:node_execution_id;primaryKey;size:64" json:"nodeExecutionId"`
	ExecutionID   string     `gorm:"column:execution_id;size:64;not null;uniqueIndex:uk_node_exec,priority:1" json:"executionId"`
	NodeID        string     `gorm:"column:node_id;size:64;not null;uniqueIndex:uk_node_exec,priority:2" json:"nodeId"`
	NodeType      NodeType   `gorm:"column:node_type;size:32;not null" json:"nodeType"`
	EntityID      string     `gorm:"column:entity_id;size:64" json:"entityId"`
	Title         string     `gorm:"column:title;size:255" json:"title"`
	Status        NodeStatus `gorm:"column:status;size:16;not null" json:"status"`
	ParentNodeIDs []string   `gorm:"column:parent_node_ids;serializer:json;type:text" json:"parentNodeIds"`
	ChildNodeIDs  []string   `gorm:"column:child_node_ids;serializer:json;type:text" json:"childNodeIds"`
	NodeData      string     `gorm:"column:node_data;type:text" json:"nodeData,omitempty"`
	SortOrder     int        `gorm:"column:sort_order;not null;default:0" json:"sortOrder"`
	ErrorMessage  string     `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	StartedAt     *time.Time `gorm:"column:started_at" json:"startedAt,omitempty"`
	EndedAt       *time.Time `gorm:"column:ended_at" json:"endedAt,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName 表名
func (NodeExecution) TableName() string { return "workflow_node_executions" }

// ExecutionDetail 执行及按依赖拓扑排序的节点
type ExecutionDetail struct {
	Execution *Execution       `json:"execution"`
	Nodes     []*NodeExecution `json:"nodes"`
}

// Models 返回需要迁移的模型
func Models() []any {
	return []any{&Execution{}, &NodeExecution{}}
}
