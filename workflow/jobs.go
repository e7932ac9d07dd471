package workflow

import (
	"context"
	"time"

	"github.com/BaSui01/canvasflow/internal/queue"
)

// 任务类型
const (
	JobRunNode        = "workflow.run_node"
	JobPollExecution  = "workflow.poll_execution"
	JobNodeResult     = "workflow.node_result"
	JobExecutionEvent = "schedule.execution_event"
)

// RunNodeJob 运行一个节点
type RunNodeJob struct {
	ExecutionID string `json:"executionId"`
	NodeID      string `json:"nodeId"`
	UserID      string `json:"userId"`
}

// PollJob 对一个执行做一轮对账
type PollJob struct {
	ExecutionID string `json:"executionId"`
	UserID      string `json:"userId"`
	// Token 所属对账链，为空时总是执行
	Token string `json:"token,omitempty"`
}

// NodeResult 技能服务回报的节点结果
type NodeResult struct {
	ExecutionID  string     `json:"executionId"`
	NodeID       string     `json:"nodeId"`
	Status       NodeStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// ExecutionEvent 定时触发的执行到达终态时发出
type ExecutionEvent struct {
	ExecutionID      string          `json:"executionId"`
	UserID           string          `json:"userId"`
	ScheduleID       string          `json:"scheduleId"`
	ScheduleRecordID string          `json:"scheduleRecordId"`
	Status           ExecutionStatus `json:"status"`
	FailureReason    FailureReason   `json:"failureReason,omitempty"`
	TotalNodes       int             `json:"totalNodes"`
	ExecutedNodes    int             `json:"executedNodes"`
	FailedNodes      int             `json:"failedNodes"`
	FailedNodeID     string          `json:"failedNodeId,omitempty"`
	FailedNodeError  string          `json:"failedNodeError,omitempty"`
	CompletedAt      time.Time       `json:"completedAt"`
}

func runNodeJobID(executionID, nodeID string) string {
	return "run:" + executionID + ":" + nodeID
}

func executionEventJobID(executionID string) string {
	return "event:" + executionID
}

// Register 把三个任务处理函数注册到队列
func (s *Service) Register(q queue.Queue) {
	q.OnJob(JobRunNode, func(ctx context.Context, job *queue.Job) error {
		var data RunNodeJob
		if err := job.Decode(&data); err != nil {
			return err
		}
		return s.RunNode(ctx, data)
	})
	q.OnJob(JobPollExecution, func(ctx context.Context, job *queue.Job) error {
		var data PollJob
		if err := job.Decode(&data); err != nil {
			return err
		}
		return s.PollExecution(ctx, data)
	})
	q.OnJob(JobNodeResult, func(ctx context.Context, job *queue.Job) error {
		var data NodeResult
		if err := job.Decode(&data); err != nil {
			return err
		}
		return s.ReportNodeResult(ctx, data)
	})
}
