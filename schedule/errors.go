package schedule

import (
	"context"
	"errors"

	"github.com/BaSui01/canvasflow/internal/objectstore"
	"github.com/BaSui01/canvasflow/workflow"
)

var (
	ErrInsufficientCredits = errors.New("schedule: insufficient credits")
	ErrScheduleNotFound    = errors.New("schedule: schedule not found")
	ErrRecordNotFound      = errors.New("schedule: record not found")
	ErrRecordNotRetryable  = errors.New("schedule: only failed records can be retried")
	ErrInvalidCron         = errors.New("schedule: invalid cron expression")
)

// Classify 把触发过程中的错误归入固定的失败原因
func Classify(err error) FailureReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredits):
		return ReasonInsufficientCredits
	case errors.Is(err, workflow.ErrGraphUnavailable),
		errors.Is(err, workflow.ErrEmptyGraph),
		errors.Is(err, objectstore.ErrObjectNotFound):
		return ReasonGraphUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonExecutionTimeout
	case workflow.IsValidation(err),
		errors.Is(err, workflow.ErrExecutionInProgress),
		errors.Is(err, workflow.ErrExecutionNotRunning):
		return ReasonExecutionFailed
	default:
		return ReasonUnknown
	}
}

// reasonForExecution 执行终态事件对应的记录失败原因
func reasonForExecution(reason workflow.FailureReason) FailureReason {
	if reason == workflow.FailureTimeout {
		return ReasonExecutionTimeout
	}
	return ReasonExecutionFailed
}
