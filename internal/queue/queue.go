// Package queue 提供通用异步任务队列。
//
// 投递语义为至少一次：处理函数必须幂等。相同 JobID 的任务在等待或处理期间
// 只会存在一份；处理成功后该 ID 可以再次入队。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job 队列中的一个任务
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Decode 将负载解码到 v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// EnqueueOptions 入队选项
type EnqueueOptions struct {
	// JobID 幂等键，为空时自动生成
	JobID string
	// Delay 延迟执行
	Delay time.Duration
}

// Handler 任务处理函数
type Handler func(ctx context.Context, job *Job) error

// Queue 任务队列
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error)
	OnJob(jobType string, handler Handler)
}

// =============================================================================
// ⏳ 延迟重试
// =============================================================================

// DelayError 处理函数返回它表示"稍后再试"，不消耗重试次数
type DelayError struct {
	Delay  time.Duration
	Reason string
}

func (e *DelayError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("retry after %s", e.Delay)
	}
	return fmt.Sprintf("retry after %s: %s", e.Delay, e.Reason)
}

// RetryAfter 构造 DelayError
func RetryAfter(d time.Duration) error {
	return &DelayError{Delay: d}
}

// RetryAfterReason 构造带原因的 DelayError
func RetryAfterReason(d time.Duration, reason string) error {
	return &DelayError{Delay: d, Reason: reason}
}

// AsDelay 判断 err 是否要求延迟重试
func AsDelay(err error) (time.Duration, bool) {
	var de *DelayError
	if errors.As(err, &de) {
		return de.Delay, true
	}
	return 0, false
}

// Observer 任务结果回调，用于指标
type Observer interface {
	ObserveJob(jobType, outcome string, d time.Duration)
}

// 任务结果标签
const (
	OutcomeSuccess = "success"
	OutcomeDelayed = "delayed"
	OutcomeRetry   = "retry"
	OutcomeDead    = "dead"
)
