// Package ctxkeys 在 context 中传递当前任务的标识，供下游日志关联。
package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	jobIDKey   contextKey = "job_id"
	attemptKey contextKey = "job_attempt"
)

// WithJob 记录正在处理的任务 ID 与已尝试次数
func WithJob(ctx context.Context, jobID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, jobIDKey, jobID)
	return context.WithValue(ctx, attemptKey, attempt)
}

// JobID 获取任务 ID
func JobID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(jobIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Attempt 获取任务已尝试次数
func Attempt(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(attemptKey).(int)
	return v, ok
}

// LogFields 返回可附加到 zap logger 的任务字段，没有任务时为空
func LogFields(ctx context.Context) []zap.Field {
	id, ok := JobID(ctx)
	if !ok {
		return nil
	}
	fields := []zap.Field{zap.String("job_id", id)}
	if n, ok := Attempt(ctx); ok {
		fields = append(fields, zap.Int("job_attempt", n))
	}
	return fields
}
