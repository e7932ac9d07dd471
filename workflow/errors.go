package workflow

import (
	"errors"
	"fmt"
)

// 校验错误：执行不会启动
var (
	ErrEmptyGraph       = errors.New("workflow: graph has no nodes")
	ErrInvalidStartNode = errors.New("workflow: start node not found in graph")
	ErrGraphCycle       = errors.New("workflow: graph contains a cycle")
	ErrDuplicateNode    = errors.New("workflow: duplicate node id")
	ErrInvalidResult    = errors.New("workflow: node result status must be finish or failed")
)

// 竞争错误：调用方应稍后重试
var (
	ErrConcurrencyLimited  = errors.New("workflow: concurrent execution limit reached")
	ErrExecutionInProgress = errors.New("workflow: graph already has an executing run")
)

var (
	ErrExecutionNotFound   = errors.New("workflow: execution not found")
	ErrNodeNotFound        = errors.New("workflow: node execution not found")
	ErrExecutionNotRunning = errors.New("workflow: execution is not running")
	ErrGraphUnavailable    = errors.New("workflow: graph unavailable")
)

// ValidationError 携带出错节点的校验错误
type ValidationError struct {
	Err    error
	NodeID string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.NodeID)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation 判断是否为校验类错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
