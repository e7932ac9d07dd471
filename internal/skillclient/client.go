package skillclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/internal/tlsutil"
	"github.com/BaSui01/canvasflow/workflow"
)

// Config 客户端配置
type Config struct {
	// Endpoint 技能服务根地址，如 http://skills:8080/v1/skills
	Endpoint string
	// Timeout 单次请求超时
	Timeout time.Duration
	// MaxRetries 5xx / 网络错误的重试次数
	MaxRetries uint64
	// Backoff 初始退避
	Backoff time.Duration
}

// StatusError 技能服务返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("skill service responded %d: %s", e.StatusCode, e.Body)
}

// Client 通过 HTTP 调用技能服务，实现 workflow.SkillInvoker
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

var _ workflow.SkillInvoker = (*Client)(nil)

// New 创建客户端
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid skill endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		cfg:    cfg,
		http:   tlsutil.HTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "skill_client")),
	}, nil
}

// Invoke 提交节点执行，结果由技能服务异步回报
func (c *Client) Invoke(ctx context.Context, nc workflow.NodeContext) error {
	body, err := json.Marshal(nc)
	if err != nil {
		return fmt.Errorf("marshal node context: %w", err)
	}
	return c.post(ctx, c.cfg.Endpoint+"/invoke", body)
}

type cancelRequest struct {
	ExecutionID string `json:"executionId"`
	NodeID      string `json:"nodeId"`
}

// Cancel 请求取消进行中的节点，404 视为已结束
func (c *Client) Cancel(ctx context.Context, executionID, nodeID string) error {
	body, err := json.Marshal(cancelRequest{ExecutionID: executionID, NodeID: nodeID})
	if err != nil {
		return err
	}
	err = c.post(ctx, c.cfg.Endpoint+"/cancel", body)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) post(ctx context.Context, target string, body []byte) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.Backoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("skill request failed", zap.String("url", target), zap.Error(err))
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 == 2 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("skill service unavailable", zap.String("url", target), zap.Int("status", resp.StatusCode))
			return retry.RetryableError(se)
		}
		return se
	})
}
