package limiter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuleSource 加载全部用户的并发上限覆盖值
type RuleSource interface {
	LoadRules(ctx context.Context) (map[string]int, error)
}

// =============================================================================
// 📋 规则缓存
// =============================================================================

// RuleCache 进程内规则缓存，带 TTL 和后台刷新。
// 进程启动时 Start 一次，关闭时 Stop。
type RuleCache struct {
	source RuleSource
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	rules    map[string]int
	loadedAt time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRuleCache 创建规则缓存
func NewRuleCache(source RuleSource, ttl time.Duration, logger *zap.Logger) *RuleCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RuleCache{
		source: source,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "rule_cache")),
		now:    time.Now,
		rules:  make(map[string]int),
	}
}

// Get 返回用户的规则。缓存过期时同步刷新，刷新失败则继续使用旧数据。
func (c *RuleCache) Get(ctx context.Context, userID string) (int, bool) {
	if c.stale() {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("rule refresh failed, serving stale rules", zap.Error(err))
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rules[userID]
	return v, ok
}

// Refresh 从数据源重新加载全部规则
func (c *RuleCache) Refresh(ctx context.Context) error {
	rules, err := c.source.LoadRules(ctx)
	if err != nil {
		// 失败也更新时间戳，避免每次 Get 都打到数据源
		c.mu.Lock()
		c.loadedAt = c.now()
		c.mu.Unlock()
		return err
	}
	if rules == nil {
		rules = make(map[string]int)
	}

	c.mu.Lock()
	c.rules = rules
	c.loadedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug("rules refreshed", zap.Int("count", len(rules)))
	return nil
}

// Start 启动后台刷新，重复调用无效
func (c *RuleCache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial rule load failed", zap.Error(err))
	}

	go c.loop(ctx, c.done)
}

// Stop 停止后台刷新并等待退出
func (c *RuleCache) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *RuleCache) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("background rule refresh failed", zap.Error(err))
			}
		}
	}
}

func (c *RuleCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt.IsZero() || c.now().Sub(c.loadedAt) >= c.ttl
}
