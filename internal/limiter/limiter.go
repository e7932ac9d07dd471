// Package limiter 提供按用户限制并发执行数的计数器。
//
// 计数器保存在 Redis 中并带 TTL，它只是关系库中"进行中执行数"的缓存：
// 键丢失时从数据库重新播种，Redis 不可用时降级为直接查库比较。
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 返回值：-2 需要播种，-1 超限（已回滚），>=1 预留后的计数
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	if ARGV[1] == '' then
		return -2
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
end
local v = redis.call('INCR', KEYS[1])
if v > tonumber(ARGV[2]) then
	redis.call('DECR', KEYS[1])
	return -1
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return v
`)

// 不会减到 0 以下；键不存在时为空操作
var releaseScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '-1')
if v < 0 then
	return -1
end
if v == 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

const (
	needSeed = -2
	overMax  = -1
)

// Counter 从关系库统计用户进行中的执行数
type Counter interface {
	CountActive(ctx context.Context, userID string) (int64, error)
}

// Observer 预留结果回调，用于指标
type Observer interface {
	ObserveReservation(result string)
}

// 预留结果标签
const (
	ResultReserved = "reserved"
	ResultRejected = "rejected"
	ResultFallback = "fallback"
)

// Config 限流配置
type Config struct {
	DefaultMax int
	CounterTTL time.Duration
	KeyPrefix  string
}

// Limiter 按用户的并发执行限流器
type Limiter struct {
	rdb     redis.UniversalClient
	counter Counter
	rules   *RuleCache
	cfg     Config
	obs     Observer
	logger  *zap.Logger
}

// Option Limiter 选项
type Option func(*Limiter)

// WithRules 使用规则缓存解析每个用户的上限
func WithRules(rules *RuleCache) Option {
	return func(l *Limiter) { l.rules = rules }
}

// WithObserver 设置指标回调
func WithObserver(obs Observer) Option {
	return func(l *Limiter) { l.obs = obs }
}

// New 创建限流器
func New(rdb redis.UniversalClient, counter Counter, cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMax <= 0 {
		cfg.DefaultMax = 5
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = 2 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "concurrency:"
	}
	l := &Limiter{
		rdb:     rdb,
		counter: counter,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "limiter")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key 返回用户计数器键
func (l *Limiter) Key(userID string) string {
	return l.cfg.KeyPrefix + userID
}

// MaxFor 返回用户的并发上限
func (l *Limiter) MaxFor(ctx context.Context, userID string) int {
	if l.rules != nil {
		if v, ok := l.rules.Get(ctx, userID); ok && v > 0 {
			return v
		}
	}
	return l.cfg.DefaultMax
}

// TryReserve 尝试为用户预留一个执行名额。
// 返回 false 表示已达上限，调用方应延迟重试而不是直接失败。
func (l *Limiter) TryReserve(ctx context.Context, userID string) (bool, error) {
	limit := l.MaxFor(ctx, userID)
	key := l.Key(userID)
	ttl := l.cfg.CounterTTL.Milliseconds()

	res, err := reserveScript.Run(ctx, l.rdb, []string{key}, "", limit, ttl).Int64()
	if err == nil && res == needSeed {
		var seed int64
		seed, err = l.counter.CountActive(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("limiter: count active for seed: %w", err)
		}
		res, err = reserveScript.Run(ctx, l.rdb, []string{key}, seed, limit, ttl).Int64()
		if err == nil {
			l.logger.Info("counter seeded from database",
				zap.String("user_id", userID),
				zap.Int64("seed", seed))
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return l.fallbackReserve(ctx, userID, limit, err)
	}

	if res == overMax {
		l.observe(ResultRejected)
		l.logger.Debug("concurrency limit reached",
			zap.String("user_id", userID),
			zap.Int("max", limit))
		return false, nil
	}
	l.observe(ResultReserved)
	return true, nil
}

// fallbackReserve Redis 不可用时直接查库比较（非原子，尽力而为）
func (l *Limiter) fallbackReserve(ctx context.Context, userID string, limit int, cause error) (bool, error) {
	l.logger.Warn("counter unavailable, falling back to database count",
		zap.String("user_id", userID),
		zap.Error(cause))

	active, err := l.counter.CountActive(ctx, userID)
	if err != nil {
		return false, errors.Join(
			fmt.Errorf("limiter: counter unavailable: %w", cause),
			fmt.Errorf("limiter: fallback count: %w", err),
		)
	}
	l.observe(ResultFallback)
	if active >= int64(limit) {
		return false, nil
	}
	return true, nil
}

// Release 归还一个名额。计数器不存在或已为 0 时为空操作。
func (l *Limiter) Release(ctx context.Context, userID string) error {
	res, err := releaseScript.Run(ctx, l.rdb, []string{l.Key(userID)}).Int64()
	if err != nil {
		// 计数器只是缓存，丢失的递减会在 TTL 到期后由数据库重新播种修正
		l.logger.Warn("release counter failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	if res < 0 {
		l.logger.Debug("release on missing counter", zap.String("user_id", userID))
	}
	return nil
}

// Recover 用数据库统计值重置计数器并返回该值
func (l *Limiter) Recover(ctx context.Context, userID string) (int64, error) {
	active, err := l.counter.CountActive(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("limiter: count active: %w", err)
	}
	if err := l.rdb.Set(ctx, l.Key(userID), active, l.cfg.CounterTTL).Err(); err != nil {
		return 0, fmt.Errorf("limiter: reset counter: %w", err)
	}
	return active, nil
}

// Current 返回计数器当前值；键不存在时返回 (0, false)
func (l *Limiter) Current(ctx context.Context, userID string) (int64, bool, error) {
	v, err := l.rdb.Get(ctx, l.Key(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (l *Limiter) observe(result string) {
	if l.obs != nil {
		l.obs.ObserveReservation(result)
	}
}
