// Package lock 提供基于 Redis 的分布式锁。
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrTooFrequent 等待锁超过重试上限
var ErrTooFrequent = errors.New("lock: operation too frequent, lock is busy")

// 仅当 token 匹配时删除
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// 仅当 token 匹配时续期
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// =============================================================================
// 🔒 锁服务
// =============================================================================

// Locker 分布式锁服务
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
	obs    Observer
}

// Observer 锁获取结果回调，用于指标
type Observer interface {
	ObserveLockAcquire(name string, acquired bool)
}

// Option Locker 选项
type Option func(*Locker)

// WithPrefix 设置键前缀
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithObserver 设置指标回调
func WithObserver(obs Observer) Option {
	return func(l *Locker) { l.obs = obs }
}

// NewLocker 创建锁服务
func NewLocker(rdb redis.UniversalClient, logger *zap.Logger, opts ...Option) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Locker{
		rdb:    rdb,
		prefix: "lock:",
		logger: logger.With(zap.String("component", "lock")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock 已持有的锁。Release 可重复调用。
type Lock struct {
	locker *Locker
	key    string
	token  string
	ttl    time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Key 返回完整的 Redis 键
func (lk *Lock) Key() string { return lk.key }

// Token 返回持有者 token
func (lk *Lock) Token() string { return lk.token }

// Acquire 尝试获取锁。
// 未获取到时返回 (nil, nil)；获取成功后每 ttl/2 续期一次，
// 续期最多持续 maxLifetime，之后锁随 TTL 自然过期。
func (l *Locker) Acquire(ctx context.Context, key string, ttl, maxLifetime time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive")
	}

	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", fullKey, err)
	}
	if l.obs != nil {
		l.obs.ObserveLockAcquire(lockName(key), ok)
	}
	if !ok {
		return nil, nil
	}

	lk := &Lock{
		locker: l,
		key:    fullKey,
		token:  token,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lk.renewLoop(maxLifetime)

	return lk, nil
}

// WaitOptions WaitAcquire 参数
type WaitOptions struct {
	TTL          time.Duration
	MaxLifetime  time.Duration
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ErrorOnFail 为 true 时重试耗尽返回 ErrTooFrequent，否则返回 (nil, nil)
	ErrorOnFail bool
}

var errBusy = errors.New("lock busy")

// WaitAcquire 以指数退避重试 Acquire
func (l *Locker) WaitAcquire(ctx context.Context, key string, opts WaitOptions) (*Lock, error) {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 50 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}

	backoff := retry.NewExponential(opts.InitialDelay)
	backoff = retry.WithCappedDuration(opts.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(opts.MaxRetries, backoff)

	var acquired *Lock
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		lk, err := l.Acquire(ctx, key, opts.TTL, opts.MaxLifetime)
		if err != nil {
			return err
		}
		if lk == nil {
			return retry.RetryableError(errBusy)
		}
		acquired = lk
		return nil
	})

	switch {
	case err == nil:
		return acquired, nil
	case errors.Is(err, errBusy):
		l.logger.Debug("lock wait exhausted", zap.String("key", key), zap.Uint64("retries", opts.MaxRetries))
		if opts.ErrorOnFail {
			return nil, fmt.Errorf("%w: %s", ErrTooFrequent, key)
		}
		return nil, nil
	default:
		return nil, err
	}
}

// Release 释放锁。只有 token 仍匹配时才删除键，
// 锁已过期并被他人获取时为空操作。
func (lk *Lock) Release(ctx context.Context) error {
	if lk == nil {
		return nil
	}
	lk.stopRenew()

	res, err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", lk.key, err)
	}
	if res == 0 {
		lk.locker.logger.Debug("lock already lost before release", zap.String("key", lk.key))
	}
	return nil
}

func (lk *Lock) stopRenew() {
	lk.stopOnce.Do(func() { close(lk.stop) })
	<-lk.done
}

// renewLoop 周期续期，直到释放、续期失败或超过最大生命周期
func (lk *Lock) renewLoop(maxLifetime time.Duration) {
	defer close(lk.done)

	interval := lk.ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if maxLifetime > 0 {
		timer := time.NewTimer(maxLifetime)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-lk.stop:
			return
		case <-deadline:
			lk.locker.logger.Warn("lock renewal stopped at max lifetime", zap.String("key", lk.key))
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			res, err := renewScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token, lk.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				lk.locker.logger.Warn("lock renewal failed", zap.String("key", lk.key), zap.Error(err))
				continue
			}
			if res == 0 {
				// 已被他人持有
				return
			}
		}
	}
}

// lockName 取键的第一段作为指标标签，避免高基数
func lockName(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
