package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 任务键存在即视为重复
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// 取出到期任务并移入处理集合
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// 把可见性超时的任务放回延迟集合
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// Options RedisQueue 配置
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	MaxBackoff        time.Duration
	DeadTTL           time.Duration
}

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "queue:"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.DeadTTL <= 0 {
		o.DeadTTL = 7 * 24 * time.Hour
	}
}

// =============================================================================
// 📮 Redis 队列
// =============================================================================

// RedisQueue 基于 Redis 的至少一次任务队列。
//
// 键布局（均带前缀）：
//
//	job:{id}      任务 JSON，存在期间同 ID 入队被去重
//	delayed       ZSET，score 为可执行时间（毫秒）
//	processing    ZSET，score 为可见性截止时间（毫秒）
//	dead          LIST，超过重试次数的任务 ID
//	dead:{id}     死信任务 JSON
type RedisQueue struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRedisQueue 创建队列
func NewRedisQueue(rdb redis.UniversalClient, opts Options, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &RedisQueue{
		rdb:      rdb,
		opts:     opts,
		logger:   logger.With(zap.String("component", "queue")),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// SetClock 替换时钟，测试用
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *RedisQueue) jobKey(id string) string  { return q.opts.Prefix + "job:" + id }
func (q *RedisQueue) deadKey(id string) string { return q.opts.Prefix + "dead:" + id }
func (q *RedisQueue) delayedKey() string       { return q.opts.Prefix + "delayed" }
func (q *RedisQueue) processingKey() string    { return q.opts.Prefix + "processing" }
func (q *RedisQueue) deadListKey() string      { return q.opts.Prefix + "dead" }

// Enqueue 入队。相同 JobID 的任务仍在等待或处理中时不重复入队，返回已有 ID。
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal %s payload: %w", jobType, err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := q.now()
	job := Job{
		ID:         id,
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}

	runAt := now.Add(opts.Delay).UnixMilli()
	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.delayedKey()},
		data, runAt, id,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}
	if added == 0 {
		q.logger.Debug("duplicate job ignored", zap.String("job_id", id), zap.String("type", jobType))
	}
	return id, nil
}

// OnJob 注册处理函数，同类型后注册的覆盖先注册的
func (q *RedisQueue) OnJob(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *RedisQueue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// claim 取出最多 limit 个到期任务
func (q *RedisQueue) claim(ctx context.Context, limit int) ([]*Job, error) {
	now := q.now()
	deadline := now.Add(q.opts.VisibilityTimeout).UnixMilli()

	ids, err := claimScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.processingKey()},
		now.UnixMilli(), limit, deadline,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	values, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load claimed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// 任务体丢失，移出处理集合
			q.rdb.ZRem(ctx, q.processingKey(), ids[i])
			q.logger.Warn("claimed job without body", zap.String("job_id", ids[i]))
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			q.rdb.ZRem(ctx, q.processingKey(), ids[i])
			q.logger.Error("corrupt job body", zap.String("job_id", ids[i]), zap.Error(err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// complete 处理成功，删除任务体，ID 可再次入队
func (q *RedisQueue) complete(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.processingKey(), job.ID)
		p.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	return err
}

// delay 延迟重投，不计入重试次数
func (q *RedisQueue) delay(ctx context.Context, job *Job, d time.Duration) error {
	runAt := q.now().Add(d).UnixMilli()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.processingKey(), job.ID)
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt), Member: job.ID})
		return nil
	})
	return err
}

// fail 记录失败；未超过上限时按指数退避重投，否则进入死信
func (q *RedisQueue) fail(ctx context.Context, job *Job, cause error) (dead bool, err error) {
	job.Attempts++
	job.LastError = cause.Error()
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	if job.Attempts >= q.opts.MaxAttempts {
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, q.processingKey(), job.ID)
			p.Del(ctx, q.jobKey(job.ID))
			p.Set(ctx, q.deadKey(job.ID), data, q.opts.DeadTTL)
			p.LPush(ctx, q.deadListKey(), job.ID)
			return nil
		})
		return true, err
	}

	runAt := q.now().Add(q.backoff(job.Attempts)).UnixMilli()
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.processingKey(), job.ID)
		p.Set(ctx, q.jobKey(job.ID), data, 0)
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt), Member: job.ID})
		return nil
	})
	return false, err
}

func (q *RedisQueue) backoff(attempts int) time.Duration {
	d := q.opts.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}

// reap 把可见性超时的任务放回延迟集合
func (q *RedisQueue) reap(ctx context.Context) (int64, error) {
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.processingKey(), q.delayedKey()},
		q.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	return n, nil
}

// Stats 队列积压统计
type Stats struct {
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Stats 返回当前积压
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.ZCard(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.deadListKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadJob 读取死信任务
func (q *RedisQueue) DeadJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, q.deadKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
