package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/testutil"
)

type payload struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
}

func newTestQueue(t *testing.T, opts Options) (*miniredis.Miniredis, *RedisQueue, *testutil.Clock) {
	t.Helper()
	mr, rdb := testutil.NewRedis(t)
	q := NewRedisQueue(rdb, opts, zap.NewNop())
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q.SetClock(clock.Now)
	return mr, q, clock
}

func TestRedisQueue_EnqueueDeduplicatesByJobID(t *testing.T) {
	_, q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run", payload{ExecutionID: "e1", NodeID: "a"}, EnqueueOptions{JobID: "run:e1:a"})
	require.NoError(t, err)
	assert.Equal(t, "run:e1:a", id)

	id, err = q.Enqueue(ctx, "run", payload{ExecutionID: "e1", NodeID: "a"}, EnqueueOptions{JobID: "run:e1:a"})
	require.NoError(t, err)
	assert.Equal(t, "run:e1:a", id)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	generated, err := q.Enqueue(ctx, "run", payload{}, EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, "run:e1:a", generated)
}

func TestRedisQueue_DelayedJobsAreNotClaimedEarly(t *testing.T) {
	_, q, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "poll", payload{ExecutionID: "e1"}, EnqueueOptions{JobID: "p1", Delay: 2 * time.Second})
	require.NoError(t, err)

	jobs, err := q.claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock.Advance(2 * time.Second)
	jobs, err = q.claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "poll", jobs[0].Type)

	var p payload
	require.NoError(t, jobs[0].Decode(&p))
	assert.Equal(t, "e1", p.ExecutionID)
}

func TestRedisQueue_IDReusableAfterCompletion(t *testing.T) {
	_, q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run", payload{}, EnqueueOptions{JobID: "same"})
	require.NoError(t, err)

	jobs, err := q.claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// 处理中仍然去重
	_, err = q.Enqueue(ctx, "run", payload{}, EnqueueOptions{JobID: "same"})
	require.NoError(t, err)
	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(1), stats.Processing)

	require.NoError(t, q.complete(ctx, jobs[0]))

	_, err = q.Enqueue(ctx, "run", payload{}, EnqueueOptions{JobID: "same"})
	require.NoError(t, err)
	stats, _ = q.Stats(ctx)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestRedisQueue_ReapReturnsExpiredJobs(t *testing.T) {
	_, q, clock := newTestQueue(t, Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run", payload{}, EnqueueOptions{JobID: "j"})
	require.NoError(t, err)
	jobs, err := q.claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := q.reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.Advance(2 * time.Minute)
	n, err = q.reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jobs, err = q.claim(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRedisQueue_Backoff(t *testing.T) {
	_, q, _ := newTestQueue(t, Options{RetryBackoff: time.Second, MaxBackoff: 5 * time.Second})

	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
	assert.Equal(t, 5*time.Second, q.backoff(10))
}

func TestWorker_HandleOutcomes(t *testing.T) {
	_, q, clock := newTestQueue(t, Options{MaxAttempts: 2, RetryBackoff: time.Second})
	obs := &recordingObserver{}
	w := NewWorker(q, WorkerConfig{Concurrency: 2}, obs, zap.NewNop())
	ctx := context.Background()

	var delayedOnce atomic.Bool
	q.OnJob("ok", func(ctx context.Context, job *Job) error { return nil })
	q.OnJob("busy", func(ctx context.Context, job *Job) error {
		if delayedOnce.CompareAndSwap(false, true) {
			return RetryAfter(30 * time.Second)
		}
		return nil
	})
	q.OnJob("broken", func(ctx context.Context, job *Job) error { return errors.New("boom") })

	for _, typ := range []string{"ok", "busy", "broken", "orphan"} {
		_, err := q.Enqueue(ctx, typ, payload{}, EnqueueOptions{JobID: typ})
		require.NoError(t, err)
	}

	jobs, err := q.claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	for _, job := range jobs {
		_ = w.handle(ctx, job)
	}

	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(0), stats.Processing)
	// busy 延迟，broken 与 orphan 第一次失败后重试
	assert.Equal(t, int64(3), stats.Delayed)

	clock.Advance(time.Second)
	jobs, err = q.claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "busy is still delayed")
	for _, job := range jobs {
		assert.Equal(t, 1, job.Attempts)
		if job.ID == "broken" {
			assert.Equal(t, "boom", job.LastError)
		}
		_ = w.handle(ctx, job)
	}

	stats, _ = q.Stats(ctx)
	assert.Equal(t, int64(2), stats.Dead)
	assert.Equal(t, int64(1), stats.Delayed)

	dead, err := q.DeadJob(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, 2, dead.Attempts)
	assert.Equal(t, "boom", dead.LastError)

	// 死信后同 ID 可以重新入队
	_, err = q.Enqueue(ctx, "broken", payload{}, EnqueueOptions{JobID: "broken"})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	jobs, err = q.claim(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
		if job.ID == "busy" {
			assert.Equal(t, 0, job.Attempts, "delay does not consume attempts")
		}
	}
	assert.ElementsMatch(t, []string{"busy", "broken"}, ids)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.outcomes["ok/"+OutcomeSuccess])
	assert.Equal(t, 1, obs.outcomes["busy/"+OutcomeDelayed])
	assert.Equal(t, 1, obs.outcomes["broken/"+OutcomeRetry])
	assert.Equal(t, 1, obs.outcomes["broken/"+OutcomeDead])
	assert.Equal(t, 1, obs.outcomes["orphan/"+OutcomeDead])
}

func TestWorker_RunProcessesJobs(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := NewRedisQueue(rdb, Options{Prefix: "t:"}, zap.NewNop())
	w := NewWorker(q, WorkerConfig{Concurrency: 4, ClaimInterval: 5 * time.Millisecond}, nil, zap.NewNop())

	var mu sync.Mutex
	seen := make(map[string]bool)
	q.OnJob("run", func(ctx context.Context, job *Job) error {
		var p payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		seen[p.NodeID] = true
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, n := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(context.Background(), "run", payload{NodeID: n}, EnqueueOptions{})
		require.NoError(t, err)
	}

	testutil.AssertEventuallyTrue(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second)

	cancel()
	require.NoError(t, <-done)
}

func TestDelayError(t *testing.T) {
	err := RetryAfterReason(time.Minute, "limit")
	wrapped := errors.Join(errors.New("outer"), err)

	d, ok := AsDelay(wrapped)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d)
	assert.Contains(t, err.Error(), "limit")

	_, ok = AsDelay(errors.New("plain"))
	assert.False(t, ok)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) ObserveJob(jobType, outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[jobType+"/"+outcome]++
}
