package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/canvasflow/internal/ctxkeys"
	"github.com/BaSui01/canvasflow/internal/pool"
)

// WorkerConfig worker 运行参数
type WorkerConfig struct {
	Concurrency   int
	ClaimBatch    int
	ClaimInterval time.Duration
	ReapInterval  time.Duration
	// JobTimeout 单个任务处理上限，默认等于可见性超时
	JobTimeout time.Duration
}

// Worker 从 RedisQueue 拉取任务并分发给已注册的处理函数
type Worker struct {
	q      *RedisQueue
	cfg    WorkerConfig
	pool   *pool.Pool
	obs    Observer
	logger *zap.Logger
}

// NewWorker 创建 worker
func NewWorker(q *RedisQueue, cfg WorkerConfig, obs Observer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = cfg.Concurrency
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 200 * time.Millisecond
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = q.opts.VisibilityTimeout / 2
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = q.opts.VisibilityTimeout
	}

	w := &Worker{
		q:      q,
		cfg:    cfg,
		obs:    obs,
		logger: logger.With(zap.String("component", "queue_worker")),
	}
	w.pool = pool.New(pool.Config{
		Size: cfg.Concurrency,
		PanicHandler: func(r any) {
			w.logger.Error("job handler panicked", zap.Any("panic", r))
		},
	})
	return w
}

// Run 运行直到 ctx 取消，返回前等待进行中的任务结束
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("claim_interval", w.cfg.ClaimInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.claimLoop(gctx) })
	g.Go(func() error { return w.reapLoop(gctx) })

	err := g.Wait()
	w.pool.Close()
	w.logger.Info("queue worker stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			n, err := w.ProcessAvailable(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("claim failed", zap.Error(err))
				break
			}
			// 本批取满说明可能还有积压
			if n < w.cfg.ClaimBatch {
				break
			}
		}
	}
}

// ProcessAvailable 按空闲并发度拉取一批到期任务并提交执行，返回提交数
func (w *Worker) ProcessAvailable(ctx context.Context) (int, error) {
	limit := w.pool.Available()
	if limit > w.cfg.ClaimBatch {
		limit = w.cfg.ClaimBatch
	}
	if limit == 0 {
		return 0, nil
	}

	jobs, err := w.q.claim(ctx, limit)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		job := job
		// 关停时让已取出的任务处理完毕
		jobCtx := context.WithoutCancel(ctx)
		if err := w.pool.Submit(jobCtx, func(c context.Context) error {
			return w.handle(c, job)
		}); err != nil {
			return 0, fmt.Errorf("submit job %s: %w", job.ID, err)
		}
	}
	return len(jobs), nil
}

func (w *Worker) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.q.reap(ctx)
			if err != nil {
				w.logger.Warn("reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Warn("requeued jobs past visibility timeout", zap.Int64("count", n))
			}
		}
	}
}

// handle 执行一个任务并确认结果
func (w *Worker) handle(ctx context.Context, job *Job) error {
	ctx, cancel := context.WithTimeout(ctxkeys.WithJob(ctx, job.ID, job.Attempts), w.cfg.JobTimeout)
	defer cancel()

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts))

	start := time.Now()
	var herr error
	if h, ok := w.q.handler(job.Type); ok {
		herr = h(ctx, job)
	} else {
		herr = fmt.Errorf("no handler registered for %q", job.Type)
	}
	elapsed := time.Since(start)

	// 确认不受处理超时影响
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer ackCancel()

	if herr == nil {
		w.observe(job.Type, OutcomeSuccess, elapsed)
		if err := w.q.complete(ackCtx, job); err != nil {
			log.Error("ack failed", zap.Error(err))
			return err
		}
		return nil
	}

	if d, ok := AsDelay(herr); ok {
		w.observe(job.Type, OutcomeDelayed, elapsed)
		log.Debug("job delayed", zap.Duration("delay", d), zap.Error(herr))
		if err := w.q.delay(ackCtx, job, d); err != nil {
			log.Error("delay failed", zap.Error(err))
			return err
		}
		return nil
	}

	dead, err := w.q.fail(ackCtx, job, herr)
	if err != nil {
		log.Error("record failure failed", zap.Error(err))
		return err
	}
	if dead {
		w.observe(job.Type, OutcomeDead, elapsed)
		log.Error("job moved to dead letter", zap.Error(herr))
	} else {
		w.observe(job.Type, OutcomeRetry, elapsed)
		log.Warn("job failed, will retry", zap.Error(herr))
	}
	return herr
}

func (w *Worker) observe(jobType, outcome string, d time.Duration) {
	if w.obs != nil {
		w.obs.ObserveJob(jobType, outcome, d)
	}
}
