// Package pool 提供有界 goroutine 池，队列 worker 用它控制并发处理的任务数。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个工作单元
type Task func(ctx context.Context) error

// Config 池配置
type Config struct {
	Size         int
	PanicHandler func(any)
	// OnDone 在每个任务结束后调用，err 为任务返回值（panic 时为包装后的错误）
	OnDone func(err error)
}

// Pool 固定容量的 goroutine 池
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	panicHandler func(any)
	onDone       func(error)

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New 创建池
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	return &Pool{
		slots:        make(chan struct{}, cfg.Size),
		panicHandler: cfg.PanicHandler,
		onDone:       cfg.OnDone,
	}
}

// Submit 阻塞直到有空闲槽位，然后异步执行任务
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	p.start(ctx, task)
	return nil
}

// TrySubmit 无空闲槽位时立即返回 ErrPoolFull
func (p *Pool) TrySubmit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}

	p.start(ctx, task)
	return nil
}

func (p *Pool) start(ctx context.Context, task Task) {
	p.submitted.Add(1)
	p.active.Add(1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		defer p.active.Add(-1)

		err := p.run(ctx, task)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		if p.onDone != nil {
			p.onDone(err)
		}
	}()
}

func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Available 当前空闲槽位数
func (p *Pool) Available() int {
	return cap(p.slots) - len(p.slots)
}

// Close 拒绝新任务并等待进行中的任务结束
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats 返回池统计
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      cap(p.slots),
		Active:    int(p.active.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats 池统计
type Stats struct {
	Size      int   `json:"size"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
