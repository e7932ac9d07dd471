// 配置文件热重载。
//
// 轮询配置文件的修改时间，变化后重新加载并校验，校验通过才替换当前配置
// 并通知回调。worker 只在运行期应用日志级别，其余字段的变化会以
// "restart required" 的形式记录。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 配置替换后的回调
type ReloadCallback func(old, new *Config)

// Reloader 监听单个配置文件
type Reloader struct {
	path     string
	interval time.Duration
	load     func() (*Config, error)
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Config
	modTime   time.Time
	callbacks []ReloadCallback

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReloader 创建重载器，current 为已加载的初始配置
func NewReloader(path string, current *Config, interval time.Duration, logger *zap.Logger) *Reloader {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		path:     path,
		interval: interval,
		current:  current,
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	r.load = func() (*Config, error) {
		cfg, err := NewLoader().WithConfigPath(path).Load()
		if err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	}
	return r
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start 启动轮询，重复调用无效
func (r *Reloader) Start(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	r.logger.Info("config reloader started", zap.String("path", r.path), zap.Duration("interval", r.interval))
}

// Stop 停止轮询并等待退出
func (r *Reloader) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

func (r *Reloader) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload rejected", zap.Error(err))
			}
		}
	}
}

// Check 文件有变化时重新加载，返回是否替换了配置
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	r.mu.RLock()
	unchanged := !info.ModTime().After(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	next, err := r.load()

	r.mu.Lock()
	r.modTime = info.ModTime()
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("reload %s: %w", r.path, err)
	}
	old := r.current
	r.current = next
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	changed := ChangedSections(old, next)
	r.logger.Info("config reloaded", zap.Strings("changed", changed))
	for _, cb := range callbacks {
		cb(old, next)
	}
	return true, nil
}

// ChangedSections 返回两份配置间有差异的顶层段名（yaml 名）
func ChangedSections(old, next *Config) []string {
	if old == nil || next == nil {
		return nil
	}
	var out []string
	ov, nv := reflect.ValueOf(*old), reflect.ValueOf(*next)
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			out = append(out, t.Field(i).Tag.Get("yaml"))
		}
	}
	return out
}
