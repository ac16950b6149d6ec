package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Registry 管理模型键到已加载实例的映射
// 每个键最多一个实例，首次使用时加载，并发首次请求只加载一次。
// 同一实例上的生成按到达顺序排队，一次只执行一个。
type Registry struct {
	backend      Backend
	specs        map[string]ModelSpec
	queueTimeout time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
	loads     singleflight.Group
}

type instance struct {
	key    string
	handle Handle
	sem    *semaphore.Weighted // 容量为 1，等待者先进先出
	closed atomic.Bool
}

// NewRegistry 创建模型注册表
// 参数:
//   - backend: 推理后端
//   - specs: 可用模型
//   - queueTimeout: 等待实例空闲的最长时间，0 表示一直等待
//   - logger: 日志，可为 nil
func NewRegistry(backend Backend, specs []ModelSpec, queueTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]ModelSpec, len(specs))
	for _, s := range specs {
		m[s.Key] = s
	}
	return &Registry{
		backend:      backend,
		specs:        m,
		queueTimeout: queueTimeout,
		logger:       logger,
		instances:    make(map[string]*instance),
	}
}

// Has 判断模型键是否已配置
func (r *Registry) Has(key string) bool {
	_, ok := r.specs[key]
	return ok
}

// Spec 返回模型配置
func (r *Registry) Spec(key string) (ModelSpec, bool) {
	s, ok := r.specs[key]
	return s, ok
}

// Keys 返回所有已配置的模型键（排序）
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.specs))
	for k := range r.specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Loaded 返回当前已加载的模型键（排序）
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lease 对一个模型实例的独占使用权
type Lease struct {
	inst *instance
	once sync.Once
}

// Handle 返回被占用的实例
func (l *Lease) Handle() Handle {
	return l.inst.handle
}

// Model 返回模型键
func (l *Lease) Model() string {
	return l.inst.key
}

// Release 归还实例，可重复调用
func (l *Lease) Release() {
	l.once.Do(func() { l.inst.sem.Release(1) })
}

// Acquire 获取模型实例的独占使用权，必要时先加载
// 参数:
//   - ctx: 取消或超时时放弃排队
//   - key: 模型键
//
// 返回:
//   - *Lease: 使用完毕后必须 Release
//   - error: ErrUnknownModel / ErrQueueTimeout / *ResourceError / ctx 错误
func (r *Registry) Acquire(ctx context.Context, key string) (*Lease, error) {
	for {
		inst, err := r.instance(ctx, key)
		if err != nil {
			return nil, err
		}

		if err := r.wait(ctx, inst); err != nil {
			return nil, err
		}

		// Unload 期间排队的请求会拿到已关闭的实例，重新加载
		if inst.closed.Load() {
			inst.sem.Release(1)
			continue
		}
		return &Lease{inst: inst}, nil
	}
}

func (r *Registry) wait(ctx context.Context, inst *instance) error {
	waitCtx := ctx
	if r.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.queueTimeout)
		defer cancel()
	}

	if err := inst.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w %s after %s", ErrQueueTimeout, inst.key, r.queueTimeout)
		}
		return err
	}
	return nil
}

// instance 返回已加载的实例，未加载时以 single-flight 方式加载
func (r *Registry) instance(ctx context.Context, key string) (*instance, error) {
	spec, ok := r.specs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}

	r.mu.Lock()
	if inst, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	// 加载不跟随单个调用方取消，其他等待者仍然需要结果
	loadCtx := context.WithoutCancel(ctx)
	ch := r.loads.DoChan(key, func() (interface{}, error) {
		r.mu.Lock()
		if inst, ok := r.instances[key]; ok {
			r.mu.Unlock()
			return inst, nil
		}
		r.mu.Unlock()

		start := time.Now()
		r.logger.Info("loading model", "model", key, "name", spec.Name, "path", spec.Path)
		h, err := r.backend.Load(loadCtx, spec)
		if err != nil {
			var re *ResourceError
			if !errors.As(err, &re) {
				err = &ResourceError{Model: key, Op: "load", Err: err}
			}
			r.logger.Error("model load failed", "model", key, "error", err)
			return nil, err
		}

		inst := &instance{key: key, handle: h, sem: semaphore.NewWeighted(1)}
		r.mu.Lock()
		r.instances[key] = inst
		r.mu.Unlock()
		r.logger.Info("model loaded", "model", key, "duration", time.Since(start))
		return inst, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*instance), nil
	}
}

// Unload 卸载一个模型，等待正在进行的生成结束
// 返回:
//   - bool: 模型之前是否已加载
//   - error: 等待被取消或关闭失败
func (r *Registry) Unload(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	inst, ok := r.instances[key]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := inst.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}

	r.mu.Lock()
	if r.instances[key] == inst {
		delete(r.instances, key)
	}
	r.mu.Unlock()

	inst.closed.Store(true)
	inst.sem.Release(1)

	r.logger.Info("model unloaded", "model", key)
	return true, inst.handle.Close()
}

// UnloadAll 卸载所有模型
func (r *Registry) UnloadAll(ctx context.Context) error {
	var errs []error
	for _, key := range r.Loaded() {
		if _, err := r.Unload(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
