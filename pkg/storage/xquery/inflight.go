package xquery

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Future 是一次 fetch 的最终结果。多个调用方可共享同一个 Future。
type Future struct {
	f *flight
}

// Key 返回 fetch 的目标 Key。
func (fu *Future) Key() Key { return fu.f.key }

// Done 返回在结果可用时关闭的通道。
func (fu *Future) Done() <-chan struct{} { return fu.f.done }

// Wait 等待结果。ctx 结束时返回 ctx.Err()，但 fetch 继续供其他等待者使用。
// fetch 被取消时返回 ErrCancelled；失败时返回 *OperationError。
func (fu *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-fu.f.done:
		return fu.f.val, fu.f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolvedFuture 返回已完成的 Future（命中 Fresh 缓存时使用）。
func resolvedFuture(key Key, val any) *Future {
	f := &flight{key: key, done: make(chan struct{})}
	f.finish(val, nil)
	return &Future{f: f}
}

// flight 是一次 in-flight fetch。
type flight struct {
	key   Key
	gen   uint64
	seq   uint64
	start time.Time

	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	once sync.Once
	val  any
	err  error

	// cancelled 与 completing 只在 registry.mu 内读写：
	// 二者互斥，保证取消与结果写入之间是线性化的。
	cancelled  bool
	completing bool
}

// finish 发布结果并释放所有等待者，只有第一次调用生效。
func (f *flight) finish(val any, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

// registryHooks 是 registry 向 Client 报告生命周期的回调。
type registryHooks struct {
	// started 在登记（启动或加入）后于 registry.mu 内调用，不得回调 registry。
	started func(f *flight, joined bool)
	// settled 在 flight 结束、等待者释放之后调用，每个 flight 至多一次。
	// err 为 ErrCancelled 表示被 cancel 取消；Client 关闭导致的取消不会调用。
	settled func(f *flight, err error)
}

// registry 是 In-Flight Registry：每个 Key、每个代次最多一个 in-flight fetch。
//
// 与 singleflight 的区别：
//   - 加入需要代次匹配，失效后的新请求不会加入被取代的 fetch
//   - 支持取消：释放所有等待者，且不修改 Entry
//   - 结果先按捕获的代次写入 Store，再释放等待者
type registry struct {
	mu      sync.Mutex
	flights map[string]*flight // 当前可加入的 flight
	running map[uint64]*flight // 所有运行中的 flight（含已被取代的），用于 Close
	seq     uint64
	closed  bool

	store   *store
	baseCtx context.Context
	wg      *sync.WaitGroup
	obs     *observer
	hooks   registryHooks
}

func newRegistry(st *store, baseCtx context.Context, wg *sync.WaitGroup, obs *observer, hooks registryHooks) *registry {
	return &registry{
		flights: make(map[string]*flight),
		running: make(map[uint64]*flight),
		store:   st,
		baseCtx: baseCtx,
		wg:      wg,
		obs:     obs,
		hooks:   hooks,
	}
}

// startOrJoin 启动或加入 key 的 fetch。
//
// 已存在以当前代次启动的 flight 时直接加入（不会发起新操作）；
// 已存在的 flight 若代次落后（期间发生过失效），将其从登记表摘除
// （继续运行，结果由 Store 的代次检查丢弃），并启动新的 flight。
func (r *registry) startOrJoin(key Key, fn FetchFunc, timeout time.Duration) (*Future, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}

	id := key.ID()
	gen := r.store.generation(key)
	if f, ok := r.flights[id]; ok {
		if f.gen == gen {
			r.hooks.started(f, true)
			return &Future{f: f}, true, nil
		}
		delete(r.flights, id)
	}

	r.seq++
	ctx, cancel := context.WithCancel(r.baseCtx)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		parentCancel := cancel
		cancel = func() {
			cancelTimeout()
			parentCancel()
		}
	}
	f := &flight{
		key:    key,
		gen:    gen,
		seq:    r.seq,
		start:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.flights[id] = f
	r.running[f.seq] = f
	r.store.beginFlight(key, gen, f.seq)
	r.hooks.started(f, false)

	r.wg.Add(1)
	go r.run(f, fn)
	return &Future{f: f}, false, nil
}

func (r *registry) run(f *flight, fn FetchFunc) {
	defer r.wg.Done()
	defer f.cancel()

	ctx, end := r.obs.startSpan(f.ctx, spanFetch, f.key)
	val, err := callFetch(ctx, fn)

	r.mu.Lock()
	cancelled := f.cancelled
	if !cancelled {
		f.completing = true
	}
	r.mu.Unlock()

	if cancelled {
		// 等待者与调度状态已在 cancel 时处理，这里只释放引用。
		end(ErrCancelled)
		r.release(f)
		r.store.endFlight(f.key, f.seq)
		return
	}

	if err == nil {
		r.store.upsertOnSuccess(f.key, val, f.gen)
	} else {
		r.store.upsertOnError(f.key, err, f.gen)
		err = &OperationError{Op: "fetch", Key: f.key, Err: err}
	}
	end(err)
	r.release(f)
	r.store.endFlight(f.key, f.seq)
	f.finish(val, err)
	r.hooks.settled(f, err)
}

// release 将 flight 从登记表移除（若仍是当前 flight）。
func (r *registry) release(f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.flights[f.key.ID()]; ok && cur == f {
		delete(r.flights, f.key.ID())
	}
	delete(r.running, f.seq)
}

// cancel 取消 key 当前的 flight：取消底层操作，以 ErrCancelled 释放所有等待者。
// Entry 保持 fetch 开始前的值与状态。flight 已进入结果写入阶段时返回 false。
func (r *registry) cancel(key Key) bool {
	r.mu.Lock()
	f, ok := r.flights[key.ID()]
	if !ok || f.completing {
		r.mu.Unlock()
		return false
	}
	delete(r.flights, key.ID())
	f.cancelled = true
	r.mu.Unlock()

	f.cancel()
	r.store.abortFlight(f.key, f.seq)
	f.finish(nil, ErrCancelled)
	r.hooks.settled(f, ErrCancelled)
	return true
}

// close 拒绝新的 fetch 并取消所有运行中的 flight（含已被取代的）。
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	var victims []*flight
	for _, f := range r.running {
		if !f.completing && !f.cancelled {
			f.cancelled = true
			victims = append(victims, f)
		}
	}
	clear(r.flights)
	r.mu.Unlock()

	for _, f := range victims {
		f.cancel()
		f.finish(nil, ErrCancelled)
	}
}

// len 返回运行中的 flight 数。
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// callFetch 调用 fetch 函数并将 panic 转为 ErrFetchPanic。
func callFetch(ctx context.Context, fn FetchFunc) (val any, err error) {
	defer func() {
		if p := recover(); p != nil {
			val, err = nil, fmt.Errorf("%w: %v", ErrFetchPanic, p)
		}
	}()
	return fn(ctx)
}
