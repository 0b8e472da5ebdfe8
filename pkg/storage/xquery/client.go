package xquery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Client 是进程内查询缓存与 mutation 协调器。
//
// Client 是并发安全的。所有 fetch 在 Client 管理的后台 goroutine 中执行，
// 不受单个调用方 ctx 取消的影响；调用方 ctx 结束只会停止该调用方的等待。
type Client struct {
	opts *options
	cfg  atomic.Pointer[Config]

	store    *store
	registry *registry
	sched    *scheduler
	locks    *keyLock
	res      *resilience
	obs      *observer

	janitorMu       sync.Mutex
	janitor         *cron.Cron
	janitorInterval time.Duration

	subSeq atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New 创建 Client。
//
// 配置无效或分片数不合法时返回 ErrInvalidConfig。
// Config.GCInterval > 0 时启动后台淘汰任务，使用 Close 停止。
func New(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	shards := o.shardCount
	if shards == 0 {
		shards = o.config.ShardCount
	}
	if shards == 0 {
		shards = defaultShardCount
	}
	if err := validShardCount(shards); err != nil {
		return nil, err
	}

	obs, err := newObserver(o)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:  o,
		obs:   obs,
		locks: newKeyLock(shards),
		res:   newResilience(obs),
	}
	c.cfg.Store(o.config)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.store = newStore(shards, o.clock, storeHooks{
		staleWrite: obs.staleWrite,
		dropped:    obs.eventDropped,
	})
	c.registry = newRegistry(c.store, c.ctx, &c.wg, obs, registryHooks{
		started: c.onFetchStarted,
		settled: c.onFetchSettled,
	})
	c.sched = newScheduler(o.clock, c.store, obs, func(key Key, fn FetchFunc) error {
		_, err := c.startFetch(key, fn)
		return err
	})

	if err := c.resetJanitor(o.config.GCInterval); err != nil {
		c.cancel()
		return nil, err
	}
	return c, nil
}

// config 返回当前配置。
func (c *Client) config() *Config {
	return c.cfg.Load()
}

// policy 返回 Key 的 Policy，自定义 resolver 优先。
func (c *Client) policy(key Key) Policy {
	if c.opts.resolver != nil {
		return c.opts.resolver(key)
	}
	return c.config().Policy(key)
}

// =============================================================================
// 读取
// =============================================================================

// Read 返回 Key 的当前快照，从不阻塞、从不失败。
//
// Entry 不存在时创建一个 Empty Entry。读取到 Stale 时（除非 Policy 关闭），
// Key 进入 Due；已登记 fetcher 时立即在后台重新验证，本次仍返回旧值。
func (c *Client) Read(key Key) Snapshot {
	if key.IsZero() {
		return Snapshot{Key: key}
	}
	p := c.policy(key)
	snap := c.store.touch(key, p.StaleAfter, nil)
	if snap.Status == StatusStale && !p.SkipReadRevalidation && !c.closed.Load() {
		c.sched.markDue(key, ReasonStaleRead)
	}
	return snap
}

// Peek 返回 Key 的快照，无任何副作用。Entry 不存在时 ok 为 false。
func (c *Client) Peek(key Key) (Snapshot, bool) {
	return c.store.get(key)
}

// FetchOrGet 在 Entry 为 Fresh 时直接返回缓存值，否则启动或加入一次 fetch 并等待结果。
//
// fn 同时被登记为该 Key 的 fetcher，供后台重新验证使用。
// 同一 Key、同一代次的并发调用只会执行一次 fn。
// ctx 结束时返回 ctx.Err()，fetch 继续为其他调用方运行。
func (c *Client) FetchOrGet(ctx context.Context, key Key, fn FetchFunc) (any, error) {
	fu, err := c.fetch(key, fn, false)
	if err != nil {
		return nil, err
	}
	return fu.Wait(ctx)
}

// FetchAsync 与 FetchOrGet 相同，但立即返回 Future。
func (c *Client) FetchAsync(key Key, fn FetchFunc) (*Future, error) {
	return c.fetch(key, fn, false)
}

// Fetch 忽略 Fresh 状态强制发起 fetch（已有当前代次的 fetch 时加入它）。
func (c *Client) Fetch(ctx context.Context, key Key, fn FetchFunc) (any, error) {
	fu, err := c.fetch(key, fn, true)
	if err != nil {
		return nil, err
	}
	return fu.Wait(ctx)
}

func (c *Client) fetch(key Key, fn FetchFunc, force bool) (*Future, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if key.IsZero() {
		return nil, ErrEmptyKey
	}
	if fn == nil {
		return nil, ErrNilFetcher
	}
	snap := c.store.touch(key, c.policy(key).StaleAfter, fn)
	if !force && snap.Status == StatusFresh {
		return resolvedFuture(key, snap.Value), nil
	}
	return c.startFetch(key, fn)
}

// startFetch 按 Key 的 Policy 叠加容错并启动或加入 fetch。
func (c *Client) startFetch(key Key, fn FetchFunc) (*Future, error) {
	p := c.policy(key)
	wrapped := c.res.wrap(classOf(key), p, fn)
	fu, _, err := c.registry.startOrJoin(key, wrapped, p.FetchTimeout)
	return fu, err
}

func (c *Client) onFetchStarted(f *flight, joined bool) {
	c.obs.fetchStarted(f.key, joined)
	c.sched.onStarted(f.key, f.seq)
}

func (c *Client) onFetchSettled(f *flight, err error) {
	c.obs.fetchSettled(f.key, f.start, err)
	c.sched.onSettled(f.key, f.seq)
	if err == nil || IsCancelled(err) {
		return
	}
	c.obs.logWarn("xquery: fetch failed", "key", f.key.String(), "error", err)
	if c.opts.onFetchError != nil {
		c.opts.onFetchError(c.ctx, f.key, err)
	}
}

// =============================================================================
// 失效、取消与直接写入
// =============================================================================

// Invalidate 使 Key 失效：标记为 Stale（无值时为 Empty）并递增代次，
// 此前启动的 fetch 结果将被丢弃。有订阅者且已登记 fetcher 时立即重新验证。
// 返回实际存在并被失效的 Key 数。
func (c *Client) Invalidate(keys ...Key) int {
	n := 0
	for _, key := range keys {
		if key.IsZero() || !c.store.invalidate(key) {
			continue
		}
		n++
		c.sched.markDue(key, ReasonInvalidated)
	}
	return n
}

// InvalidateWhere 使所有满足 pred 的 Key 失效。pred 在分片锁内调用，不得回调 Client。
func (c *Client) InvalidateWhere(pred func(Key) bool) int {
	if pred == nil {
		return 0
	}
	return c.Invalidate(c.store.match(pred)...)
}

// InvalidatePrefix 使所有以 prefix 开头的 Key 失效，例如 ["user"] 匹配 ["user", 1]。
func (c *Client) InvalidatePrefix(prefix Key) int {
	return c.InvalidateWhere(func(k Key) bool { return k.HasPrefix(prefix) })
}

// Cancel 取消 Key 当前的 fetch：所有等待者收到 ErrCancelled，
// Entry 保持 fetch 开始前的值与状态。没有可取消的 fetch 时返回 false。
func (c *Client) Cancel(key Key) bool {
	return c.registry.cancel(key)
}

// Set 直接写入 Key 的值，视为一次成功解析（Fresh，递增代次）。
func (c *Client) Set(key Key, value any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if key.IsZero() {
		return ErrEmptyKey
	}
	c.store.set(key, value, c.policy(key).StaleAfter)
	return nil
}

// =============================================================================
// 订阅
// =============================================================================

// Subscribe 订阅 Key 的变化。
//
// 有订阅的 Entry 不会被淘汰，并按 Policy.BackgroundInterval 在后台重新验证
// （需要通过 WithFetcher 或此前的 FetchOrGet 登记 fetcher）。
// 使用 Subscription.Unsubscribe 取消订阅。
func (c *Client) Subscribe(key Key, opts ...SubscribeOption) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if key.IsZero() {
		return nil, ErrEmptyKey
	}
	so := subscribeOptions{buffer: c.config().SubscriberBuffer}
	for _, opt := range opts {
		opt(&so)
	}
	if so.buffer <= 0 {
		so.buffer = DefaultSubscriberBuffer
	}

	sub := &Subscription{
		id:     c.subSeq.Add(1),
		key:    key,
		ch:     make(chan Event, so.buffer),
		cancel: c.unsubscribe,
	}
	p := c.policy(key)
	c.store.subscribe(key, sub, p.StaleAfter, so.fetcher)
	c.sched.syncInterval(key, p.BackgroundInterval)

	if snap, ok := c.store.get(key); ok {
		switch snap.Status {
		case StatusEmpty, StatusStale, StatusError:
			c.sched.markDue(key, ReasonSubscribed)
		}
	}
	return sub, nil
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.store.unsubscribe(sub.key, sub)
	c.sched.syncInterval(sub.key, c.policy(sub.key).BackgroundInterval)
}

// =============================================================================
// 淘汰、统计与配置
// =============================================================================

// EvictUnreferenced 淘汰无订阅者、无 in-flight 操作且空闲超过 olderThan 的 Entry，
// 返回淘汰数。
func (c *Client) EvictUnreferenced(olderThan time.Duration) int {
	keys := c.store.evictUnreferenced(olderThan)
	for _, key := range keys {
		c.sched.forget(key)
	}
	c.obs.evicted(len(keys))
	if len(keys) > 0 {
		c.obs.logDebug("xquery: evicted entries", "count", len(keys))
	}
	return len(keys)
}

// Stats 返回统计快照。
func (c *Client) Stats() Stats {
	s := c.obs.snapshot()
	s.Entries = c.store.len()
	s.InFlight = c.registry.len()
	return s
}

// RevalidationState 返回 Key 的重新验证调度状态。
func (c *Client) RevalidationState(key Key) RevalidationState {
	return c.sched.state(key)
}

// ApplyConfig 在运行期替换配置：新的 Policy 在下一次访问时生效，
// 有订阅者的 Key 立即按新间隔重排后台定时器，后台淘汰任务按新间隔重启。
// ShardCount 只在 New 时生效。
func (c *Client) ApplyConfig(cfg *Config) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg.Store(cfg)
	for _, key := range c.store.subscribedKeys() {
		c.sched.syncInterval(key, c.policy(key).BackgroundInterval)
	}
	if err := c.resetJanitor(cfg.GCInterval); err != nil {
		return err
	}
	c.obs.logDebug("xquery: config applied",
		"classes", len(cfg.Classes), "gc_interval", cfg.GCInterval, "eviction_grace", cfg.EvictionGrace)
	return nil
}

// resetJanitor 按间隔（重新）启动后台淘汰任务。interval 为 0 时停止。
func (c *Client) resetJanitor(interval time.Duration) error {
	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.janitor != nil && c.janitorInterval == interval {
		return nil
	}
	c.stopJanitorLocked()
	if interval <= 0 || c.closed.Load() {
		return nil
	}

	j := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.AddFunc("@every "+interval.String(), func() {
		c.EvictUnreferenced(c.config().EvictionGrace)
	}); err != nil {
		return err
	}
	j.Start()
	c.janitor = j
	c.janitorInterval = interval
	return nil
}

func (c *Client) stopJanitorLocked() {
	if c.janitor == nil {
		return
	}
	<-c.janitor.Stop().Done()
	c.janitor = nil
	c.janitorInterval = 0
}

// =============================================================================
// 关闭
// =============================================================================

// Close 关闭 Client：取消所有 in-flight fetch（等待者收到 ErrCancelled），
// 停止后台定时器与淘汰任务，等待后台 goroutine 退出，关闭所有订阅通道。
// 可重复调用。关闭后的写操作返回 ErrClosed，Read/Peek 仍可使用。
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.sched.close()
		c.registry.close()
		c.cancel()

		var g errgroup.Group
		g.Go(func() error {
			c.janitorMu.Lock()
			defer c.janitorMu.Unlock()
			c.stopJanitorLocked()
			return nil
		})
		g.Go(func() error {
			c.wg.Wait()
			return nil
		})
		err = g.Wait()
		c.store.closeSubscriptions()
	})
	return err
}
