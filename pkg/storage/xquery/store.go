package xquery

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShardCount = 32
	maxShardCount     = 1 << 16
)

// savedState 是 mutation 乐观写入前的 Entry 状态，用于无条件回滚。
type savedState struct {
	value     any
	hasValue  bool
	status    Status
	fetchedAt time.Time
	err       error
}

// storeHooks 是 Store 向外暴露的观测回调，均在分片锁内同步调用，必须非阻塞。
type storeHooks struct {
	// staleWrite 在代次落后的结果被丢弃时调用。
	staleWrite func(key Key, got, stored uint64)
	// dropped 在订阅事件因缓冲区满被丢弃时调用。
	dropped func(key Key)
}

// store 是 Entry Store：每个 Key 一条记录，按 xxhash 分片加锁。
//
// 所有修改都通过 store 自身的方法完成，每个方法是一次短临界区，
// 不会在持锁期间等待异步操作。
type store struct {
	shards []storeShard
	mask   uint64
	clock  Clock
	hooks  storeHooks
}

type storeShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newStore(shardCount int, clock Clock, hooks storeHooks) *store {
	shards := make([]storeShard, shardCount)
	for i := range shards {
		shards[i].entries = make(map[string]*entry)
	}
	return &store{
		shards: shards,
		mask:   uint64(shardCount - 1),
		clock:  clock,
		hooks:  hooks,
	}
}

func validShardCount(n int) error {
	if n <= 0 || n > maxShardCount || n&(n-1) != 0 {
		return fmt.Errorf("%w: shard count must be a positive power of 2 (max %d), got %d",
			ErrInvalidConfig, maxShardCount, n)
	}
	return nil
}

func (s *store) shard(id string) *storeShard {
	return &s.shards[xxhash.Sum64String(id)&s.mask]
}

// ensureLocked 获取或创建 Entry。调用方必须持有分片锁。
func (sh *storeShard) ensureLocked(key Key, now time.Time) *entry {
	e, ok := sh.entries[key.ID()]
	if !ok {
		e = &entry{key: key, status: StatusEmpty, lastActive: now}
		sh.entries[key.ID()] = e
	}
	return e
}

// mustEntryLocked 返回仍被 in-flight 操作引用的 Entry。
// 不存在说明淘汰绕过了引用检查，属于不变量破坏。
func (sh *storeShard) mustEntryLocked(key Key) *entry {
	e, ok := sh.entries[key.ID()]
	if !ok {
		panic(fmt.Errorf("%w: %s", ErrEvictedWhileFetching, key))
	}
	return e
}

// emitLocked 向 Entry 的所有订阅者投递事件。
func (s *store) emitLocked(e *entry, kind EventKind, now time.Time) {
	if len(e.subs) == 0 {
		return
	}
	ev := Event{Kind: kind, Snapshot: e.snapshot(now)}
	for _, sub := range e.subs {
		if !sub.deliver(ev) && s.hooks.dropped != nil {
			s.hooks.dropped(e.key)
		}
	}
}

// =============================================================================
// 读取
// =============================================================================

// get 纯查询，无副作用。
func (s *store) get(key Key) (Snapshot, bool) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key.ID()]
	if !ok {
		return Snapshot{Key: key}, false
	}
	return e.snapshot(s.clock.Now()), true
}

// touch 获取或创建 Entry，刷新活跃时间和 staleAfter，fetcher 非 nil 时登记。
func (s *store) touch(key Key, staleAfter time.Duration, fetcher FetchFunc) Snapshot {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	e.lastActive = now
	e.staleAfter = staleAfter
	if fetcher != nil {
		e.fetcher = fetcher
	}
	return e.snapshot(now)
}

// fetcherOf 返回登记的 fetcher 与订阅数。
func (s *store) fetcherOf(key Key) (FetchFunc, int, bool) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key.ID()]
	if !ok {
		return nil, 0, false
	}
	return e.fetcher, len(e.subs), true
}

// generation 返回当前代次，Entry 不存在时创建。
func (s *store) generation(key Key) uint64 {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.ensureLocked(key, s.clock.Now()).generation
}

// match 返回满足 pred 的所有 Key。pred 在分片锁内调用，不得回调 Client。
func (s *store) match(pred func(Key) bool) []Key {
	var keys []Key
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if pred(e.key) {
				keys = append(keys, e.key)
			}
		}
		sh.mu.Unlock()
	}
	return keys
}

// len 返回 Entry 总数（跨分片非原子）。
func (s *store) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// =============================================================================
// fetch 生命周期
// =============================================================================

// beginFlight 登记一个 in-flight 引用。gen 等于当前代次时 Entry 进入 Fetching。
func (s *store) beginFlight(key Key, gen, seq uint64) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	e.flights++
	e.lastActive = now
	if gen == e.generation && !e.fetching {
		e.fetching = true
		e.fetchSeq = seq
		s.emitLocked(e, EventFetchStarted, now)
	}
}

// endFlight 释放 in-flight 引用。若该 flight 仍持有 Fetching 标记（被取消），
// 清除标记，Entry 的值与状态保持 fetch 开始前的样子。
func (s *store) endFlight(key Key, seq uint64) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.mustEntryLocked(key)
	e.flights--
	e.lastActive = now
	if e.fetching && e.fetchSeq == seq {
		e.fetching = false
		s.emitLocked(e, EventFetchAborted, now)
	}
}

// abortFlight 在取消时立即清除 Fetching 标记，不释放 in-flight 引用
// （引用在 fetch 函数真正返回后由 endFlight 释放）。
func (s *store) abortFlight(key Key, seq uint64) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.mustEntryLocked(key)
	if e.fetching && e.fetchSeq == seq {
		e.fetching = false
		s.emitLocked(e, EventFetchAborted, s.clock.Now())
	}
}

// upsertOnSuccess 写入成功结果。gen 小于存储代次时静默丢弃并返回 false：
// 代次最高者胜出，而非最后启动者胜出。
func (s *store) upsertOnSuccess(key Key, value any, gen uint64) bool {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.mustEntryLocked(key)
	if gen < e.generation {
		if s.hooks.staleWrite != nil {
			s.hooks.staleWrite(key, gen, e.generation)
		}
		return false
	}
	now := s.clock.Now()
	e.value = value
	e.hasValue = true
	e.status = StatusFresh
	e.fetchedAt = now
	e.err = nil
	e.generation = max(gen, e.generation) + 1
	e.fetching = false
	e.lastActive = now
	s.emitLocked(e, EventResolved, now)
	return true
}

// upsertOnError 记录失败。代次规则同 upsertOnSuccess；保留上一次成功的值。
func (s *store) upsertOnError(key Key, err error, gen uint64) bool {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.mustEntryLocked(key)
	if gen < e.generation {
		if s.hooks.staleWrite != nil {
			s.hooks.staleWrite(key, gen, e.generation)
		}
		return false
	}
	now := s.clock.Now()
	e.status = StatusError
	e.err = err
	e.fetching = false
	e.lastActive = now
	s.emitLocked(e, EventFailed, now)
	return true
}

// =============================================================================
// 失效、直接写入
// =============================================================================

// invalidate 将 Entry 标记为 Stale（从未有值时为 Empty）并立即递增代次，
// 使此前启动的 in-flight 操作在完成前就已被取代。
func (s *store) invalidate(key Key) bool {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key.ID()]
	if !ok {
		return false
	}
	now := s.clock.Now()
	if e.hasValue {
		e.status = StatusStale
	} else {
		e.status = StatusEmpty
	}
	e.generation++
	e.fetching = false
	e.lastActive = now
	s.emitLocked(e, EventInvalidated, now)
	return true
}

// set 直接写入值，视为一次成功解析。
func (s *store) set(key Key, value any, staleAfter time.Duration) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	e.value = value
	e.hasValue = true
	e.status = StatusFresh
	e.fetchedAt = now
	e.err = nil
	e.staleAfter = staleAfter
	e.generation++
	e.fetching = false
	e.lastActive = now
	s.emitLocked(e, EventSet, now)
}

// =============================================================================
// mutation 专用
// =============================================================================

// applyOptimistic 在同一临界区内保存快照并写入乐观值，递增代次，
// 使并发的旧 fetch 结果无法覆盖乐观值。update 为 nil 时只登记 mutation。
// update 发生 panic 时 Entry 保持不变。
func (s *store) applyOptimistic(key Key, update func(Snapshot) any) (Snapshot, savedState) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	prev := e.snapshot(now)
	saved := savedState{
		value:     e.value,
		hasValue:  e.hasValue,
		status:    e.status,
		fetchedAt: e.fetchedAt,
		err:       e.err,
	}
	if update != nil {
		v := update(prev)
		e.value = v
		e.hasValue = true
	}
	e.generation++
	e.fetching = false
	e.mutations++
	e.lastActive = now
	s.emitLocked(e, EventOptimistic, now)
	return prev, saved
}

// restore 无条件回滚到快照（不做代次检查），并递增代次。
func (s *store) restore(key Key, st savedState) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	e.value = st.value
	e.hasValue = st.hasValue
	e.status = st.status
	e.fetchedAt = st.fetchedAt
	e.err = st.err
	e.generation++
	e.fetching = false
	if e.mutations > 0 {
		e.mutations--
	}
	e.lastActive = now
	s.emitLocked(e, EventRolledBack, now)
}

// commit 以权威结果结束 mutation。write 为 false 时仅释放 mutation 引用。
func (s *store) commit(key Key, value any, write bool) {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	if e.mutations > 0 {
		e.mutations--
	}
	e.lastActive = now
	if !write {
		return
	}
	e.value = value
	e.hasValue = true
	e.status = StatusFresh
	e.fetchedAt = now
	e.err = nil
	e.generation++
	e.fetching = false
	s.emitLocked(e, EventCommitted, now)
}

// =============================================================================
// 订阅与淘汰
// =============================================================================

// subscribe 登记订阅，返回订阅后的订阅数。
func (s *store) subscribe(key Key, sub *Subscription, staleAfter time.Duration, fetcher FetchFunc) int {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.clock.Now()
	e := sh.ensureLocked(key, now)
	if e.subs == nil {
		e.subs = make(map[uint64]*Subscription)
	}
	e.subs[sub.id] = sub
	e.staleAfter = staleAfter
	if fetcher != nil {
		e.fetcher = fetcher
	}
	e.lastActive = now
	return len(e.subs)
}

// unsubscribe 移除订阅并关闭其通道，返回剩余订阅数。
// 订阅数归零后 Entry 在宽限期后可被淘汰。
func (s *store) unsubscribe(key Key, sub *Subscription) int {
	sh := s.shard(key.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key.ID()]
	if !ok {
		return 0
	}
	if _, ok := e.subs[sub.id]; ok {
		delete(e.subs, sub.id)
		close(sub.ch)
	}
	e.lastActive = s.clock.Now()
	return len(e.subs)
}

// subscribedKeys 返回至少有一个订阅者的 Key。
func (s *store) subscribedKeys() []Key {
	var keys []Key
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if len(e.subs) > 0 {
				keys = append(keys, e.key)
			}
		}
		sh.mu.Unlock()
	}
	return keys
}

// closeSubscriptions 关闭所有订阅通道（Client 关闭时使用）。
func (s *store) closeSubscriptions() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			for id, sub := range e.subs {
				delete(e.subs, id)
				close(sub.ch)
			}
		}
		sh.mu.Unlock()
	}
}

// evictUnreferenced 淘汰订阅数为零、无 in-flight 与未结束 mutation、
// 且最后活跃时间早于 olderThan 的 Entry，返回被淘汰的 Key。
func (s *store) evictUnreferenced(olderThan time.Duration) []Key {
	now := s.clock.Now()
	var evicted []Key
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.evictable(now, olderThan) {
				delete(sh.entries, id)
				evicted = append(evicted, e.key)
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}
