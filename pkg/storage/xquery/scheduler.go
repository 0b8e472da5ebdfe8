package xquery

import (
	"strconv"
	"sync"
	"time"
)

// RevalidationPhase 是 Entry 的重新验证阶段：Idle → Due → Fetching → Idle。
type RevalidationPhase int

const (
	// RevalidationIdle 无待执行的重新验证。
	RevalidationIdle RevalidationPhase = iota
	// RevalidationDue 需要重新验证，等待条件满足（有 fetcher，或有订阅者）。
	RevalidationDue
	// RevalidationFetching 重新验证 fetch 进行中。
	RevalidationFetching
)

// String 返回 RevalidationPhase 的可读字符串表示。
func (p RevalidationPhase) String() string {
	switch p {
	case RevalidationIdle:
		return "idle"
	case RevalidationDue:
		return "due"
	case RevalidationFetching:
		return "fetching"
	default:
		return "RevalidationPhase(" + strconv.Itoa(int(p)) + ")"
	}
}

// RevalidationReason 是进入 Due 的原因。
type RevalidationReason int

const (
	// ReasonNone 未记录原因（Idle 或由调用方直接 fetch）。
	ReasonNone RevalidationReason = iota
	// ReasonStaleRead 读取到过期 Entry。
	ReasonStaleRead
	// ReasonInvalidated 显式失效。
	ReasonInvalidated
	// ReasonInterval 后台间隔触发。
	ReasonInterval
	// ReasonSettled mutation settle。
	ReasonSettled
	// ReasonSubscribed 订阅时 Entry 不是 Fresh。
	ReasonSubscribed
)

// String 返回 RevalidationReason 的可读字符串表示。
func (r RevalidationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonStaleRead:
		return "stale_read"
	case ReasonInvalidated:
		return "invalidated"
	case ReasonInterval:
		return "interval"
	case ReasonSettled:
		return "settled"
	case ReasonSubscribed:
		return "subscribed"
	default:
		return "RevalidationReason(" + strconv.Itoa(int(r)) + ")"
	}
}

// RevalidationState 是某个 Key 的调度状态快照。
type RevalidationState struct {
	Phase  RevalidationPhase
	Reason RevalidationReason
	// Interval 为当前生效的后台间隔，0 表示没有间隔定时器。
	Interval time.Duration
}

// intervalTimer 是一条间隔定时器链的令牌。
// 定时器回调只在令牌仍是当前令牌时续期，替换或停止后旧链自然终止。
type intervalTimer struct {
	every time.Duration
	timer Timer
}

type schedState struct {
	key      Key
	phase    RevalidationPhase
	reason   RevalidationReason
	seq      uint64
	interval *intervalTimer
}

// scheduler 是 Revalidation Scheduler。
//
// 锁顺序：registry.mu → scheduler.mu → 分片锁（onStarted 在 registry 锁内调用）。
// 因此 scheduler 持有自身锁时绝不调用 start。
type scheduler struct {
	mu     sync.Mutex
	states map[string]*schedState
	closed bool

	clock Clock
	store *store
	obs   *observer
	// start 以 Key 的 Policy 启动或加入一次 fetch。
	start func(key Key, fn FetchFunc) error
}

func newScheduler(clock Clock, st *store, obs *observer, start func(Key, FetchFunc) error) *scheduler {
	return &scheduler{
		states: make(map[string]*schedState),
		clock:  clock,
		store:  st,
		obs:    obs,
		start:  start,
	}
}

// stateLocked 获取或创建调度状态。
func (s *scheduler) stateLocked(key Key) *schedState {
	st, ok := s.states[key.ID()]
	if !ok {
		st = &schedState{key: key}
		s.states[key.ID()] = st
	}
	return st
}

// gcLocked 删除没有任何信息的状态（Idle 且无定时器）。
func (s *scheduler) gcLocked(st *schedState) {
	if st.phase == RevalidationIdle && st.interval == nil {
		delete(s.states, st.key.ID())
	}
}

// state 返回 Key 的调度状态。不存在时为 Idle。
func (s *scheduler) state(key Key) RevalidationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key.ID()]
	if !ok {
		return RevalidationState{}
	}
	rs := RevalidationState{Phase: st.phase, Reason: st.reason}
	if st.interval != nil {
		rs.Interval = st.interval.every
	}
	return rs
}

// markDue 将 Key 标记为 Due 并在条件满足时派发 fetch。
//
// 派发条件：
//   - 所有原因都需要已登记的 fetcher
//   - 除 ReasonStaleRead 外，还要求至少一个订阅者
//
// 条件不满足时 Key 保持 Due，下一次 FetchOrGet 会处理它。
func (s *scheduler) markDue(key Key, reason RevalidationReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked(key)
	st.phase = RevalidationDue
	st.reason = reason
	s.mu.Unlock()

	fn, subs, ok := s.store.fetcherOf(key)
	if !ok || fn == nil {
		return
	}
	if reason != ReasonStaleRead && subs == 0 {
		return
	}
	if err := s.start(key, fn); err != nil {
		s.obs.logDebug("xquery: revalidation not dispatched",
			"key", key.String(), "reason", reason.String(), "error", err)
	}
}

// onStarted 记录 Key 进入 Fetching，seq 标识负责的 flight。
// 在 registry 锁内调用。
func (s *scheduler) onStarted(key Key, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st := s.stateLocked(key)
	st.phase = RevalidationFetching
	st.seq = seq
}

// onSettled 在 flight 结束（无论结果）时将 Key 置回 Idle。
// 已被更新的 flight 接管的 Key 不受影响。
func (s *scheduler) onSettled(key Key, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key.ID()]
	if !ok || st.phase != RevalidationFetching || st.seq != seq {
		return
	}
	st.phase = RevalidationIdle
	st.reason = ReasonNone
	st.seq = 0
	s.gcLocked(st)
}

// =============================================================================
// 后台间隔
// =============================================================================

// syncInterval 使 Key 的后台间隔定时器与当前订阅数一致：
// 有订阅者且 every > 0 时运行，否则停止。
// 订阅数在 scheduler 锁内读取，并发的订阅与取消订阅最终收敛到正确状态。
func (s *scheduler) syncInterval(key Key, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, subs, _ := s.store.fetcherOf(key)
	if every <= 0 || subs == 0 {
		s.stopIntervalLocked(key)
		return
	}
	st := s.stateLocked(key)
	if st.interval != nil {
		if st.interval.every == every {
			return
		}
		st.interval.timer.Stop()
	}
	token := &intervalTimer{every: every}
	token.timer = s.clock.AfterFunc(every, func() { s.tick(key, token) })
	st.interval = token
}

func (s *scheduler) stopIntervalLocked(key Key) {
	st, ok := s.states[key.ID()]
	if !ok || st.interval == nil {
		return
	}
	st.interval.timer.Stop()
	st.interval = nil
	s.gcLocked(st)
}

func (s *scheduler) tick(key Key, token *intervalTimer) {
	s.mu.Lock()
	st, ok := s.states[key.ID()]
	if s.closed || !ok || st.interval != token {
		s.mu.Unlock()
		return
	}
	token.timer = s.clock.AfterFunc(token.every, func() { s.tick(key, token) })
	s.mu.Unlock()

	s.markDue(key, ReasonInterval)
}

// forget 丢弃 Key 的全部调度状态（Entry 被淘汰时）。
func (s *scheduler) forget(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key.ID()]
	if !ok {
		return
	}
	if st.interval != nil {
		st.interval.timer.Stop()
	}
	delete(s.states, key.ID())
}

// timers 返回活动的间隔定时器数。
func (s *scheduler) timers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.states {
		if st.interval != nil {
			n++
		}
	}
	return n
}

// close 停止所有定时器，之后的触发全部忽略。
func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, st := range s.states {
		if st.interval != nil {
			st.interval.timer.Stop()
			st.interval = nil
		}
	}
	clear(s.states)
}
