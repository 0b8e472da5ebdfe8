package xquery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// schedFixture 记录 scheduler 派发的 fetch，不真正执行。
type schedFixture struct {
	sched *scheduler
	store *store
	clock *fakeClock

	mu      sync.Mutex
	started []Key
	err     error
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	obs, err := newObserver(&options{
		meterProvider:  noopmetric.NewMeterProvider(),
		tracerProvider: nooptrace.NewTracerProvider(),
	})
	require.NoError(t, err)

	fx := &schedFixture{clock: newFakeClock()}
	fx.store = newStore(4, fx.clock, storeHooks{})
	fx.sched = newScheduler(fx.clock, fx.store, obs, func(key Key, _ FetchFunc) error {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		fx.started = append(fx.started, key)
		return fx.err
	})
	t.Cleanup(fx.sched.close)
	return fx
}

func (fx *schedFixture) dispatched() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.started)
}

func (fx *schedFixture) subscribe(key Key, id uint64) *Subscription {
	sub := &Subscription{id: id, key: key, ch: make(chan Event, 16)}
	fx.store.subscribe(key, sub, time.Minute, constFetch("v"))
	return sub
}

func TestScheduler_PhaseTransitions(t *testing.T) {
	fx := newSchedFixture(t)
	key := MustKey("user", 1)

	assert.Equal(t, RevalidationState{}, fx.sched.state(key))

	fx.sched.markDue(key, ReasonInvalidated)
	assert.Equal(t, RevalidationState{Phase: RevalidationDue, Reason: ReasonInvalidated}, fx.sched.state(key))

	fx.sched.onStarted(key, 7)
	assert.Equal(t, RevalidationFetching, fx.sched.state(key).Phase)

	// 过期 flight 的结束不影响新 flight 的状态
	fx.sched.onSettled(key, 6)
	assert.Equal(t, RevalidationFetching, fx.sched.state(key).Phase)

	fx.sched.onSettled(key, 7)
	assert.Equal(t, RevalidationState{}, fx.sched.state(key))
}

func TestScheduler_DispatchGating(t *testing.T) {
	fx := newSchedFixture(t)
	key := MustKey("user", 1)

	// 无 Entry、无 fetcher：保持 Due
	fx.sched.markDue(key, ReasonStaleRead)
	assert.Equal(t, 0, fx.dispatched())
	assert.Equal(t, RevalidationDue, fx.sched.state(key).Phase)

	// 有 fetcher：过期读取立即派发
	fx.store.touch(key, time.Minute, constFetch("v"))
	fx.sched.markDue(key, ReasonStaleRead)
	assert.Equal(t, 1, fx.dispatched())

	// 失效需要订阅者
	fx.sched.markDue(key, ReasonInvalidated)
	assert.Equal(t, 1, fx.dispatched())

	fx.subscribe(key, 1)
	fx.sched.markDue(key, ReasonInvalidated)
	assert.Equal(t, 2, fx.dispatched())
}

func TestScheduler_DispatchErrorKeepsDue(t *testing.T) {
	fx := newSchedFixture(t)
	fx.err = errors.New("closed")
	key := MustKey("user", 1)
	fx.store.touch(key, time.Minute, constFetch("v"))

	fx.sched.markDue(key, ReasonStaleRead)
	assert.Equal(t, 1, fx.dispatched())
	assert.Equal(t, RevalidationDue, fx.sched.state(key).Phase)
}

func TestScheduler_IntervalFollowsSubscribers(t *testing.T) {
	fx := newSchedFixture(t)
	key := MustKey("feed")

	// 无订阅者时不创建定时器
	fx.sched.syncInterval(key, time.Second)
	assert.Equal(t, 0, fx.sched.timers())

	sub := fx.subscribe(key, 1)
	fx.sched.syncInterval(key, time.Second)
	assert.Equal(t, 1, fx.sched.timers())
	assert.Equal(t, time.Second, fx.sched.state(key).Interval)

	fx.clock.Advance(time.Second)
	assert.Equal(t, 1, fx.dispatched())
	assert.Equal(t, ReasonInterval, fx.sched.state(key).Reason)

	fx.clock.Advance(time.Second)
	assert.Equal(t, 2, fx.dispatched(), "timer re-armed after tick")

	// 间隔变更替换定时器链，旧链不再触发
	fx.sched.syncInterval(key, 5*time.Second)
	fx.clock.Advance(time.Second)
	assert.Equal(t, 2, fx.dispatched())
	fx.clock.Advance(4 * time.Second)
	assert.Equal(t, 3, fx.dispatched())

	fx.store.unsubscribe(key, sub)
	fx.sched.syncInterval(key, 5*time.Second)
	assert.Equal(t, 0, fx.sched.timers())
	fx.clock.Advance(time.Minute)
	assert.Equal(t, 3, fx.dispatched())
}

func TestScheduler_ForgetAndClose(t *testing.T) {
	fx := newSchedFixture(t)
	k1, k2 := MustKey("a"), MustKey("b")
	fx.subscribe(k1, 1)
	fx.subscribe(k2, 2)
	fx.sched.syncInterval(k1, time.Second)
	fx.sched.syncInterval(k2, time.Second)
	require.Equal(t, 2, fx.sched.timers())

	fx.sched.forget(k1)
	assert.Equal(t, 1, fx.sched.timers())
	assert.Equal(t, RevalidationState{}, fx.sched.state(k1))

	fx.sched.close()
	assert.Equal(t, 0, fx.sched.timers())
	assert.Equal(t, 0, fx.clock.pending())

	// 关闭后忽略一切触发
	fx.sched.markDue(k2, ReasonInvalidated)
	fx.clock.Advance(time.Minute)
	assert.Equal(t, 0, fx.dispatched())
	assert.Equal(t, RevalidationState{}, fx.sched.state(k2))
}
