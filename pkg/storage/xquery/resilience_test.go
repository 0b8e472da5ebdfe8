package xquery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

func newTestResilience(t *testing.T) *resilience {
	t.Helper()
	obs, err := newObserver(&options{
		meterProvider:  noopmetric.NewMeterProvider(),
		tracerProvider: nooptrace.NewTracerProvider(),
	})
	require.NoError(t, err)
	return newResilience(obs)
}

// flaky 在前 failures 次调用时失败。
func flaky(failures int32, calls *atomic.Int32) FetchFunc {
	return func(context.Context) (any, error) {
		if calls.Add(1) <= failures {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}
}

func TestResilience_NoPolicyIsPassthrough(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	fn := r.wrap("user", Policy{}, flaky(1, &calls))

	_, err := fn(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResilience_RetrySucceeds(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	p := Policy{Retry: RetryPolicy{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}}

	v, err := r.wrap("user", p, flaky(2, &calls))(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResilience_RetryExhausted(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	p := Policy{Retry: RetryPolicy{Attempts: 2, Delay: time.Millisecond}}

	_, err := r.wrap("user", p, flaky(5, &calls))(context.Background())
	assert.ErrorContains(t, err, "transient")
	assert.Equal(t, int32(2), calls.Load())
}

func TestResilience_PermanentStopsRetry(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	notFound := errors.New("not found")
	p := Policy{Retry: RetryPolicy{Attempts: 5, Delay: time.Millisecond}}

	_, err := r.wrap("user", p, func(context.Context) (any, error) {
		calls.Add(1)
		return nil, Permanent(notFound)
	})(context.Background())
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResilience_BreakerOpens(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	p := Policy{Breaker: BreakerPolicy{ConsecutiveFailures: 2, OpenTimeout: time.Hour}}
	fn := r.wrap("user", p, flaky(100, &calls))

	for range 2 {
		_, err := fn(context.Background())
		require.Error(t, err)
		assert.False(t, IsBreakerOpen(err))
	}

	// 熔断打开：不再调用后端
	_, err := fn(context.Background())
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, int32(2), calls.Load())

	// 同一类别共享熔断器
	_, err = r.wrap("user", p, constFetch(1))(context.Background())
	assert.True(t, IsBreakerOpen(err))
	// 其他类别不受影响
	_, err = r.wrap("post", p, constFetch(1))(context.Background())
	assert.NoError(t, err)
}

func TestResilience_BreakerOpenIsNotRetried(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	p := Policy{
		Retry:   RetryPolicy{Attempts: 5, Delay: time.Millisecond},
		Breaker: BreakerPolicy{ConsecutiveFailures: 1, OpenTimeout: time.Hour},
	}

	_, err := r.wrap("user", p, flaky(100, &calls))(context.Background())
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, int32(1), calls.Load(), "second attempt rejected by breaker")
}

func TestResilience_BreakerRebuiltOnPolicyChange(t *testing.T) {
	r := newTestResilience(t)
	var calls atomic.Int32
	p := Policy{Breaker: BreakerPolicy{ConsecutiveFailures: 1, OpenTimeout: time.Hour}}
	_, _ = r.wrap("user", p, flaky(1, &calls))(context.Background())
	_, err := r.wrap("user", p, constFetch(1))(context.Background())
	require.True(t, IsBreakerOpen(err))

	p.Breaker.ConsecutiveFailures = 10
	_, err = r.wrap("user", p, constFetch(1))(context.Background())
	assert.NoError(t, err)
}

func TestClient_RetryPolicyApplied(t *testing.T) {
	var calls atomic.Int32
	cfg := DefaultConfig()
	cfg.GCInterval = 0
	cfg.Classes = map[string]Policy{
		"user": {StaleAfter: time.Hour, Retry: RetryPolicy{Attempts: 3, Delay: time.Millisecond}},
	}
	c := newTestClient(t, newFakeClock(), WithConfig(cfg))

	v, err := c.FetchOrGet(context.Background(), MustKey("user", 1), flaky(2, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Fetches, "retries happen inside one fetch")
}

func TestClient_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	notFound := errors.New("not found")
	cfg := DefaultConfig()
	cfg.GCInterval = 0
	cfg.Classes = map[string]Policy{
		"user": {Retry: RetryPolicy{Attempts: 4, Delay: time.Millisecond}},
	}
	c := newTestClient(t, newFakeClock(), WithConfig(cfg))

	_, err := c.FetchOrGet(context.Background(), MustKey("user", 1), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, Permanent(notFound)
	})
	assert.ErrorIs(t, err, notFound)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpenStopsRetry(t *testing.T) {
	var calls atomic.Int32
	cfg := DefaultConfig()
	cfg.GCInterval = 0
	cfg.Classes = map[string]Policy{
		"user": {
			Retry:   RetryPolicy{Attempts: 4, Delay: time.Millisecond},
			Breaker: BreakerPolicy{ConsecutiveFailures: 1, OpenTimeout: time.Hour},
		},
	}
	c := newTestClient(t, newFakeClock(), WithConfig(cfg))

	_, err := c.FetchOrGet(context.Background(), MustKey("user", 1), flaky(100, &calls))
	require.Error(t, err)
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, int32(1), calls.Load(), "open breaker ends the retry loop")

	// 熔断打开期间的新 fetch 不再调用后端，也不经过退避
	_, err = c.FetchOrGet(context.Background(), MustKey("user", 2), flaky(100, &calls))
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, int32(1), calls.Load())
}
