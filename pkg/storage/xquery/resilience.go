package xquery

import (
	"context"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultRetryDelay       = 100 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Second
	defaultBreakerTimeout   = 60 * time.Second
	defaultHalfOpenRequests = 1
)

// Permanent 将错误标记为不可重试。Policy.Retry 启用时，
// fetch 函数返回 Permanent(err) 会立即结束重试。errors.Is/As 仍可识别原错误。
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}

// IsBreakerOpen 判断错误是否由熔断器拒绝产生。
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// resilience 按 Policy 为 fetch 函数叠加熔断与重试。
// 熔断器按 Key 类别共享；配置变化时重建。
type resilience struct {
	mu       sync.Mutex
	breakers map[string]*breakerSlot
	obs      *observer
}

type breakerSlot struct {
	policy BreakerPolicy
	cb     *gobreaker.CircuitBreaker[any]
}

func newResilience(obs *observer) *resilience {
	return &resilience{
		breakers: make(map[string]*breakerSlot),
		obs:      obs,
	}
}

// wrap 返回叠加了熔断（内层）与重试（外层）的 fetch 函数。
// 每次重试都经过熔断器；熔断拒绝被标记为不可重试。
func (r *resilience) wrap(class string, p Policy, fn FetchFunc) FetchFunc {
	if p.Breaker.enabled() {
		cb := r.breaker(class, p.Breaker)
		inner := fn
		fn = func(ctx context.Context) (any, error) {
			v, err := cb.Execute(func() (any, error) {
				return inner(ctx)
			})
			if IsBreakerOpen(err) {
				return nil, Permanent(err)
			}
			return v, err
		}
	}

	if p.Retry.enabled() {
		inner := fn
		rp := p.Retry
		fn = func(ctx context.Context) (any, error) {
			return retry.NewWithData[any](retryOptions(ctx, class, rp, r.obs)...).Do(func() (any, error) {
				return inner(ctx)
			})
		}
	}
	return fn
}

func retryOptions(ctx context.Context, class string, rp RetryPolicy, obs *observer) []retry.Option {
	delay := rp.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	maxDelay := rp.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(rp.Attempts),
		retry.Delay(delay),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		// 自定义 RetryIf 会替换默认的可恢复性判断，需显式保留 Permanent 语义
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			obs.logDebug("xquery: retrying fetch", "class", class, "attempt", n+1, "error", err)
		}),
	}
}

func (r *resilience) breaker(class string, bp BreakerPolicy) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.breakers[class]; ok && slot.policy == bp {
		return slot.cb
	}

	timeout := bp.OpenTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	halfOpen := bp.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = defaultHalfOpenRequests
	}
	threshold := bp.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "xquery:" + class,
		MaxRequests: halfOpen,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 取消不代表后端故障，不计入失败。
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.obs.logWarn("xquery: breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[class] = &breakerSlot{policy: bp, cb: cb}
	return cb
}
