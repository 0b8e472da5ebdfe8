package xquery

import (
	"fmt"
	"time"
)

// Policy 定义一类 Key 的重新验证与容错策略。
//
// StaleAfter 与 BackgroundInterval 是相互独立的触发条件：
// 后台间隔触发不会重置 staleness 时钟，只有成功解析才会。
type Policy struct {
	// StaleAfter 为 fetchedAt 之后 Entry 视为过期的时长。0 表示解析后立即过期。
	StaleAfter time.Duration `koanf:"stale_after"`

	// BackgroundInterval 为有订阅者时的后台重新验证间隔。0 表示禁用。
	BackgroundInterval time.Duration `koanf:"background_interval"`

	// FetchTimeout 为单次 fetch 的超时上限。0 表示不设超时（由 fetch 函数自行约束）。
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// SkipReadRevalidation 为 true 时，读取到过期 Entry 不触发后台重新验证。
	SkipReadRevalidation bool `koanf:"skip_read_revalidation"`

	// Retry 为 fetch 失败后的重试策略。默认不重试。
	Retry RetryPolicy `koanf:"retry"`

	// Breaker 为该类 Key 共享的熔断策略。默认不启用。
	Breaker BreakerPolicy `koanf:"breaker"`
}

// RetryPolicy 定义 fetch 的指数退避重试。
// Attempts 为总尝试次数（含首次），≤ 1 表示不重试。
type RetryPolicy struct {
	Attempts uint          `koanf:"attempts"`
	Delay    time.Duration `koanf:"delay"`
	MaxDelay time.Duration `koanf:"max_delay"`
}

// BreakerPolicy 定义熔断策略。ConsecutiveFailures 为 0 表示不启用。
type BreakerPolicy struct {
	// ConsecutiveFailures 连续失败达到此值时熔断。
	ConsecutiveFailures uint32 `koanf:"consecutive_failures"`
	// OpenTimeout 熔断打开后转为半开的等待时间，默认 60s。
	OpenTimeout time.Duration `koanf:"open_timeout"`
	// HalfOpenRequests 半开状态允许的探测请求数，默认 1。
	HalfOpenRequests uint32 `koanf:"half_open_requests"`
}

// PolicyResolver 为 Key 选择 Policy。
type PolicyResolver func(key Key) Policy

// enabled 判断是否启用重试。
func (r RetryPolicy) enabled() bool { return r.Attempts > 1 }

// enabled 判断是否启用熔断。
func (b BreakerPolicy) enabled() bool { return b.ConsecutiveFailures > 0 }

// Validate 检查 Policy 是否有效。
func (p Policy) Validate() error {
	switch {
	case p.StaleAfter < 0:
		return fmt.Errorf("%w: stale_after must not be negative", ErrInvalidConfig)
	case p.BackgroundInterval < 0:
		return fmt.Errorf("%w: background_interval must not be negative", ErrInvalidConfig)
	case p.FetchTimeout < 0:
		return fmt.Errorf("%w: fetch_timeout must not be negative", ErrInvalidConfig)
	case p.Retry.Delay < 0 || p.Retry.MaxDelay < 0:
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidConfig)
	case p.Breaker.OpenTimeout < 0:
		return fmt.Errorf("%w: breaker open_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
