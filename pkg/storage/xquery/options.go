package xquery

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// FetchErrorHook 在 fetch 最终失败（重试耗尽后）时调用。
//
// 这是"fetch 失败，可以重试"的挂载点：核心不自动重试，
// 调用方可在此按自己的策略调用 Client.Invalidate / Client.Fetch。
// 钩子在 fetch 的后台 goroutine 中、所有等待者被释放之后调用。
type FetchErrorHook func(ctx context.Context, key Key, err error)

// MutationHook 在 mutation settle 后调用，rec 已包含最终结果。
type MutationHook func(rec *MutationRecord)

// Option 定义配置 Client 的函数类型。
type Option func(*options)

type options struct {
	config         *Config
	resolver       PolicyResolver
	clock          Clock
	logger         *slog.Logger
	shardCount     int
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	onFetchError   FetchErrorHook
	onMutation     MutationHook
}

func defaultOptions() *options {
	return &options{
		config:         DefaultConfig(),
		clock:          SystemClock(),
		logger:         slog.Default(),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
}

// WithConfig 设置初始配置。运行期可通过 Client.ApplyConfig 替换。
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithDefaultPolicy 设置默认 Policy（覆盖 Config.Default）。
func WithDefaultPolicy(p Policy) Option {
	return func(o *options) {
		cfg := *o.config
		cfg.Default = p
		o.config = &cfg
	}
}

// WithPolicyResolver 设置自定义 Policy 选择函数，优先于 Config。
func WithPolicyResolver(r PolicyResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithClock 设置时间来源，主要用于测试。
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger 设置自定义 Logger。
// 传入 nil 将禁用日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithShardCount 设置 Entry Store 与 key 锁的分片数。
// 必须为 2 的幂，上限 65536，否则 New 返回错误。
// 未设置时使用 Config.ShardCount，二者都为 0 时默认 32。
func WithShardCount(n int) Option {
	return func(o *options) {
		o.shardCount = n
	}
}

// WithMeterProvider 设置 MeterProvider，默认使用全局 provider。
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithTracerProvider 设置 TracerProvider，默认使用全局 provider。
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) {
		if provider != nil {
			o.tracerProvider = provider
		}
	}
}

// WithOnFetchError 设置 fetch 失败钩子。
func WithOnFetchError(hook FetchErrorHook) Option {
	return func(o *options) {
		o.onFetchError = hook
	}
}

// WithOnMutationSettled 设置 mutation settle 钩子。
// 钩子在 Mutate 返回前同步调用，应避免耗时操作。
func WithOnMutationSettled(hook MutationHook) Option {
	return func(o *options) {
		o.onMutation = hook
	}
}

// =============================================================================
// 订阅选项
// =============================================================================

// SubscribeOption 定义 Subscribe 的可选配置。
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	buffer  int
	fetcher FetchFunc
}

// WithBuffer 设置订阅通道缓冲大小，n ≤ 0 时使用配置值。
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithFetcher 为订阅的 Key 登记 fetch 函数。
// 登记后，后台间隔、失效与 mutation settle 可以自动重新验证该 Key；
// 若订阅时 Entry 不是 Fresh，会立即在后台发起一次 fetch。
func WithFetcher(fn FetchFunc) SubscribeOption {
	return func(o *subscribeOptions) {
		o.fetcher = fn
	}
}
