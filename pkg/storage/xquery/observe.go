package xquery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/omeyang/xquery/pkg/storage/xquery"

	metricFetchTotal     = "xquery.fetch.total"
	metricFetchDuration  = "xquery.fetch.duration"
	metricFetchJoined    = "xquery.fetch.joined"
	metricStaleWrite     = "xquery.stale_write.total"
	metricMutationTotal  = "xquery.mutation.total"
	metricEvictionTotal  = "xquery.eviction.total"
	metricEventsDropped  = "xquery.event.dropped"
	outcomeOK            = "ok"
	outcomeError         = "error"
	outcomeCancelled     = "cancelled"
	outcomeCommitted     = "committed"
	outcomeRolledBack    = "rolled_back"
	attrClass            = "class"
	attrOutcome          = "outcome"
	attrKey              = "xquery.key"
	spanFetch            = "xquery.fetch"
	spanMutate           = "xquery.mutate"
	defaultClassFallback = "_"
)

// Stats 是 Client 的进程内统计快照。
type Stats struct {
	// Entries 当前 Entry 数。
	Entries int
	// InFlight 当前 in-flight fetch 数（含已被取代仍在运行的）。
	InFlight int
	// Fetches 实际发起的 fetch 次数（去重后）。
	Fetches int64
	// Joins 加入已有 fetch 的次数。
	Joins int64
	// FetchErrors 失败的 fetch 次数。
	FetchErrors int64
	// Cancellations 被取消的 fetch 次数。
	Cancellations int64
	// StaleWrites 因代次落后被丢弃的结果数。
	StaleWrites int64
	// Mutations 已 settle 的 mutation 数。
	Mutations int64
	// Rollbacks 回滚的 mutation 数。
	Rollbacks int64
	// Evictions 被淘汰的 Entry 数。
	Evictions int64
	// DroppedEvents 因订阅缓冲区满被丢弃的事件数。
	DroppedEvents int64
}

// counters 是原子计数器集合。
type counters struct {
	fetches       atomic.Int64
	joins         atomic.Int64
	fetchErrors   atomic.Int64
	cancellations atomic.Int64
	staleWrites   atomic.Int64
	mutations     atomic.Int64
	rollbacks     atomic.Int64
	evictions     atomic.Int64
	dropped       atomic.Int64
}

// observer 汇总指标、追踪与日志。
type observer struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	counters counters

	fetchTotal    metric.Int64Counter
	fetchDuration metric.Float64Histogram
	fetchJoined   metric.Int64Counter
	staleWrites   metric.Int64Counter
	mutations     metric.Int64Counter
	evictions     metric.Int64Counter
	dropped       metric.Int64Counter
}

func newObserver(o *options) (*observer, error) {
	meter := o.meterProvider.Meter(instrumentationName)
	obs := &observer{
		logger: o.logger,
		tracer: o.tracerProvider.Tracer(instrumentationName),
	}

	var err error
	if obs.fetchTotal, err = meter.Int64Counter(metricFetchTotal,
		metric.WithDescription("settled fetch operations"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("xquery: create counter failed: %w", err)
	}
	if obs.fetchDuration, err = meter.Float64Histogram(metricFetchDuration,
		metric.WithDescription("fetch duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("xquery: create histogram failed: %w", err)
	}
	if obs.fetchJoined, err = meter.Int64Counter(metricFetchJoined,
		metric.WithDescription("callers joined to an in-flight fetch"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("xquery: create counter failed: %w", err)
	}
	if obs.staleWrites, err = meter.Int64Counter(metricStaleWrite,
		metric.WithDescription("results discarded by generation check"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("xquery: create counter failed: %w", err)
	}
	if obs.mutations, err = meter.Int64Counter(metricMutationTotal,
		metric.WithDescription("settled mutations"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("xquery: create counter failed: %w", err)
	}
	if obs.evictions, err = meter.Int64Counter(metricEvictionTotal,
		metric.WithDescription("evicted entries"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("xquery: create counter failed: %w", err)
	}
	if obs.dropped, err = meter.Int64Counter(metricEventsDropped,
		metric.WithDescription("subscription events dropped on full buffer"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("xquery: create counter failed: %w", err)
	}
	return obs, nil
}

func classOf(key Key) string {
	if c := key.Class(); c != "" {
		return c
	}
	return defaultClassFallback
}

// =============================================================================
// 事件记录
// =============================================================================

func (o *observer) fetchStarted(key Key, joined bool) {
	if joined {
		o.counters.joins.Add(1)
		o.fetchJoined.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String(attrClass, classOf(key))))
		return
	}
	o.counters.fetches.Add(1)
}

func (o *observer) fetchSettled(key Key, start time.Time, err error) {
	outcome := outcomeOK
	switch {
	case IsCancelled(err):
		outcome = outcomeCancelled
		o.counters.cancellations.Add(1)
	case err != nil:
		outcome = outcomeError
		o.counters.fetchErrors.Add(1)
	}
	attrs := metric.WithAttributes(
		attribute.String(attrClass, classOf(key)),
		attribute.String(attrOutcome, outcome),
	)
	o.fetchTotal.Add(context.Background(), 1, attrs)
	o.fetchDuration.Record(context.Background(), time.Since(start).Seconds(), attrs)
}

func (o *observer) staleWrite(key Key, got, stored uint64) {
	o.counters.staleWrites.Add(1)
	o.staleWrites.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String(attrClass, classOf(key))))
	o.logDebug("xquery: discarded stale result",
		"key", key.String(), "generation", got, "stored_generation", stored)
}

func (o *observer) mutationSettled(rec *MutationRecord) {
	o.counters.mutations.Add(1)
	outcome := outcomeCommitted
	if rec.Outcome == MutationRolledBack {
		outcome = outcomeRolledBack
		o.counters.rollbacks.Add(1)
	}
	class := defaultClassFallback
	if len(rec.Keys) > 0 {
		class = classOf(rec.Keys[0])
	}
	o.mutations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrClass, class),
		attribute.String(attrOutcome, outcome),
	))
}

func (o *observer) evicted(n int) {
	if n == 0 {
		return
	}
	o.counters.evictions.Add(int64(n))
	o.evictions.Add(context.Background(), int64(n))
}

func (o *observer) eventDropped(key Key) {
	o.counters.dropped.Add(1)
	o.dropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String(attrClass, classOf(key))))
}

// =============================================================================
// 追踪
// =============================================================================

func (o *observer) startSpan(ctx context.Context, name string, key Key) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(attrClass, classOf(key)),
			attribute.String(attrKey, key.String()),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// =============================================================================
// 日志
// =============================================================================

func (o *observer) logDebug(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Debug(msg, args...)
	}
}

func (o *observer) logWarn(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}

func (o *observer) snapshot() Stats {
	c := &o.counters
	return Stats{
		Fetches:       c.fetches.Load(),
		Joins:         c.joins.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		Cancellations: c.cancellations.Load(),
		StaleWrites:   c.staleWrites.Load(),
		Mutations:     c.mutations.Load(),
		Rollbacks:     c.rollbacks.Load(),
		Evictions:     c.evictions.Load(),
		DroppedEvents: c.dropped.Load(),
	}
}
