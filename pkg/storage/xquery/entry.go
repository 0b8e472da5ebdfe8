package xquery

import (
	"context"
	"strconv"
	"time"
)

// FetchFunc 从后端获取 Key 对应的值。
// ctx 由 Client 管理（脱离单个调用方的取消链），取消时应尽快返回。
type FetchFunc func(ctx context.Context) (any, error)

// Status 表示 Entry 的状态。
type Status int

const (
	// StatusEmpty 从未成功解析过（或失效时无值）。
	StatusEmpty Status = iota
	// StatusFetching 当前代次的 fetch 正在进行。
	StatusFetching
	// StatusFresh 值在 staleAfter 窗口内。
	StatusFresh
	// StatusStale 值已过期或已失效，仍可使用。
	StatusStale
	// StatusError 最近一次 fetch 失败；Value 可能仍保留上一次成功的值。
	StatusError
)

// String 返回 Status 的可读字符串表示。
func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusFetching:
		return "fetching"
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusError:
		return "error"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Snapshot 是 Entry 在某一时刻的只读视图。
type Snapshot struct {
	Key Key
	// Value 为最近一次解析的值；HasValue 为 false 时无意义。
	Value    any
	HasValue bool
	Status   Status
	// FetchedAt 为最近一次成功解析时间，零值表示从未成功。
	FetchedAt time.Time
	// Err 为最近一次失败的底层错误，成功后清除。
	Err        error
	StaleAfter time.Duration
	Generation uint64
	// Subscribers 为当前订阅数。
	Subscribers int
	// Exists 为 false 表示 Store 中不存在该 Entry（仅 Get 会返回）。
	Exists bool
}

// EventKind 表示变更通知的原因。
type EventKind int

const (
	// EventFetchStarted 当前代次的 fetch 开始。
	EventFetchStarted EventKind = iota + 1
	// EventResolved fetch 成功并写入。
	EventResolved
	// EventFailed fetch 失败并记录。
	EventFailed
	// EventFetchAborted fetch 被取消或被新代次取代，状态恢复为取消前。
	EventFetchAborted
	// EventInvalidated Entry 被失效。
	EventInvalidated
	// EventOptimistic mutation 乐观写入。
	EventOptimistic
	// EventCommitted mutation 成功，服务端结果写入。
	EventCommitted
	// EventRolledBack mutation 失败，Entry 回滚。
	EventRolledBack
	// EventSet 直接写入（Client.Set）。
	EventSet
)

// String 返回 EventKind 的可读字符串表示。
func (k EventKind) String() string {
	switch k {
	case EventFetchStarted:
		return "fetch_started"
	case EventResolved:
		return "resolved"
	case EventFailed:
		return "failed"
	case EventFetchAborted:
		return "fetch_aborted"
	case EventInvalidated:
		return "invalidated"
	case EventOptimistic:
		return "optimistic"
	case EventCommitted:
		return "committed"
	case EventRolledBack:
		return "rolled_back"
	case EventSet:
		return "set"
	default:
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event 是一次 Entry 状态/值变化的通知。
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// entry 是 Store 内部记录，只能在所属分片锁内访问。
type entry struct {
	key Key

	value    any
	hasValue bool
	// status 仅取 Empty/Fresh/Stale/Error；Fetching 与过期由 snapshot 推导。
	status     Status
	fetchedAt  time.Time
	err        error
	staleAfter time.Duration
	generation uint64

	// fetching 表示存在以当前代次启动的 fetch。任何代次递增都会清除它。
	fetching bool
	fetchSeq uint64
	// flights 为引用此 Entry 的 in-flight 操作数（含已被取代的）。
	flights int
	// mutations 为尚未 settle 的 mutation 数。
	mutations int

	subs       map[uint64]*Subscription
	lastActive time.Time
	fetcher    FetchFunc
}

// effectiveStatus 根据当前时间推导对外状态。
func (e *entry) effectiveStatus(now time.Time) Status {
	if e.fetching {
		return StatusFetching
	}
	if e.status == StatusFresh && now.Sub(e.fetchedAt) >= e.staleAfter {
		return StatusStale
	}
	return e.status
}

func (e *entry) snapshot(now time.Time) Snapshot {
	return Snapshot{
		Key:         e.key,
		Value:       e.value,
		HasValue:    e.hasValue,
		Status:      e.effectiveStatus(now),
		FetchedAt:   e.fetchedAt,
		Err:         e.err,
		StaleAfter:  e.staleAfter,
		Generation:  e.generation,
		Subscribers: len(e.subs),
		Exists:      true,
	}
}

// evictable 判断 Entry 是否可被淘汰。
func (e *entry) evictable(now time.Time, olderThan time.Duration) bool {
	return len(e.subs) == 0 && e.flights == 0 && e.mutations == 0 &&
		now.Sub(e.lastActive) >= olderThan
}
