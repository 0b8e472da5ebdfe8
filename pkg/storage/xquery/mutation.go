package xquery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Mutation 描述一次带乐观更新的写操作。
type Mutation struct {
	// Keys 为受影响的 Key，重复项会被合并。至少一个。
	Keys []Key

	// Optimistic 计算 key 的乐观值，current 为写入前的快照。
	// 为 nil 时不做乐观写入，仅在 settle 后重新验证。
	Optimistic func(key Key, current Snapshot) any

	// Do 执行实际写操作。不做去重，每次 Mutate 都会调用。
	Do func(ctx context.Context) (any, error)

	// Reconcile 根据 Do 的结果计算 key 的权威值；ok 为 false 时保留当前值，
	// 交由 settle 后的重新验证修正。
	// 为 nil 时，单 Key mutation 直接写入 Do 的结果，多 Key mutation 不写入。
	Reconcile func(key Key, result any) (value any, ok bool)
}

// MutationOutcome 是 mutation 的最终结果。
type MutationOutcome int

const (
	// MutationPending 尚未 settle。
	MutationPending MutationOutcome = iota
	// MutationCommitted Do 成功，结果已写入。
	MutationCommitted
	// MutationRolledBack Do 失败或被取消，所有 Key 已回滚到快照。
	MutationRolledBack
)

// String 返回 MutationOutcome 的可读字符串表示。
func (o MutationOutcome) String() string {
	switch o {
	case MutationPending:
		return "pending"
	case MutationCommitted:
		return "committed"
	case MutationRolledBack:
		return "rolled_back"
	default:
		return "MutationOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// MutationRecord 是一次 mutation 的完整记录。
type MutationRecord struct {
	// ID 为 mutation 的唯一标识（UUID）。
	ID   string
	Keys []Key
	// Snapshots 为乐观写入前各 Key 的快照，与 Keys 一一对应。
	Snapshots []Snapshot
	Outcome   MutationOutcome
	Result    any
	Err       error
	StartedAt time.Time
	SettledAt time.Time

	saved []savedState
}

// Mutate 执行一次 mutation：
//
//  1. 按排序后的 Key 加锁，为每个 Key 保存快照并写入乐观值（递增代次），然后解锁
//  2. 调用 m.Do（不去重）
//  3. 成功：按 Reconcile 写入权威值；失败或取消：逆序无条件回滚到快照。
//     Do 返回时 ctx 已结束同样视为取消，即使 Do 本身返回成功
//  4. settle：所有 Key 进入 Due，有订阅者时立即重新验证
//
// 失败时返回的 error 为 *OperationError，同时记录在 MutationRecord.Err。
// 加锁阶段 ctx 结束时返回 ctx.Err()，此时没有任何 Entry 被修改。
func (c *Client) Mutate(ctx context.Context, m Mutation) (*MutationRecord, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if m.Do == nil || len(m.Keys) == 0 {
		return nil, ErrNilMutation
	}
	keys, ids, err := uniqueKeys(m.Keys)
	if err != nil {
		return nil, err
	}

	rec := &MutationRecord{
		ID:        uuid.NewString(),
		Keys:      keys,
		StartedAt: c.opts.clock.Now(),
	}
	ctx, end := c.obs.startSpan(ctx, spanMutate, keys[0])

	release, err := c.locks.acquireAll(ctx, ids)
	if err != nil {
		end(err)
		return nil, err
	}
	applyErr := c.applyOptimistic(rec, m)
	release()

	if applyErr != nil {
		c.rollback(rec)
		rec.Err = &OperationError{Op: "mutate", Key: keys[0], Err: applyErr}
		c.settleMutation(rec)
		end(rec.Err)
		return rec, rec.Err
	}

	result, doErr := callMutation(ctx, m.Do)
	if doErr == nil && ctx.Err() != nil {
		// 调用方已取消：即使 Do 忽略 ctx 并返回成功，也按取消回滚
		doErr = context.Cause(ctx)
	}
	if doErr != nil {
		c.rollback(rec)
		rec.Err = &OperationError{Op: "mutate", Key: keys[0], Err: doErr}
	} else {
		c.commitMutation(rec, m, result)
	}
	c.settleMutation(rec)
	end(rec.Err)
	return rec, rec.Err
}

// applyOptimistic 为每个 Key 保存快照并写入乐观值。
// 某个 Key 的 Optimistic 发生 panic 时停止，已写入的 Key 由调用方回滚。
func (c *Client) applyOptimistic(rec *MutationRecord, m Mutation) (err error) {
	rec.Snapshots = make([]Snapshot, 0, len(rec.Keys))
	rec.saved = make([]savedState, 0, len(rec.Keys))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrMutationPanic, p)
		}
	}()
	for _, key := range rec.Keys {
		var update func(Snapshot) any
		if m.Optimistic != nil {
			k := key
			update = func(cur Snapshot) any { return m.Optimistic(k, cur) }
		}
		snap, saved := c.store.applyOptimistic(key, update)
		rec.Snapshots = append(rec.Snapshots, snap)
		rec.saved = append(rec.saved, saved)
	}
	return nil
}

// rollback 逆序回滚已乐观写入的 Key。
func (c *Client) rollback(rec *MutationRecord) {
	for i := len(rec.saved) - 1; i >= 0; i-- {
		c.store.restore(rec.Keys[i], rec.saved[i])
	}
	rec.Outcome = MutationRolledBack
}

func (c *Client) commitMutation(rec *MutationRecord, m Mutation, result any) {
	rec.Result = result
	rec.Outcome = MutationCommitted
	single := len(rec.Keys) == 1
	for _, key := range rec.Keys {
		switch {
		case m.Reconcile != nil:
			v, ok := c.reconcile(m.Reconcile, key, result)
			c.store.commit(key, v, ok)
		case single:
			c.store.commit(key, result, true)
		default:
			c.store.commit(key, nil, false)
		}
	}
}

// reconcile 调用 Reconcile，panic 时不写入（由 settle 后的重新验证修正）。
func (c *Client) reconcile(fn func(Key, any) (any, bool), key Key, result any) (v any, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			c.obs.logWarn("xquery: reconcile panicked", "key", key.String(), "panic", p)
			v, ok = nil, false
		}
	}()
	return fn(key, result)
}

func (c *Client) settleMutation(rec *MutationRecord) {
	rec.SettledAt = c.opts.clock.Now()
	rec.saved = nil
	for _, key := range rec.Keys {
		c.sched.markDue(key, ReasonSettled)
	}
	c.obs.mutationSettled(rec)
	if rec.Err != nil {
		c.obs.logWarn("xquery: mutation rolled back",
			"mutation_id", rec.ID, "keys", len(rec.Keys), "error", rec.Err)
	}
	if c.opts.onMutation != nil {
		c.opts.onMutation(rec)
	}
}

// uniqueKeys 合并重复 Key（保持首次出现的顺序）并返回它们的标识。
func uniqueKeys(in []Key) ([]Key, []string, error) {
	keys := make([]Key, 0, len(in))
	ids := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		if k.IsZero() {
			return nil, nil, ErrEmptyKey
		}
		if _, ok := seen[k.ID()]; ok {
			continue
		}
		seen[k.ID()] = struct{}{}
		keys = append(keys, k)
		ids = append(ids, k.ID())
	}
	return keys, ids, nil
}

func callMutation(ctx context.Context, fn func(context.Context) (any, error)) (val any, err error) {
	defer func() {
		if p := recover(); p != nil {
			val, err = nil, fmt.Errorf("%w: %v", ErrMutationPanic, p)
		}
	}()
	return fn(ctx)
}
