package xquery

import (
	"context"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keyLock 是按 Key 标识的进程内互斥锁，用于串行化 mutation 的"快照 + 乐观写入"步骤。
//
// 每个 key 对应一个容量为 1 的 channel：发送成功即获得锁，接收即释放。
// 条目按引用计数（持有者 + 等待者）管理，归零时从分片 map 删除。
type keyLock struct {
	shards []keyLockShard
	mask   uint64
}

type keyLockShard struct {
	mu      sync.Mutex
	entries map[string]*keyLockEntry
}

type keyLockEntry struct {
	ch     chan struct{}
	refcnt int
}

func newKeyLock(shardCount int) *keyLock {
	shards := make([]keyLockShard, shardCount)
	for i := range shards {
		shards[i].entries = make(map[string]*keyLockEntry)
	}
	return &keyLock{shards: shards, mask: uint64(shardCount - 1)}
}

func (kl *keyLock) shard(id string) *keyLockShard {
	return &kl.shards[xxhash.Sum64String(id)&kl.mask]
}

func (kl *keyLock) ref(id string) *keyLockEntry {
	s := kl.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &keyLockEntry{ch: make(chan struct{}, 1)}
		s.entries[id] = e
	}
	e.refcnt++
	return e
}

func (kl *keyLock) unref(id string, e *keyLockEntry) {
	s := kl.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refcnt--
	if e.refcnt == 0 {
		delete(s.entries, id)
	}
}

func (kl *keyLock) acquire(ctx context.Context, id string) (func(), error) {
	e := kl.ref(id)
	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			kl.unref(id, e)
		}, nil
	case <-ctx.Done():
		kl.unref(id, e)
		return nil, ctx.Err()
	}
}

// acquireAll 按规范标识排序后依次加锁，避免多 Key mutation 之间死锁。
// 重复的标识只加锁一次。返回的 release 按加锁的逆序释放。
func (kl *keyLock) acquireAll(ctx context.Context, ids []string) (func(), error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range sorted {
		release, err := kl.acquire(ctx, id)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// len 返回当前活跃的 key 数。
func (kl *keyLock) len() int {
	n := 0
	for i := range kl.shards {
		s := &kl.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
