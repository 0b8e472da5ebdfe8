package xquery

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer 订阅通道的默认缓冲大小。
const DefaultSubscriberBuffer = 16

// Subscription 表示对一个 Key 的订阅。
//
// 订阅使 Entry 的 subscriberCount 加一：有订阅的 Entry 不会被淘汰，
// 并且按 Policy.BackgroundInterval 在后台定期重新验证。
//
// 事件通过 C() 非阻塞投递；缓冲区满时丢弃并计入 Dropped()，
// 消费方应以最新的 Snapshot 为准，而非依赖事件完整性。
type Subscription struct {
	id      uint64
	key     Key
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	cancel  func(*Subscription)
}

// C 返回事件通道。Unsubscribe 或 Client 关闭后通道被关闭。
func (s *Subscription) C() <-chan Event { return s.ch }

// Key 返回订阅的 Key。
func (s *Subscription) Key() Key { return s.key }

// Dropped 返回因缓冲区满而丢弃的事件数。
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe 取消订阅。幂等。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
	})
}

// deliver 非阻塞投递事件，返回 false 表示丢弃。
// 只能在持有所属分片锁时调用（通道关闭同样在分片锁内进行）。
func (s *Subscription) deliver(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
