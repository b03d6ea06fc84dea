// Package realtime 提供实时订阅的通用快照流实现。
// 各存储适配器（内存、MongoDB 变更流、Redis 发布订阅）把回调转换为 Stream，
// 上层只面向 ports.Subscription。
package realtime

import (
	"sync"

	"go-imsync/internal/application/ports"
)

// Stream 容量有限的快照流：消费者跟不上时丢弃最旧的快照。
// 快照是完整结果集，只保留最新一份即可保证收敛。
type Stream[T any] struct {
	mu      sync.Mutex
	ch      chan ports.Snapshot[T]
	closed  bool
	onClose func()
	once    sync.Once
}

// NewStream 创建快照流；onClose 在首次 Close 时调用（释放底层通道）
func NewStream[T any](buffer int, onClose func()) *Stream[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream[T]{ch: make(chan ports.Snapshot[T], buffer), onClose: onClose}
}

func (s *Stream[T]) Updates() <-chan ports.Snapshot[T] { return s.ch }

// Publish 投递一份快照；已关闭时返回 false
func (s *Stream[T]) Publish(docs T) bool {
	return s.push(ports.Snapshot[T]{Docs: docs})
}

// Fail 投递一次通道错误
func (s *Stream[T]) Fail(err error) bool {
	return s.push(ports.Snapshot[T]{Err: err})
}

func (s *Stream[T]) push(snap ports.Snapshot[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- snap:
			return true
		default:
		}
		// 满了：丢弃最旧的一份
		select {
		case <-s.ch:
		default:
		}
	}
}

// Closed 是否已关闭
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 幂等关闭
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

var _ ports.Subscription[int] = (*Stream[int])(nil)
