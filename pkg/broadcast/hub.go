// Package broadcast 向多个订阅者分发状态快照。
//
// 每个订阅者持有容量为 1 的通道：发布时若上一份快照尚未被取走，就用最新的替换它。
// 读者因此总是拿到最新的完整状态，慢读者不会阻塞发布方，也不会无限堆积。
package broadcast

import "sync"

type subscriber[T any] struct {
	ch   chan T
	once sync.Once
}

func (s *subscriber[T]) offer(v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}

func (s *subscriber[T]) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub 是一组订阅者。零值不可用，使用 New 创建。
// 发布顺序由调用方保证：调用方应在自己的状态锁内调用 Publish。
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

// New 创建一个空的 Hub。
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe 注册一个订阅者，通道中预先放入 current。调用返回的函数取消订阅并关闭通道。
// Hub 已关闭时返回一个已关闭的通道。
func (h *Hub[T]) Subscribe(current T) (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	s.offer(current)

	return s.ch, func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.close()
	}
}

// Len 返回当前订阅者数量。
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish 把 v 交给每个订阅者，从不阻塞。
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.offer(v)
	}
}

// Close 关闭所有订阅通道，之后的 Publish 不再有效果。
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.close()
	}
	h.subs = make(map[*subscriber[T]]struct{})
}
