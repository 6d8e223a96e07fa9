package transport

import (
	"slices"
	"sync"
)

// Subscription is the token returned by Subscribe. Unsubscribe is idempotent.
type Subscription struct {
	once   *sync.Once
	cancel func()
}

func (s Subscription) Unsubscribe() {
	if s.once == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handlerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Bus is a typed publish/subscribe registry keyed by event kind.
// Handlers run synchronously on the publishing goroutine, in subscription order.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry[T]
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[string][]handlerEntry[T])}
}

func (b *Bus[T]) Subscribe(kind string, fn func(T)) Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handlerEntry[T]{id: id, fn: fn})
	b.mu.Unlock()

	return Subscription{once: &sync.Once{}, cancel: func() { b.remove(kind, id) }}
}

func (b *Bus[T]) remove(kind string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := slices.DeleteFunc(b.handlers[kind], func(e handlerEntry[T]) bool { return e.id == id })
	if len(entries) == 0 {
		delete(b.handlers, kind)
		return
	}
	b.handlers[kind] = entries
}

func (b *Bus[T]) Publish(kind string, v T) {
	b.mu.RLock()
	entries := slices.Clone(b.handlers[kind])
	b.mu.RUnlock()

	for _, e := range entries {
		e.fn(v)
	}
}

// Clear drops every handler.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]handlerEntry[T])
	b.mu.Unlock()
}

// Len returns the number of handlers registered for kind.
func (b *Bus[T]) Len(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
