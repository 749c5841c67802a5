// Package observer provides a typed publish/subscribe registry.
package observer

import "sync"

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Registry delivers published values synchronously to every subscriber in
// registration order. The zero value is ready to use.
type Registry[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
}

// Subscribe registers fn and returns a disposer that removes exactly this
// subscription. Calling the disposer more than once is harmless.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

// Publish calls subscribers with value. Subscribers added or removed while
// publishing take effect on the next call.
func (r *Registry[T]) Publish(value T) {
	r.mu.Lock()
	subs := make([]subscription[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.fn(value)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}
