// Package pubsub is a small typed callback registry used by the orchestrator
// components to publish lifecycle events to each other.
package pubsub

import "sync"

// Registry delivers events of type E to subscribed handlers. Handlers run
// synchronously on the publishing goroutine, in subscription order, and are
// never called with the registry lock held.
type Registry[E any] struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]func(E)
	order  []int
}

// Subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (r *Registry[E]) Subscribe(fn func(E)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[int]func(E))
	}
	id := r.nextID
	r.nextID++
	r.byID[id] = fn
	r.order = append(r.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[E]) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Publish calls every handler with ev
func (r *Registry[E]) Publish(ev E) {
	r.mu.RLock()
	handlers := make([]func(E), 0, len(r.order))
	for _, id := range r.order {
		handlers = append(handlers, r.byID[id])
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Len returns the number of subscribers
func (r *Registry[E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
