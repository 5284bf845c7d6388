// Package queue provides the thread-safe FIFO used between the command
// intake and the reconciler drain task. Arrival order is preserved, which
// is what gives commands their per-sender ordering guarantee.
package queue

import "sync"

// Queue is a mutex-guarded FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends items in order.
func (q *Queue[T]) Push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// DrainAll removes and returns everything currently queued, oldest first.
// Returns nil when empty.
func (q *Queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	return drained
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
