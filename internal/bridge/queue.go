package bridge

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO between one producer and one consumer. When it
// is full, Push discards the oldest element after the head so the head and
// the order of the rest are preserved.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	limit  int
	closed bool
	signal chan struct{}
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit < 2 {
		limit = 2
	}
	return &Queue[T]{
		items:  make([]T, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// Push appends v and reports whether an older element was dropped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	if len(q.items) >= q.limit {
		q.items = append(q.items[:1], q.items[2:]...)
		dropped = true
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return dropped
}

// Pop blocks until an element is available, the queue is closed and
// drained, or ctx ends.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, errQueueClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// Flush discards everything queued and returns how many were dropped.
func (q *Queue[T]) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make([]T, 0, q.limit)
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer; queued elements can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
