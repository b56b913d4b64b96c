// Package memory provides a bounded in-process job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO with context-aware operations. Close is safe to
// call concurrently with Enqueue.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}
	mu   sync.RWMutex
	once sync.Once
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job, blocking while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job. Jobs enqueued before Close are still delivered.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return job, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs. Blocked Enqueue calls return ErrClosed.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}
