package queue

import (
	"context"
	"sync"

	"github.com/terrascope-io/terrascope/internal/domain"
)

// Memory is a fixed-capacity in-process queue backed by a channel.
type Memory[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a bounded in-memory queue with the given capacity.
func NewMemory[T any](capacity int) *Memory[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Put enqueues an item, blocking while the queue is full.
func (q *Memory[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return domain.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues an item, blocking while the queue is empty. Buffered items
// remain retrievable after Close.
func (q *Memory[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		// A racing Put may still land between the drain above and here.
		select {
		case item := <-q.ch:
			return item, nil
		default:
		}
		var zero T
		return zero, domain.ErrQueueClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len reports the current queue depth.
func (q *Memory[T]) Len(_ context.Context) (int, error) {
	return len(q.ch), nil
}

// Close marks the queue closed. Safe to call more than once.
func (q *Memory[T]) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
