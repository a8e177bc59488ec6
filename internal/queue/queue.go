// Package queue provides the bounded queues that connect pipeline stages.
//
// Two drivers exist: an in-process channel-backed queue and a Redis
// list-backed queue for pipelines that span processes. Both block on Put
// when full and on Get when empty; nothing is ever dropped.
package queue

import "context"

// Queue is the contract shared by queue drivers.
type Queue[T any] interface {
	// Put enqueues an item, blocking while the queue is at capacity.
	Put(ctx context.Context, item T) error
	// Get dequeues an item, blocking while the queue is empty.
	Get(ctx context.Context) (T, error)
	// Len reports the current queue depth.
	Len(ctx context.Context) (int, error)
	// Close marks the queue closed. Blocked and subsequent calls return
	// domain.ErrQueueClosed; items already buffered can still be drained.
	Close() error
}
