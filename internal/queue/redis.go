package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"github.com/terrascope-io/terrascope/internal/domain"
)

// boundedPush enqueues only while the list is below capacity, atomically.
var boundedPush = rueidis.NewLuaScript(
	"if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then return 0 end " +
		"redis.call('RPUSH', KEYS[1], ARGV[1]) return 1",
)

// Redis is a fixed-capacity queue backed by a Redis list, for pipelines
// whose stages run in separate processes. Items are JSON-encoded.
type Redis[T any] struct {
	client    rueidis.Client
	key       string
	capacity  int
	pollEvery time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedis creates a Redis-backed queue on the given list key.
func NewRedis[T any](client rueidis.Client, key string, capacity int) *Redis[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Redis[T]{
		client:    client,
		key:       key,
		capacity:  capacity,
		pollEvery: 100 * time.Millisecond,
		done:      make(chan struct{}),
	}
}

// Put enqueues an item, blocking while the list is at capacity.
func (q *Redis[T]) Put(ctx context.Context, item T) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}

	for {
		select {
		case <-q.done:
			return domain.ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pushed, err := boundedPush.Exec(
			ctx, q.client, []string{q.key},
			[]string{string(payload), fmt.Sprint(q.capacity)},
		).AsInt64()
		if err != nil {
			return fmt.Errorf("push to %s: %w", q.key, err)
		}
		if pushed == 1 {
			return nil
		}

		select {
		case <-q.done:
			return domain.ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollEvery):
		}
	}
}

// Get dequeues an item, blocking while the list is empty. BLPOP runs with a
// short timeout so Close and context cancellation are honored promptly.
// After Close, items still on the list are drained with non-blocking pops
// before ErrQueueClosed is reported.
func (q *Redis[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		select {
		case <-q.done:
			return q.popRemaining(ctx)
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		cmd := q.client.B().Blpop().Key(q.key).Timeout(1).Build()
		vals, err := q.client.Do(ctx, cmd).AsStrSlice()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				continue
			}
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("pop from %s: %w", q.key, err)
		}
		// BLPOP replies [key, value].
		if len(vals) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(vals[1]), &item); err != nil {
			return zero, fmt.Errorf("decode queue item: %w", err)
		}
		return item, nil
	}
}

// popRemaining drains one buffered item after Close, reporting
// ErrQueueClosed once the list is empty.
func (q *Redis[T]) popRemaining(ctx context.Context) (T, error) {
	var zero T
	cmd := q.client.B().Lpop().Key(q.key).Build()
	val, err := q.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return zero, domain.ErrQueueClosed
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("pop from %s: %w", q.key, err)
	}

	var item T
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return zero, fmt.Errorf("decode queue item: %w", err)
	}
	return item, nil
}

// Len reports the current list length.
func (q *Redis[T]) Len(ctx context.Context) (int, error) {
	cmd := q.client.B().Llen().Key(q.key).Build()
	n, err := q.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	return int(n), nil
}

// Close marks the queue closed. The Redis client itself is owned by the
// caller and stays open.
func (q *Redis[T]) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
