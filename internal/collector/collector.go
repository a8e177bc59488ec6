// Package collector gathers raw state documents from heterogeneous,
// independently-failing sources and feeds them into the raw queue.
package collector

import (
	"context"

	"github.com/terrascope-io/terrascope/internal/domain"
)

// Sink receives collected documents. The raw queue satisfies this; Put
// blocks while the queue is full, which is how backpressure reaches the
// pollers.
type Sink interface {
	Put(ctx context.Context, doc domain.RawDocument) error
}

// Collector is the capability shared by all source collectors.
//
// Collect runs poll cycles until the context is canceled, emitting every
// new or modified artifact into the sink. A failed poll of one source is
// logged and retried on the next cycle; it never terminates the loop.
// Start acquires clients or other resources, Stop releases them; in-flight
// polls are canceled through the Collect context.
type Collector interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Collect(ctx context.Context, sink Sink) error
}
