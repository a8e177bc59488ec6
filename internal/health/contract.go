package health

import "context"

// EnginePinger checks search engine availability.
type EnginePinger interface {
	Ping(ctx context.Context) error
}

// QueueChecker checks that a pipeline queue is reachable.
type QueueChecker interface {
	Len(ctx context.Context) (int, error)
}
