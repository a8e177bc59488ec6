package collector

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Composite fans multiple collectors into one sink. Each child runs in
// its own goroutine; a child that returns early is logged and does not
// stop its siblings.
type Composite struct {
	children []Collector
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewComposite creates a composite over the given collectors.
func NewComposite(logger *zap.Logger, children ...Collector) *Composite {
	return &Composite{
		children: children,
		logger:   logger.Named("collector"),
	}
}

// Name implements Collector.
func (c *Composite) Name() string { return "composite" }

// Start starts every child. A child that fails to start is skipped with
// a warning; the composite only errors when no child started at all.
func (c *Composite) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := c.children[:0]
	for _, child := range c.children {
		if err := child.Start(ctx); err != nil {
			c.logger.Warn("collector failed to start",
				zap.String("collector", child.Name()),
				zap.Error(err),
			)
			continue
		}
		started = append(started, child)
	}
	c.children = started
	if len(c.children) == 0 {
		return errors.New("no collectors started")
	}
	return nil
}

// Collect runs all children concurrently into sink and blocks until every
// one has returned. It returns the context error, never a child's.
func (c *Composite) Collect(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	for _, child := range c.children {
		c.wg.Add(1)
		go func(child Collector) {
			defer c.wg.Done()
			err := child.Collect(ctx, sink)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("collector stopped",
					zap.String("collector", child.Name()),
					zap.Error(err),
				)
			}
		}(child)
	}

	c.wg.Wait()
	return context.Cause(ctx)
}

// Stop cancels the collect loops, waits for them to drain, and stops
// every child. Child stop errors are joined.
func (c *Composite) Stop() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	started := c.started
	c.mu.Unlock()

	if started {
		c.wg.Wait()
	}

	var errs []error
	for _, child := range c.children {
		if err := child.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
