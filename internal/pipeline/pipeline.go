// Package pipeline wires the ingest stages together: collectors feed the
// raw queue, normalize workers turn documents into records, and the
// uploader ships records to the search engine.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/collector"
	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/metrics"
	"github.com/terrascope-io/terrascope/internal/normalize"
	"github.com/terrascope-io/terrascope/internal/queue"
	"github.com/terrascope-io/terrascope/internal/uploader"
)

const depthSampleInterval = 5 * time.Second

// Pipeline owns the ingest stages and their shutdown order: collectors
// stop first, then the queues drain through the workers and uploader.
type Pipeline struct {
	collector collector.Collector
	rawQ      queue.Queue[domain.RawDocument]
	recQ      queue.Queue[domain.Record]
	parser    *normalize.Parser
	workers   int
	uploader  *uploader.Uploader
	metrics   *metrics.Ingest
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a pipeline from its stages.
func New(
	col collector.Collector,
	rawQ queue.Queue[domain.RawDocument],
	recQ queue.Queue[domain.Record],
	parser *normalize.Parser,
	workers int,
	up *uploader.Uploader,
	m *metrics.Ingest,
	logger *zap.Logger,
) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		collector: col,
		rawQ:      rawQ,
		recQ:      recQ,
		parser:    parser,
		workers:   workers,
		uploader:  up,
		metrics:   m,
		logger:    logger.Named("pipeline"),
		done:      make(chan struct{}),
	}
}

// Start launches all stages. It returns once everything is running; the
// stages keep going until Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.collector.Start(ctx); err != nil {
		return err
	}

	collectCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	// Collectors. Closing the raw queue when they stop is what lets the
	// downstream stages drain and exit in order.
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		err := p.collector.Collect(collectCtx, p.rawQ)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("collectors stopped", zap.Error(err))
		}
		if err := p.rawQ.Close(); err != nil {
			p.logger.Warn("close raw queue", zap.Error(err))
		}
	}()

	// Normalize workers drain the raw queue even after cancellation, so
	// they run on a background context and exit on queue close.
	var workerWG sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		w := normalize.NewWorker(p.rawQ, p.recQ, p.parser, p.metrics, p.logger)
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			if err := w.Run(context.Background()); err != nil {
				p.logger.Error("normalize worker stopped", zap.Error(err))
			}
		}()
	}

	uploaderDone := make(chan struct{})
	go func() {
		defer close(uploaderDone)
		if err := p.uploader.Run(context.Background()); err != nil {
			p.logger.Error("uploader stopped", zap.Error(err))
		}
	}()

	go p.sampleDepths(collectCtx)

	go func() {
		defer close(p.done)
		<-collectDone
		workerWG.Wait()
		if err := p.recQ.Close(); err != nil {
			p.logger.Warn("close record queue", zap.Error(err))
		}
		<-uploaderDone
		p.logger.Info("pipeline drained")
	}()

	p.logger.Info("pipeline started", zap.Int("normalize_workers", p.workers))
	return nil
}

// Stop shuts the pipeline down in stage order and waits for the drain to
// finish, bounded by ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if err := p.collector.Stop(); err != nil {
		p.logger.Warn("collector stop", zap.Error(err))
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sampleDepths feeds the queue depth gauges while the pipeline runs.
func (p *Pipeline) sampleDepths(ctx context.Context) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		if n, err := p.rawQ.Len(ctx); err == nil {
			p.metrics.SetQueueDepth("raw", n)
		}
		if n, err := p.recQ.Len(ctx); err == nil {
			p.metrics.SetQueueDepth("records", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats is the payload of the /stats endpoint.
type Stats struct {
	Pipeline metrics.Snapshot `json:"pipeline"`
	Queues   map[string]int   `json:"queues"`
}

// Stats reports counters and current queue depths.
func (p *Pipeline) Stats(ctx context.Context) Stats {
	s := Stats{
		Pipeline: p.metrics.Snapshot(),
		Queues:   make(map[string]int, 2),
	}
	if n, err := p.rawQ.Len(ctx); err == nil {
		s.Queues["raw"] = n
	}
	if n, err := p.recQ.Len(ctx); err == nil {
		s.Queues["records"] = n
	}
	return s
}
