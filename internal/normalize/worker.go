package normalize

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/metrics"
)

// Source yields raw documents for normalization.
type Source interface {
	Get(ctx context.Context) (domain.RawDocument, error)
}

// Sink receives normalized records.
type Sink interface {
	Put(ctx context.Context, rec domain.Record) error
}

// Worker consumes raw documents from the raw queue, normalizes them, and
// enqueues the resulting records. A document that fails to normalize is
// skipped and counted; the worker keeps going.
type Worker struct {
	in      Source
	out     Sink
	parser  *Parser
	metrics *metrics.Ingest
	logger  *zap.Logger
}

// NewWorker creates a normalizer worker.
func NewWorker(in Source, out Sink, parser *Parser, m *metrics.Ingest, logger *zap.Logger) *Worker {
	return &Worker{in: in, out: out, parser: parser, metrics: m, logger: logger}
}

// Run processes documents until the context is canceled or the input queue
// closes. An item pulled from the queue is always fully processed: its
// records are enqueued even while shutdown is in progress, so no document
// is ever half-emitted.
func (w *Worker) Run(ctx context.Context) error {
	defer w.logger.Debug("normalizer worker stopped")
	for {
		raw, err := w.in.Get(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		res, err := w.parser.Parse(raw)
		if err != nil {
			w.metrics.NormalizeError()
			w.logger.Warn("skipping document",
				zap.String("source", raw.Meta.Identifier),
				zap.Error(err),
			)
			continue
		}
		for range res.SkippedResources {
			w.metrics.NormalizeError()
		}

		if err := w.emit(ctx, res.Records); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		w.metrics.RecordsNormalized(len(res.Records))
	}
}

// drainGrace bounds how long an in-flight record set may keep enqueueing
// after the run context is canceled.
const drainGrace = 5 * time.Second

// emit enqueues every record of one document. A cancellation mid-set does
// not truncate the set: the remaining records get a short detached grace
// window so the document lands whole or not at all past this point.
func (w *Worker) emit(ctx context.Context, records []domain.Record) error {
	for i, rec := range records {
		err := w.out.Put(ctx, rec)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			grace, cancel := context.WithTimeout(context.Background(), drainGrace)
			defer cancel()
			for _, rest := range records[i:] {
				if err := w.out.Put(grace, rest); err != nil {
					if errors.Is(err, domain.ErrQueueClosed) {
						return nil
					}
					return err
				}
			}
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			return err
		}
	}
	return nil
}
