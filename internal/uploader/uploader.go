// Package uploader drains normalized records from the record queue and
// ships them to the search engine in bulk batches.
package uploader

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/metrics"
	"github.com/terrascope-io/terrascope/internal/queue"
)

// BulkStats reports the outcome of one bulk request.
type BulkStats struct {
	Indexed int
	Failed  int
}

// BulkIndexer writes a batch of records to the search engine. Partial
// per-record failures are reported through BulkStats; a returned error
// means the whole request failed and the batch may be retried.
type BulkIndexer interface {
	BulkUpsert(ctx context.Context, records []domain.Record) (BulkStats, error)
}

const (
	DefaultBatchSize    = 500
	DefaultBatchTimeout = 5 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 2 * time.Second

	// shutdownGrace bounds the final flush once the run context is gone.
	shutdownGrace = 10 * time.Second
)

// Uploader accumulates records and flushes when the batch is full or the
// oldest buffered record has waited past the batch timeout, whichever
// comes first.
type Uploader struct {
	in           queue.Queue[domain.Record]
	indexer      BulkIndexer
	batchSize    int
	batchTimeout time.Duration
	maxRetries   int
	retryBackoff time.Duration
	metrics      *metrics.Ingest
	logger       *zap.Logger

	buf    []domain.Record
	oldest time.Time
}

// Option tunes an Uploader.
type Option func(*Uploader)

func WithBatchSize(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.batchSize = n
		}
	}
}

func WithBatchTimeout(d time.Duration) Option {
	return func(u *Uploader) {
		if d > 0 {
			u.batchTimeout = d
		}
	}
}

func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(u *Uploader) {
		if maxRetries >= 0 {
			u.maxRetries = maxRetries
		}
		if backoff > 0 {
			u.retryBackoff = backoff
		}
	}
}

// New creates an Uploader reading from in and writing through indexer.
func New(in queue.Queue[domain.Record], indexer BulkIndexer, m *metrics.Ingest, logger *zap.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		in:           in,
		indexer:      indexer,
		batchSize:    DefaultBatchSize,
		batchTimeout: DefaultBatchTimeout,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
		metrics:      m,
		logger:       logger.Named("uploader"),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.buf = make([]domain.Record, 0, u.batchSize)
	return u
}

// Run consumes records until the input queue closes or the context is
// canceled. Buffered records are flushed on the way out.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		rec, err := u.next(ctx)
		switch {
		case err == nil:
			u.buf = append(u.buf, rec)
			if len(u.buf) == 1 {
				u.oldest = time.Now()
			}
			if len(u.buf) >= u.batchSize {
				u.flush(ctx)
			}

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Batch timeout: the oldest record has waited long enough.
			u.flush(ctx)

		case errors.Is(err, domain.ErrQueueClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			u.finalFlush()
			return nil

		default:
			u.finalFlush()
			return err
		}
	}
}

// next gets one record, bounded by the batch timeout while records are
// buffered so a slow trickle still flushes on time.
func (u *Uploader) next(ctx context.Context) (domain.Record, error) {
	if len(u.buf) == 0 {
		return u.in.Get(ctx)
	}
	waitCtx, cancel := context.WithDeadline(ctx, u.oldest.Add(u.batchTimeout))
	defer cancel()
	return u.in.Get(waitCtx)
}

// flush ships the buffer with bounded retries. A batch that still fails
// after the last retry is dropped and counted; it never wedges the
// pipeline.
func (u *Uploader) flush(ctx context.Context) {
	if len(u.buf) == 0 {
		return
	}
	batch := u.buf
	u.buf = make([]domain.Record, 0, u.batchSize)

	start := time.Now()
	for attempt := 0; ; attempt++ {
		stats, err := u.indexer.BulkUpsert(ctx, batch)
		if err == nil {
			u.metrics.RecordsIndexed(stats.Indexed)
			if stats.Failed > 0 {
				u.metrics.RecordFailures(stats.Failed)
				u.logger.Warn("bulk request had per-record failures",
					zap.Int("indexed", stats.Indexed),
					zap.Int("failed", stats.Failed),
				)
			}
			u.metrics.FlushObserved(time.Since(start), time.Now())
			u.logger.Debug("batch flushed",
				zap.Int("records", len(batch)),
				zap.Duration("took", time.Since(start)),
			)
			return
		}

		if attempt >= u.maxRetries || ctx.Err() != nil {
			u.metrics.BatchDropped(len(batch))
			u.logger.Error("batch dropped after retries",
				zap.Int("records", len(batch)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}

		u.logger.Warn("bulk request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(u.retryBackoff):
		}
	}
}

// finalFlush pushes out whatever is buffered under a detached deadline,
// so shutdown does not lose an almost-full batch.
func (u *Uploader) finalFlush() {
	if len(u.buf) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	u.flush(ctx)
}
