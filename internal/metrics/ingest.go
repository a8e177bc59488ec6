package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingest tracks pipeline throughput and failure counters. Every value is
// exported to Prometheus and mirrored in an in-process snapshot for the
// /stats endpoint.
type Ingest struct {
	documentsCollected *prometheus.CounterVec
	collectErrors      *prometheus.CounterVec
	recordsNormalized  prometheus.Counter
	normalizeErrors    prometheus.Counter
	recordsIndexed     prometheus.Counter
	recordFailures     prometheus.Counter
	batchesDropped     prometheus.Counter
	flushDuration      prometheus.Histogram
	queueDepth         *prometheus.GaugeVec

	collected       atomic.Int64
	collectErrCount atomic.Int64
	normalized      atomic.Int64
	normalizeErrs   atomic.Int64
	indexed         atomic.Int64
	recordFails     atomic.Int64
	droppedBatches  atomic.Int64
	lastFlushNano   atomic.Int64
}

// Snapshot is a point-in-time view of the ingest counters.
type Snapshot struct {
	Collected       int64     `json:"collected"`
	CollectErrors   int64     `json:"collectErrors"`
	Normalized      int64     `json:"normalized"`
	NormalizeErrors int64     `json:"normalizeErrors"`
	Indexed         int64     `json:"indexed"`
	RecordFailures  int64     `json:"recordFailures"`
	DroppedBatches  int64     `json:"droppedBatches"`
	LastFlush       time.Time `json:"lastFlush"`
}

// NewIngest creates the ingest metric set and registers it explicitly
// (no init()).
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		documentsCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "terrascope",
				Name:      "documents_collected_total",
				Help:      "State documents collected, by source kind",
			},
			[]string{"source_kind"},
		),
		collectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "terrascope",
				Name:      "collect_errors_total",
				Help:      "Collection failures, by source kind",
			},
			[]string{"source_kind"},
		),
		recordsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrascope",
			Name:      "records_normalized_total",
			Help:      "Resource instance records produced by the normalizer",
		}),
		normalizeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrascope",
			Name:      "normalize_errors_total",
			Help:      "State documents or resources skipped during normalization",
		}),
		recordsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrascope",
			Name:      "records_indexed_total",
			Help:      "Records successfully upserted into the search engine",
		}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrascope",
			Name:      "record_failures_total",
			Help:      "Records rejected inside otherwise successful bulk responses",
		}),
		batchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrascope",
			Name:      "batches_dropped_total",
			Help:      "Batches dropped after exhausting delivery retries",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "terrascope",
			Name:      "flush_duration_seconds",
			Help:      "Bulk flush duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "terrascope",
				Name:      "queue_depth",
				Help:      "Current depth of a pipeline queue",
			},
			[]string{"queue"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.documentsCollected, m.collectErrors,
			m.recordsNormalized, m.normalizeErrors,
			m.recordsIndexed, m.recordFailures, m.batchesDropped,
			m.flushDuration, m.queueDepth,
		)
	}
	return m
}

// DocumentCollected counts one collected state document.
func (m *Ingest) DocumentCollected(sourceKind string) {
	m.documentsCollected.WithLabelValues(sourceKind).Inc()
	m.collected.Add(1)
}

// CollectError counts one collection failure.
func (m *Ingest) CollectError(sourceKind string) {
	m.collectErrors.WithLabelValues(sourceKind).Inc()
	m.collectErrCount.Add(1)
}

// RecordsNormalized counts records emitted by the normalizer.
func (m *Ingest) RecordsNormalized(n int) {
	m.recordsNormalized.Add(float64(n))
	m.normalized.Add(int64(n))
}

// NormalizeError counts one skipped document or resource.
func (m *Ingest) NormalizeError() {
	m.normalizeErrors.Inc()
	m.normalizeErrs.Add(1)
}

// RecordsIndexed counts records accepted by a bulk upsert.
func (m *Ingest) RecordsIndexed(n int) {
	m.recordsIndexed.Add(float64(n))
	m.indexed.Add(int64(n))
}

// RecordFailures counts per-record rejections inside a bulk response.
func (m *Ingest) RecordFailures(n int) {
	m.recordFailures.Add(float64(n))
	m.recordFails.Add(int64(n))
}

// BatchDropped counts a batch of n records dropped after retries.
func (m *Ingest) BatchDropped(n int) {
	m.batchesDropped.Inc()
	m.droppedBatches.Add(1)
	m.RecordFailures(n)
}

// FlushObserved records a completed flush.
func (m *Ingest) FlushObserved(d time.Duration, at time.Time) {
	m.flushDuration.Observe(d.Seconds())
	m.lastFlushNano.Store(at.UnixNano())
}

// SetQueueDepth updates the depth gauge for one queue.
func (m *Ingest) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Snapshot returns the current counter values.
func (m *Ingest) Snapshot() Snapshot {
	s := Snapshot{
		Collected:       m.collected.Load(),
		CollectErrors:   m.collectErrCount.Load(),
		Normalized:      m.normalized.Load(),
		NormalizeErrors: m.normalizeErrs.Load(),
		Indexed:         m.indexed.Load(),
		RecordFailures:  m.recordFails.Load(),
		DroppedBatches:  m.droppedBatches.Load(),
	}
	if nano := m.lastFlushNano.Load(); nano != 0 {
		s.LastFlush = time.Unix(0, nano).UTC()
	}
	return s
}
