// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"bytes"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the engine's Prometheus collectors, registered against a
// private registry rather than the global one: the engine is an embedded
// library, not a server with its own /metrics endpoint, so nothing should
// register into a process-wide default registry a caller may also be using.
type Metrics struct {
	reg *prometheus.Registry

	// Buffer pool (C4).
	BufferHitsTotal      prometheus.Counter
	BufferMissesTotal    prometheus.Counter
	BufferEvictionsTotal prometheus.Counter
	BufferWritebacksTotal prometheus.Counter

	// Disk I/O (C1/C3).
	PagesReadTotal      prometheus.Counter
	PagesWrittenTotal   prometheus.Counter
	PagesAllocatedTotal prometheus.Counter
	PagesReleasedTotal  prometheus.Counter

	// Write-ahead log.
	WalRecordsAppendedTotal prometheus.Counter
	WalFsyncTotal           prometheus.Counter
	WalFsyncDuration        prometheus.Histogram
	WalRecoveryRecordsTotal *prometheus.CounterVec // labeled by "redo"/"undo"

	// B+tree operations (C5), labeled by operation and table.
	TreeOpsTotal    *prometheus.CounterVec
	TreeOpDuration  *prometheus.HistogramVec

	// Sort-merge join (C10).
	JoinRowsEmittedTotal prometheus.Counter
	JoinDuration         prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics on a fresh,
// private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{reg: reg}

	m.BufferHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_buffer_pool_hits_total",
		Help: "Total number of buffer pool page requests served from a resident frame.",
	})
	m.BufferMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_buffer_pool_misses_total",
		Help: "Total number of buffer pool page requests that required a disk read.",
	})
	m.BufferEvictionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_buffer_pool_evictions_total",
		Help: "Total number of frames evicted by the clock-sweep replacement policy.",
	})
	m.BufferWritebacksTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_buffer_pool_writebacks_total",
		Help: "Total number of dirty frames written back to disk.",
	})

	m.PagesReadTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_pages_read_total",
		Help: "Total number of 4096-byte pages read from disk.",
	})
	m.PagesWrittenTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_pages_written_total",
		Help: "Total number of 4096-byte pages written to disk.",
	})
	m.PagesAllocatedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_pages_allocated_total",
		Help: "Total number of pages popped from a table's free list.",
	})
	m.PagesReleasedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_pages_released_total",
		Help: "Total number of pages pushed back onto a table's free list.",
	})

	m.WalRecordsAppendedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_wal_records_appended_total",
		Help: "Total number of log records appended to the write-ahead log.",
	})
	m.WalFsyncTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_wal_fsync_total",
		Help: "Total number of fsync calls issued against the log file.",
	})
	m.WalFsyncDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_wal_fsync_duration_seconds",
		Help:    "Duration of WAL fsync calls in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	m.WalRecoveryRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_wal_recovery_records_total",
			Help: "Total number of log records replayed during recovery, by pass.",
		},
		[]string{"pass"},
	)

	m.TreeOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_btree_operations_total",
			Help: "Total number of B+tree operations, by operation and table.",
		},
		[]string{"operation", "table"},
	)
	m.TreeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_btree_operation_duration_seconds",
			Help:    "Duration of B+tree operations in seconds, by operation and table.",
			Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
		},
		[]string{"operation", "table"},
	)

	m.JoinRowsEmittedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_join_rows_emitted_total",
		Help: "Total number of rows emitted by the sort-merge equi-join operator.",
	})
	m.JoinDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_join_duration_seconds",
		Help:    "Duration of join operations in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	return m
}

// RecordTreeOp records a completed B+tree operation.
func (m *Metrics) RecordTreeOp(operation string, table string, duration time.Duration) {
	m.TreeOpsTotal.WithLabelValues(operation, table).Inc()
	m.TreeOpDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordWalFsync records a completed log fsync call.
func (m *Metrics) RecordWalFsync(duration time.Duration) {
	m.WalFsyncTotal.Inc()
	m.WalFsyncDuration.Observe(duration.Seconds())
}

// Gather renders the registry's current state in Prometheus text exposition
// format. There is no HTTP server here: the engine is embedded, so a caller
// that wants to expose these metrics over the network mounts Gather's output
// on its own mux.
func (m *Metrics) Gather() ([]byte, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
