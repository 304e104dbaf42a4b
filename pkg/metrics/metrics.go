// Package metrics exposes Prometheus collectors for every core
// component (Store, Index, Indexer, Cleaner, Sync, process runtime,
// HTTP surface).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_store_ops_total",
			Help: "Total Store operations by kind (put/get/delete) and backend.",
		},
		[]string{"op", "backend"},
	)

	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_store_op_duration_seconds",
			Help:    "Store operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "backend"},
	)

	// Index / propagation metrics
	IndexPutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_index_puts_total",
			Help: "Total Index put operations.",
		},
	)

	PropagationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tangram_propagation_queue_depth",
			Help: "Number of pending entries in the propagation queue.",
		},
	)

	PropagationLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_propagation_lag_seconds",
			Help:    "Time between a Put/Propagate entry being enqueued and processed.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PropagationBatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_propagation_batch_retries_total",
			Help: "Total batch-too-large retries (halved and re-attempted) in the indexer.",
		},
	)

	IndexerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_indexer_cycles_total",
			Help: "Total indexer drain cycles completed.",
		},
	)

	IndexerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_indexer_cycle_duration_seconds",
			Help:    "Time taken for one indexer drain cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cleaner metrics
	CleanerDeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_cleaner_deletions_total",
			Help: "Total objects/processes deleted by the cleaner, by kind.",
		},
		[]string{"kind"},
	)

	CleanerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_cleaner_cycle_duration_seconds",
			Help:    "Time taken for one cleaner sweep.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Process runtime metrics
	ProcessesSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_processes_spawned_total",
			Help: "Total processes spawned on this server.",
		},
	)

	ProcessesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_processes_finished_total",
			Help: "Total processes finished, by outcome.",
		},
		[]string{"outcome"},
	)

	ProcessRuntimeConcurrency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tangram_process_runtime_concurrency",
			Help: "Number of process permits currently held.",
		},
	)

	HeartbeatExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_heartbeat_expirations_total",
			Help: "Total processes cancelled for missing a heartbeat within their TTL.",
		},
	)

	// Sync metrics
	SyncTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_sync_transfers_total",
			Help: "Total sync transfers by direction (push/pull) and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	SyncCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_sync_call_duration_seconds",
			Help:    "Duration of a full sync call (enumeration through termination).",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"direction"},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_http_requests_total",
			Help: "Total HTTP requests by route and status.",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		StoreOpsTotal,
		StoreOpDuration,
		IndexPutsTotal,
		PropagationQueueDepth,
		PropagationLagSeconds,
		PropagationBatchRetriesTotal,
		IndexerCyclesTotal,
		IndexerCycleDuration,
		CleanerDeletionsTotal,
		CleanerCycleDuration,
		ProcessesSpawnedTotal,
		ProcessesFinishedTotal,
		ProcessRuntimeConcurrency,
		HeartbeatExpirationsTotal,
		SyncTransfersTotal,
		SyncCallDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
