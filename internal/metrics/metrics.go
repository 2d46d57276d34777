// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UnitsTotal counts reconciled units by outcome: success, skipped, failed.
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hallsync_units_total",
			Help: "Extraction units processed by outcome",
		},
		[]string{"outcome"},
	)

	// MachineFallbacks counts how failed machines were recovered: backup, correction, failure_log.
	MachineFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hallsync_machine_fallbacks_total",
			Help: "Machine-level failures by fallback used",
		},
		[]string{"fallback"},
	)

	// RowsWritten counts rows loaded into the warehouse.
	RowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hallsync_warehouse_rows_written_total",
			Help: "Rows appended to the warehouse",
		},
	)

	// WarehouseLoadDuration tracks delete+load latency per partition.
	WarehouseLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hallsync_warehouse_load_duration_seconds",
			Help:    "Duration of warehouse partition syncs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"scope"},
	)

	// LockAttempts counts mutex acquisitions: acquired, contended.
	LockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hallsync_lock_attempts_total",
			Help: "Cross-process mutex acquisition attempts",
		},
		[]string{"result"},
	)

	// JobRuns counts scheduler executions by job type and status.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hallsync_job_runs_total",
			Help: "Scheduled job executions by type and status",
		},
		[]string{"job_type", "status"},
	)

	// JobDuration tracks job execution time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hallsync_job_duration_seconds",
			Help:    "Duration of scheduled job executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"job_type"},
	)

	// RunningJobs is 1 while a job holds the in-process slot.
	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hallsync_running_jobs",
			Help: "Jobs currently executing in this process",
		},
	)

	// ExtractorRequests counts page loads by kind (list, detail) and status.
	ExtractorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hallsync_extractor_requests_total",
			Help: "Extractor page loads by kind and status",
		},
		[]string{"kind", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
