// Package metrics provides Prometheus instrumentation for the job
// pipeline: HTTP surface, job lifecycle, event bus, and agent runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finchat_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finchat_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Job pipeline metrics.
var (
	JobsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finchat_jobs_enqueued_total",
		Help: "Total number of jobs enqueued.",
	})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finchat_jobs_completed_total",
		Help: "Total number of jobs reaching a terminal state.",
	}, []string{"state"})

	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finchat_job_queue_depth",
		Help: "Number of jobs currently queued.",
	})

	JobProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finchat_job_processing_duration_seconds",
		Help:    "Time a job spends in the processing state.",
		Buckets: prometheus.DefBuckets,
	})
)

// Event bus metrics.
var (
	BusSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finchat_bus_subscribers_active",
		Help: "Number of currently active event bus subscribers.",
	})

	BusHistoryKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finchat_bus_history_keys",
		Help: "Number of job ids with a live (non-expired) history list.",
	})

	BusEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finchat_bus_events_published_total",
		Help: "Total number of events published to the bus, by type.",
	}, []string{"type"})
)

// Agent runner metrics.
var (
	RunnerSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finchat_runner_spawns_total",
		Help: "Total number of agent subprocess spawn attempts, by outcome.",
	}, []string{"outcome"})

	RunnerRelocatedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finchat_runner_relocated_files_total",
		Help: "Total number of output files relocated after a run, by destination.",
	}, []string{"destination"})
)
