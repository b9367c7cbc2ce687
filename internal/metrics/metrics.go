package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_worker_api_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the queue",
		},
		[]string{"environment"},
	)

	JobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_worker_api_jobs_dispatched_total",
			Help: "Total number of jobs handed to a worker",
		},
		[]string{"environment"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_worker_api_status_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decode_worker_api_queue_depth",
			Help: "Current number of jobs per status",
		},
		[]string{"status"},
	)

	// Timeout supervisor metrics
	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decode_worker_api_jobs_requeued_total",
			Help: "Total number of stalled jobs re-queued by the timeout supervisor",
		},
	)

	JobsTimedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decode_worker_api_jobs_timed_out_total",
			Help: "Total number of jobs failed after exhausting retries",
		},
	)

	// File brokerage metrics
	PresignedURLs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_worker_api_presigned_urls_total",
			Help: "Total number of presigned file requests issued",
		},
		[]string{"operation"},
	)

	// Tracker metrics
	TrackerCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_worker_api_tracker_callbacks_total",
			Help: "Total number of status callbacks to the user-facing API",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTrackerCallback records the outcome of a status callback.
func RecordTrackerCallback(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	TrackerCallbacks.WithLabelValues(result).Inc()
}
