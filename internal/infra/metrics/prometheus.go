package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_jobs_submitted_total",
		Help: "Total number of job submissions, by outcome",
	}, []string{"outcome"})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_jobs_processed_total",
		Help: "Total number of frame extraction jobs settled, by status",
	}, []string{"status"})

	JobProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ytgify_job_processing_duration_seconds",
		Help:    "Duration of frame extraction jobs",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytgify_frames_extracted_total",
		Help: "Total number of frames extracted across all jobs",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ytgify_queue_depth",
		Help: "Number of job ids waiting in the extraction queue",
	})

	JobsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytgify_jobs_pruned_total",
		Help: "Total number of terminal jobs pruned from the store",
	})

	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_token_refresh_total",
		Help: "Refresh HTTP calls issued, by outcome",
	}, []string{"outcome"})

	SessionExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_session_expired_total",
		Help: "Sessions cleared, by reason",
	}, []string{"reason"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ytgify_dispatch_duration_seconds",
		Help:    "Time from envelope receipt to response delivery",
		Buckets: prometheus.DefBuckets,
	}, []string{"type", "outcome"})

	DispatchRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_dispatch_retry_total",
		Help: "Handler retries performed by the dispatcher",
	}, []string{"type"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_api_requests_total",
		Help: "Platform API requests, by method and status class",
	}, []string{"method", "status"})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgify_broadcasts_total",
		Help: "Notifications delivered to listeners, by result",
	}, []string{"result"})
)
