package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_submitted_total", Help: "Jobs accepted by submit_job"}, []string{"job_type"})
	JobsCompleted         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_completed_total", Help: "Jobs that reached completed"}, []string{"job_type"})
	JobsRetried           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_retried_total", Help: "Failed attempts returned to pending"}, []string{"job_type"})
	JobsDeadLettered      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_dead_lettered_total", Help: "Jobs moved to the dead letter destination"}, []string{"job_type"})
	StageDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "content_stage_duration_seconds", Help: "Wall time per handler stage", Buckets: prometheus.DefBuckets}, []string{"job_type", "stage"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_rate_limit_rejects_total", Help: "Submissions rejected by the per-owner rate limiter"})
	IdempotentReplays     = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_idempotent_replays_total", Help: "Requests answered from the idempotency cache"})
	LedgerAppendFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_ledger_append_failures_total", Help: "Pipeline events that could not be recorded"})
	NotifyFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_notify_failures_total", Help: "Notifications that could not be published"})
	ReconcileExhausted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_reconcile_exhausted_total", Help: "Document pushes that ran out of attempts"})
	ExternalEditsDetected = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_external_edits_detected_total", Help: "External document revisions observed by poll"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "content_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "content_jobs_inflight", Help: "Jobs currently held by a worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			StageDuration,
			RateLimitRejects,
			IdempotentReplays,
			LedgerAppendFailures,
			NotifyFailures,
			ReconcileExhausted,
			ExternalEditsDetected,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
