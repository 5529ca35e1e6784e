package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_submissions_accepted_total", Help: "Submissions persisted and announced"})
	SubmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_submissions_rejected_total", Help: "Submissions rejected at ingress"}, []string{"reason"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_events_published_total", Help: "Events accepted by the bus"}, []string{"topic"})
	EventsDropped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_events_dropped_total", Help: "Events dropped because the job identity could not be read"}, []string{"topic"})
	BusReadErrors   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_bus_read_errors_total", Help: "Failed bus reads"}, []string{"topic"})

	HandlerResults  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_handler_results_total", Help: "Handler invocations by outcome"}, []string{"topic", "outcome"})
	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "pipeline_handler_duration_seconds", Help: "Handler latency", Buckets: prometheus.DefBuckets}, []string{"topic"})
	InFlightGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_handlers_inflight", Help: "Handlers currently running"}, []string{"topic"})

	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs that reached items-fetched"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that reached failed"}, []string{"stage", "kind"})

	ExternalRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_external_requests_total", Help: "Calls to the channel search API"}, []string{"operation", "outcome"})
	ExternalRetries  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_external_retries_total", Help: "Retried calls to the channel search API"}, []string{"operation"})

	DigestsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_digests_written_total", Help: "Digest documents stored by the outbox"}, []string{"kind"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsAccepted,
			SubmissionsRejected,
			RateLimitRejects,
			EventsPublished,
			EventsDropped,
			BusReadErrors,
			HandlerResults,
			HandlerDuration,
			InFlightGauge,
			JobsCompleted,
			JobsFailed,
			ExternalRequests,
			ExternalRetries,
			DigestsWritten,
		)
	})
	return promhttp.Handler()
}
