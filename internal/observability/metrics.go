package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_published_total", Help: "Total offers fanned out to providers"})
	AcceptAttempts  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_attempts_total", Help: "Acceptance attempts by outcome"},
		[]string{"outcome"},
	)
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_expired_total", Help: "Requests expired by the sweeper"})

	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "job_transitions_total", Help: "Applied job status transitions"},
		[]string{"status"},
	)
	PingsIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "location_pings_total", Help: "Location pings persisted"})

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "publish_failures_total", Help: "Event publishes dropped after retries"},
		[]string{"topic"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
