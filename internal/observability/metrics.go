package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "requests_created_total", Help: "Service requests created"})
	Broadcasts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "broadcasts_total", Help: "Candidate broadcast cycles"})
	ClaimsWon       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "claims_won_total", Help: "Claims that won the assignment"})
	ClaimConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "claim_conflicts_total", Help: "Claims rejected as conflicts"})
	Completions     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "completions_total", Help: "Requests completed"})
	RefundsIssued   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "refunds_issued_total", Help: "Refund decisions granted on cancellation"})
	LocationPings   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "location_pings_total", Help: "Provider location pings ingested"})

	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "cancellations_total", Help: "Cancellations by actor"},
		[]string{"actor"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roadside_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
