package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_dispatch", Name: "dispatch_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "pickup_dispatch", Name: "dispatch_latency_seconds", Help: "Dispatch latency seconds"})
	OracleCalls     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_dispatch", Name: "oracle_calls_total", Help: "Routing oracle calls by result"},
		[]string{"result"},
	)
	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pickup_dispatch",
		Name:      "oracle_latency_seconds",
		Help:      "Routing oracle call latency",
		Buckets:   prometheus.DefBuckets,
	})
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_dispatch", Name: "request_transitions_total", Help: "Committed request status transitions"},
		[]string{"to"},
	)
	AssignConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_dispatch", Name: "assign_conflicts_total", Help: "Assignments lost to a concurrent request"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_dispatch", Name: "driver_location_updates_total", Help: "Driver location updates received"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pickup_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
