// Package metrics holds the process-wide Prometheus collectors. Collectors are
// registered on the default registry through promauto and exposed by the
// server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts handled requests by method, route pattern and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citegraph_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures server response time. Graph builds that
	// miss the cache dominate the upper buckets.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citegraph_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// UpstreamRequests counts outbound attempts per upstream and outcome
	// (ok, not_found, rate_limited, server_error, timeout, error).
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citegraph_upstream_requests_total",
			Help: "Outbound requests to the metadata source by upstream and outcome",
		},
		[]string{"upstream", "outcome"},
	)

	// BreakerState tracks each upstream circuit breaker (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citegraph_upstream_breaker_state",
			Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
		},
		[]string{"upstream"},
	)

	// GraphBuilds counts completed builds by result (complete, incomplete, failed).
	GraphBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citegraph_graph_builds_total",
			Help: "Graph builds by result",
		},
		[]string{"result"},
	)

	// GraphBuildDuration measures wall time of graph builds.
	GraphBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citegraph_graph_build_duration_seconds",
			Help:    "Duration of graph builds in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 45, 90},
		},
	)

	// GraphNodes observes the node count of each built graph.
	GraphNodes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citegraph_graph_nodes",
			Help:    "Number of nodes per built graph",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// CacheLookups counts graph cache lookups by result (hit, miss, shared).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citegraph_graph_cache_lookups_total",
			Help: "Graph cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheEntries is the number of live graph cache entries.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citegraph_graph_cache_entries",
			Help: "Number of graphs currently held by the graph cache",
		},
	)

	// PaperCacheLookups counts paper record memo lookups by result (hit, miss).
	PaperCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citegraph_paper_cache_lookups_total",
			Help: "Paper record cache lookups by result",
		},
		[]string{"result"},
	)

	// WebSocketClients is the number of connected progress stream clients.
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citegraph_websocket_clients",
			Help: "Connected build progress websocket clients",
		},
	)
)
