package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Ingest counts position samples by outcome (accepted, invalid, error)
	Ingest = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_ingest_total", Help: "Position samples ingested by result."},
		[]string{"result"},
	)
	// IngestDuplicates counts samples whose (vehicle, timestamp) was already seen
	IngestDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "fleettrack_ingest_duplicates_total", Help: "Samples repeating a vehicle's previous timestamp."},
	)
	// BroadcastEvents counts fan-out events by type
	BroadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_broadcast_events_total", Help: "Events published to viewers by type."},
		[]string{"type"},
	)

	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_query_cache_requests_total", Help: "Query cache lookups by result."},
		[]string{"result"},
	)
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fleettrack_query_cache_entries", Help: "Entries held by the query cache."},
	)
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_query_cache_evictions_total", Help: "Query cache removals by reason."},
		[]string{"reason"},
	)

	PoolQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_db_queries_total", Help: "Pooled database calls by result."},
		[]string{"result"},
	)
	PoolQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "fleettrack_db_query_duration_seconds", Help: "Pooled database call duration.", Buckets: prometheus.DefBuckets},
	)
	PoolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fleettrack_db_pool_utilization", Help: "In-use connections over max open connections."},
	)
	PoolErrorRate = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fleettrack_db_error_rate", Help: "Failed calls over total calls since last stats reset."},
	)

	FallbackLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_fallback_lookups_total", Help: "Fallback lookups by serving tier (none when empty)."},
		[]string{"tier"},
	)

	ChannelConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "fleettrack_channel_connections", Help: "Open server-side channel connections by role."},
		[]string{"role"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_rate_limited_total", Help: "Ingest attempts rejected by the per-operator limiter."},
		[]string{"transport"},
	)
	BrokerPublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "fleettrack_broker_publish_errors_total", Help: "Remote broker publish failures, including open-breaker rejections."},
	)

	SessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleettrack_session_reconnect_attempts_total", Help: "Client session reconnect attempts by result."},
		[]string{"role", "result"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(Ingest, IngestDuplicates, BroadcastEvents)
		Registry.MustRegister(CacheRequests, CacheEntries, CacheEvictions)
		Registry.MustRegister(PoolQueries, PoolQueryDuration, PoolUtilization, PoolErrorRate)
		Registry.MustRegister(FallbackLookups, ChannelConnections, RateLimited, BrokerPublishErrors)
		Registry.MustRegister(SessionReconnects)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
