// Package metrics provides Prometheus metrics collection for the cache daemon.
//
// The package exposes metrics at /metrics on the admin port:
//
// Ingestion Metrics:
//   - stbcache_packets_received_total: Transport packets read from multicast
//   - stbcache_carousel_drops_total: Dropped packets, sections and objects by reason
//   - stbcache_objects_assembled_total: Carousel objects fully reassembled
//   - stbcache_assemblies_in_flight: Objects currently being reassembled
//
// Cache Metrics:
//   - stbcache_cache_hits_total / stbcache_cache_misses_total
//   - stbcache_cache_size_bytes, stbcache_cache_entries, stbcache_cache_capacity_bytes
//   - stbcache_cache_evictions_total: Removed entries by reason
//   - stbcache_cache_evictions_deferred_total: Entries skipped because a reader held them
//
// Serving Metrics:
//   - stbcache_requests_total, stbcache_request_duration_seconds
//   - stbcache_origin_fetches_total: Origin fallbacks by result
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts total number of HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_requests_total",
			Help: "Total number of requests",
		},
		[]string{"method", "operation", "status"},
	)

	// RequestDuration tracks request duration in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stbcache_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "operation"},
	)

	// ActiveConnections tracks number of in-flight HTTP requests
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stbcache_active_connections",
			Help: "Number of active connections",
		},
	)

	// BytesSent tracks total response bytes written
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_bytes_sent_total",
			Help: "Total bytes sent",
		},
	)

	// ErrorsTotal tracks total number of request errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"operation", "error_type"},
	)

	// PacketsReceived counts transport packets read from the multicast group
	PacketsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_packets_received_total",
			Help: "Total transport packets received",
		},
	)

	// ReceiveErrors counts socket errors on the multicast receiver
	ReceiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_receive_errors_total",
			Help: "Total multicast receive errors",
		},
	)

	// CarouselDrops counts discarded packets, sections and objects
	CarouselDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_carousel_drops_total",
			Help: "Total carousel data dropped by reason",
		},
		[]string{"reason"},
	)

	// ObjectsAssembled counts completed carousel objects
	ObjectsAssembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_objects_assembled_total",
			Help: "Total carousel objects reassembled",
		},
	)

	// AssembliesInFlight tracks objects currently being reassembled
	AssembliesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stbcache_assemblies_in_flight",
			Help: "Carousel objects currently being reassembled",
		},
	)

	// IngestErrors counts completed objects that could not be cached
	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_ingest_errors_total",
			Help: "Total ingestion failures by type",
		},
		[]string{"error_type"},
	)

	// CacheHits counts cache lookups that returned an entry
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	// CacheMisses counts cache lookups that found nothing usable
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	// CacheSizeBytes tracks the running total of cached payload bytes
	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stbcache_cache_size_bytes",
			Help: "Bytes held by linked cache entries",
		},
	)

	// CacheEntries tracks the number of linked cache entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stbcache_cache_entries",
			Help: "Number of linked cache entries",
		},
	)

	// CacheCapacityBytes is the configured capacity ceiling
	CacheCapacityBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stbcache_cache_capacity_bytes",
			Help: "Configured cache capacity in bytes",
		},
	)

	// CacheEvictions counts removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_cache_evictions_total",
			Help: "Total cache entries removed by reason",
		},
		[]string{"reason"},
	)

	// CacheEvictionsDeferred counts entries the sweeper skipped because a
	// reader held them past the lock wait
	CacheEvictionsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stbcache_cache_evictions_deferred_total",
			Help: "Total evictions deferred to the next sweep",
		},
	)

	// SweepDuration tracks sweeper pass duration
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stbcache_sweep_duration_seconds",
			Help:    "Duration of sweeper passes",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	// OriginFetches counts origin fallbacks by result
	OriginFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_origin_fetches_total",
			Help: "Total origin fetches by result",
		},
		[]string{"result"},
	)

	// OriginFetchDuration tracks origin fetch latency
	OriginFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stbcache_origin_fetch_duration_seconds",
			Help:    "Origin fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SnapshotEntries tracks entries written or restored by the persistence layer
	SnapshotEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stbcache_snapshot_entries_total",
			Help: "Total entries saved to or restored from disk",
		},
		[]string{"direction"},
	)

	// NodeInfo provides information about this daemon
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stbcache_node_info",
			Help: "Node information",
		},
		[]string{"node_name", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeName string) {
	NodeInfo.WithLabelValues(nodeName, Version).Set(1)
}

// RecordRequest records a request with its method, operation, status, and duration
func RecordRequest(method, operation string, status int, duration time.Duration) {
	statusStr := statusCodeToString(status)
	RequestsTotal.WithLabelValues(method, operation, statusStr).Inc()
	RequestDuration.WithLabelValues(method, operation).Observe(duration.Seconds())
}

// RecordError records a request error
func RecordError(operation, errorType string) {
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// IncrementActiveConnections increments the active connections gauge
func IncrementActiveConnections() {
	ActiveConnections.Inc()
}

// DecrementActiveConnections decrements the active connections gauge
func DecrementActiveConnections() {
	ActiveConnections.Dec()
}

// AddBytesSent adds to the bytes sent counter
func AddBytesSent(bytes int64) {
	BytesSent.Add(float64(bytes))
}

// AddPacketsReceived adds to the received packets counter
func AddPacketsReceived(n int) {
	PacketsReceived.Add(float64(n))
}

// RecordReceiveError records a multicast socket error
func RecordReceiveError() {
	ReceiveErrors.Inc()
}

// RecordCarouselDrop records discarded carousel data
func RecordCarouselDrop(reason string) {
	CarouselDrops.WithLabelValues(reason).Inc()
}

// RecordObjectAssembled records a completed carousel object
func RecordObjectAssembled() {
	ObjectsAssembled.Inc()
}

// SetAssembliesInFlight sets the in-flight assembly gauge
func SetAssembliesInFlight(n int) {
	AssembliesInFlight.Set(float64(n))
}

// RecordIngestError records an object that could not be cached
func RecordIngestError(errorType string) {
	IngestErrors.WithLabelValues(errorType).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit() {
	CacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss() {
	CacheMisses.Inc()
}

// SetCacheStats sets the cache size gauges
func SetCacheStats(sizeBytes int64, entries int) {
	CacheSizeBytes.Set(float64(sizeBytes))
	CacheEntries.Set(float64(entries))
}

// SetCacheCapacity sets the configured capacity gauge
func SetCacheCapacity(bytes int64) {
	CacheCapacityBytes.Set(float64(bytes))
}

// RecordEviction records a removed cache entry
func RecordEviction(reason string) {
	CacheEvictions.WithLabelValues(reason).Inc()
}

// RecordEvictionDeferred records an eviction postponed to the next sweep
func RecordEvictionDeferred() {
	CacheEvictionsDeferred.Inc()
}

// ObserveSweep records the duration of a sweeper pass
func ObserveSweep(duration time.Duration) {
	SweepDuration.Observe(duration.Seconds())
}

// RecordOriginFetch records an origin fetch result and its duration
func RecordOriginFetch(result string, duration time.Duration) {
	OriginFetches.WithLabelValues(result).Inc()
	OriginFetchDuration.Observe(duration.Seconds())
}

// AddSnapshotEntries records entries saved ("save") or restored ("restore")
func AddSnapshotEntries(direction string, n int) {
	SnapshotEntries.WithLabelValues(direction).Add(float64(n))
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
