package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for shutdown monitoring.
var (
	// shutdownDuration tracks the total shutdown duration.
	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stbcache_shutdown_duration_seconds",
		Help: "Total duration of the shutdown process in seconds",
	})

	// shutdownPhase tracks the current shutdown phase.
	shutdownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stbcache_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	// workersStopped tracks the number of workers stopped during shutdown.
	workersStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stbcache_shutdown_workers_stopped_total",
		Help: "Total number of workers stopped during shutdown",
	})

	// shutdownErrors tracks errors during shutdown.
	shutdownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stbcache_shutdown_errors_total",
		Help: "Total number of errors during shutdown",
	})

	// phaseDuration tracks how long each finished phase took.
	phaseDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stbcache_shutdown_phase_duration_seconds",
		Help: "Duration of each completed shutdown phase in seconds",
	}, []string{"phase"})

	// snapshotTimeouts counts persist phases cut short by their deadline.
	snapshotTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stbcache_shutdown_snapshot_timeouts_total",
		Help: "Total number of cache snapshots cut short by the persist timeout",
	})

	// cacheBytesReleased records the payload bytes held when the cache closed.
	cacheBytesReleased = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stbcache_shutdown_cache_bytes_released",
		Help: "Cached payload bytes released when the cache was closed",
	})
)

// All phases for tracking.
var allPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseHTTPServers,
	PhaseWorkers,
	PhasePersist,
	PhaseCache,
	PhaseComplete,
	PhaseForcedShutdown,
}

// SetShutdownDuration sets the shutdown duration metric.
func SetShutdownDuration(d time.Duration) {
	shutdownDuration.Set(d.Seconds())
}

// SetShutdownPhase sets the current shutdown phase metric.
func SetShutdownPhase(phase Phase) {
	// Reset all phases to 0
	for _, p := range allPhases {
		shutdownPhase.WithLabelValues(string(p)).Set(0)
	}
	// Set current phase to 1
	shutdownPhase.WithLabelValues(string(phase)).Set(1)
}

// IncrementWorkersStopped increments the workers stopped counter.
func IncrementWorkersStopped() {
	workersStopped.Inc()
}

// IncrementShutdownErrors increments the shutdown errors counter.
func IncrementShutdownErrors() {
	shutdownErrors.Inc()
}

// SetPhaseDuration records the duration of a finished phase.
func SetPhaseDuration(phase Phase, d time.Duration) {
	phaseDuration.WithLabelValues(string(phase)).Set(d.Seconds())
}

// IncrementSnapshotTimeouts counts a persist phase that hit its deadline.
func IncrementSnapshotTimeouts() {
	snapshotTimeouts.Inc()
}

// SetCacheBytesReleased records the bytes held by the cache when it closed.
func SetCacheBytesReleased(n int64) {
	cacheBytesReleased.Set(float64(n))
}
