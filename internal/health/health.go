// Package health provides health check endpoints for the cache daemon.
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (has the cache been restored?)
//   - /health: overall status with per-component checks
//
// Example /health response:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "cache": {"status": "healthy", "message": "42% of capacity used, 17 entries"},
//	    "ingest": {"status": "healthy", "message": "17 objects cached, 0 failed"},
//	    "sweeper": {"status": "healthy", "message": "last pass removed 3 entries"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/ingest"
	"github.com/piwi3910/stbcache/internal/sweeper"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but content is still served.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// DefaultIngestStale is how long the carousel may stay silent before ingest
// is reported degraded.
const DefaultIngestStale = time.Minute

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// IngestSource reports pipeline activity.
type IngestSource interface {
	Stats() ingest.Stats
}

// SweepSource reports the most recent sweep.
type SweepSource interface {
	Last() sweeper.Result
}

// Checker performs health checks on the system.
type Checker struct {
	cacheExpiry  time.Time
	store        *cache.Store
	ingest       IngestSource
	sweeper      SweepSource
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	ingestStale  time.Duration
	mu           sync.RWMutex
	ready        atomic.Bool
}

// NewChecker creates a new health checker. ingest and sweeper may be nil when
// the component is not running.
func NewChecker(store *cache.Store, ingest IngestSource, sweeper SweepSource) *Checker {
	return &Checker{
		store:       store,
		ingest:      ingest,
		sweeper:     sweeper,
		cacheTTL:    5 * time.Second, // Cache health checks for 5 seconds
		ingestStale: DefaultIngestStale,
	}
}

// SetReady marks the daemon ready or not ready for traffic.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := map[string]Check{
		"cache":   c.CheckCache(ctx),
		"ingest":  c.CheckIngest(ctx),
		"sweeper": c.CheckSweeper(ctx),
	}

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckCache reports capacity use. Being over capacity is normal between an
// insert and the next sweep, so it only degrades.
func (c *Checker) CheckCache(_ context.Context) Check {
	if c.store == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "cache store not initialized",
		}
	}

	used := float64(c.store.TotalSize()) / float64(c.store.Capacity()) * 100

	if used > 100 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("over capacity (%.0f%%) until the next sweep", used),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%.0f%% of capacity used, %d entries", used, c.store.EntryCount()),
	}
}

// CheckIngest reports whether carousel packets are arriving.
func (c *Checker) CheckIngest(_ context.Context) Check {
	if c.ingest == nil {
		return Check{
			Status:  StatusHealthy,
			Message: "multicast reception disabled",
		}
	}

	st := c.ingest.Stats()

	if st.LastPacketAt.IsZero() {
		return Check{
			Status:  StatusDegraded,
			Message: "no carousel packets received yet",
		}
	}

	if since := time.Since(st.LastPacketAt); since > c.ingestStale {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("no carousel packets for %s", since.Truncate(time.Second)),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d objects cached, %d failed", st.Stored, st.Failed),
	}
}

// CheckSweeper reports entries that readers kept from being evicted.
func (c *Checker) CheckSweeper(_ context.Context) Check {
	if c.sweeper == nil {
		return Check{
			Status:  StatusHealthy,
			Message: "sweeper not running",
		}
	}

	last := c.sweeper.Last()

	if last.Deferred > 0 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d evictions deferred by busy readers", last.Deferred),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("last pass removed %d entries", last.Expired+last.Evicted),
	}
}

// IsReady checks if the service is ready to accept requests.
func (c *Checker) IsReady(_ context.Context) bool {
	return c.store != nil && c.ready.Load()
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	// Basic liveness check - if we can execute this, we're alive
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles detailed health check requests. Degraded still
// answers 200 so a box with a silent carousel keeps serving.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}

// LivenessHandler handles liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}
