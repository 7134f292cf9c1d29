// Package shutdown coordinates the orderly shutdown of the cache daemon.
//
// Shutdown runs in phases so that nothing writes to the cache after the
// snapshot is taken:
//
//  1. Draining - Hooks flip readiness so probes stop routing traffic
//  2. HTTP Servers - Shutdown content and admin servers concurrently
//  3. Workers - Stop the sweeper and wait for carousel ingestion to end
//  4. Persist - Write the cache snapshot
//  5. Cache - Release every cached payload
//
// Each phase is bounded by its own timeout inside an overall deadline.
package shutdown

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseWorkers        Phase = "workers"
	PhasePersist        Phase = "persist"
	PhaseCache          Phase = "cache"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// WorkerTimeout is the time to wait for background workers to stop.
	// Default: 10 seconds
	WorkerTimeout time.Duration

	// PersistTimeout bounds the snapshot write.
	// Default: 15 seconds
	PersistTimeout time.Duration

	// ForceTimeout is the time after which shutdown is reported as forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:   30 * time.Second,
		HTTPTimeout:    10 * time.Second,
		WorkerTimeout:  10 * time.Second,
		PersistTimeout: 15 * time.Second,
		ForceTimeout:   5 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Worker is a background component stopped in the workers phase.
type Worker struct {
	Name string
	Stop func()
}

// Components holds everything the coordinator shuts down.
type Components struct {
	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown

	// Workers are stopped one after the other, in order
	Workers []Worker

	// Cache is closed last. If it reports TotalSize, the bytes it held are
	// recorded.
	Cache io.Closer
}

// sizer is implemented by caches that report their payload size.
type sizer interface {
	TotalSize() int64
}

// Coordinator manages graceful shutdown of all daemon components.
type Coordinator struct {
	config       Config
	mu           sync.RWMutex
	phase        Phase
	phaseStarted time.Time
	started      time.Time
	errors       []error
	hooks        map[Phase][]ShutdownHook
	doneCh       chan struct{}
	shutdown     atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = def.TotalTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = def.WorkerTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	now := time.Now()

	c.mu.Lock()
	oldPhase := c.phase
	inPhase := now.Sub(c.phaseStarted)
	c.phase = phase
	c.phaseStarted = now
	c.mu.Unlock()

	if oldPhase != PhaseNone {
		SetPhaseDuration(oldPhase, inPhase)
	}

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown runs every phase once. Later calls return immediately.
func (c *Coordinator) Shutdown(ctx context.Context, components Components) error {
	// Ensure we only shutdown once
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")

	// Create overall timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.setPhase(PhaseDraining)
	c.runHooks(shutdownCtx, PhaseDraining)

	c.executeHTTPServersPhase(shutdownCtx, components.HTTPServers)
	c.executeWorkersPhase(shutdownCtx, components.Workers)

	c.setPhase(PhasePersist)
	persistCtx, cancelPersist := context.WithTimeout(shutdownCtx, c.config.PersistTimeout)
	c.runHooks(persistCtx, PhasePersist)
	if errors.Is(persistCtx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("timeout", c.config.PersistTimeout).Msg("Cache snapshot cut short")
		IncrementSnapshotTimeouts()
	}
	cancelPersist()

	c.setPhase(PhaseCache)
	c.runHooks(shutdownCtx, PhaseCache)
	if components.Cache != nil {
		if sz, ok := components.Cache.(sizer); ok {
			SetCacheBytesReleased(sz.TotalSize())
		}
		if err := components.Cache.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing cache")
			c.addError(err)
		}
	}

	// Mark completion
	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

// watchForceTimeout reports a shutdown that overran its deadline.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, servers []HTTPServerShutdown) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	// Shutdown HTTP servers concurrently
	var wg sync.WaitGroup

	for _, server := range servers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) executeWorkersPhase(ctx context.Context, workers []Worker) {
	c.setPhase(PhaseWorkers)
	c.runHooks(ctx, PhaseWorkers)

	workerCtx, cancel := context.WithTimeout(ctx, c.config.WorkerTimeout)
	defer cancel()

	for _, w := range workers {
		c.stopWorker(workerCtx, w)
	}
}

func (c *Coordinator) stopWorker(ctx context.Context, w Worker) {
	done := make(chan struct{}, 1)

	go func() {
		w.Stop()
		done <- struct{}{}
	}()

	select {
	case <-done:
		IncrementWorkersStopped()
		log.Debug().Str("component", w.Name).Msg("Component stopped")
	case <-ctx.Done():
		log.Warn().Str("component", w.Name).Msg("Timeout stopping component")
		c.addError(ctx.Err())
	}
}
