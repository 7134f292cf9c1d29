// Package server wires the cache daemon together: the store and its sweeper,
// carousel ingestion from multicast, the content and admin HTTP servers, and
// the optional on-disk snapshot.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/stbcache/internal/api/admin"
	apimiddleware "github.com/piwi3910/stbcache/internal/api/middleware"
	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/carousel"
	"github.com/piwi3910/stbcache/internal/config"
	"github.com/piwi3910/stbcache/internal/health"
	"github.com/piwi3910/stbcache/internal/ingest"
	"github.com/piwi3910/stbcache/internal/metrics"
	"github.com/piwi3910/stbcache/internal/multicast"
	"github.com/piwi3910/stbcache/internal/origin"
	"github.com/piwi3910/stbcache/internal/persist"
	"github.com/piwi3910/stbcache/internal/serve"
	"github.com/piwi3910/stbcache/internal/shutdown"
	"github.com/piwi3910/stbcache/internal/sweeper"
)

// Version is the current version of the daemon
const Version = "0.1.0"

// Server is the cache daemon
type Server struct {
	cfg *config.Config

	// Core services
	store       *cache.Store
	sweeper     *sweeper.Sweeper
	pipeline    *ingest.Pipeline
	origin      *origin.Client
	snapshotter *persist.Snapshotter

	// Health checker
	healthChecker *health.Checker

	// HTTP servers
	httpServer  *http.Server
	adminServer *http.Server
}

// New creates the daemon. Nothing touches the network until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{
		cfg: cfg,
	}

	// Initialize metrics
	metrics.Init(cfg.NodeName)
	log.Info().Str("node", cfg.NodeName).Msg("Metrics initialized")

	srv.store = cache.New(storeConfig(cfg))
	srv.sweeper = sweeper.New(srv.store, sweeperConfig(cfg))

	if cfg.Multicast.Enabled {
		asm := carousel.NewAssembler(assemblerConfig(cfg))
		srv.pipeline = ingest.New(asm, srv.store, ingestConfig(cfg))
	}

	var err error

	srv.origin, err = origin.New(ctx, originConfig(cfg))
	if err != nil {
		_ = srv.store.Close()
		return nil, fmt.Errorf("failed to initialize origin client: %w", err)
	}

	if cfg.Persist.Enabled {
		srv.snapshotter, err = persist.Open(persistConfig(cfg))
		if err != nil {
			_ = srv.store.Close()
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
	}

	// Interfaces stay nil when the pipeline is disabled
	var ingestSource health.IngestSource
	var adminIngest admin.IngestSource
	if srv.pipeline != nil {
		ingestSource = srv.pipeline
		adminIngest = srv.pipeline
	}

	srv.healthChecker = health.NewChecker(srv.store, ingestSource, srv.sweeper)

	// Setup HTTP servers
	srv.setupContentServer()
	if cfg.Admin.Enabled {
		srv.setupAdminServer(adminIngest)
	}

	return srv, nil
}

func (s *Server) setupContentServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.MetricsMiddleware)
	r.Use(apimiddleware.RequestID)
	r.Use(apimiddleware.AccessLog)

	serve.New(s.store, s.origin, serveConfig(s.cfg)).Routes(r)

	// No WriteTimeout: large objects stream to slow clients, and the serve
	// handler bounds each write with http.write_idle_timeout instead
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.HTTP.IdleTimeout,
	}
}

func (s *Server) setupAdminServer(ingestSource admin.IngestSource) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.RequestID)
	r.Use(apimiddleware.AccessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Admin.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Admin API handlers
	adminHandler := admin.NewHandler(s.store, s.sweeper, ingestSource)
	r.Route("/api/v1", adminHandler.RegisterRoutes)

	s.adminServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Admin.Port),
		Handler:           r,
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       s.cfg.HTTP.IdleTimeout,
	}
}

// Start runs the daemon until ctx is cancelled or a component fails, then
// shuts everything down and writes the snapshot.
func (s *Server) Start(ctx context.Context) error {
	// Restore before ingestion so a re-broadcast refreshes restored entries
	if s.snapshotter != nil {
		if n, err := s.snapshotter.Restore(ctx, s.store); err != nil {
			log.Error().Err(err).Msg("Failed to restore cache snapshot")
		} else {
			log.Info().Int("entries", n).Str("dir", s.cfg.Persist.Dir).Msg("Cache snapshot restored")
		}
	}

	var receiver *multicast.Receiver
	if s.pipeline != nil {
		var err error

		receiver, err = multicast.Listen(multicastConfig(s.cfg))
		if err != nil {
			s.saveSnapshot(ctx)
			_ = s.store.Close()
			return fmt.Errorf("failed to join carousel: %w", err)
		}

		log.Info().
			Str("group", s.cfg.Multicast.Group).
			Int("port", s.cfg.Multicast.Port).
			Str("interface", s.cfg.Multicast.Interface).
			Msg("Joined carousel multicast group")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Start sweeper background goroutine
	s.sweeper.Start(ctx)

	// Ingestion stops before the snapshot is taken
	ingestDone := make(chan struct{})
	g.Go(func() error {
		defer close(ingestDone)

		if receiver == nil {
			return nil
		}
		defer func() { _ = receiver.Close() }()

		return receiver.Run(ctx, s.pipeline)
	})

	// Start content server
	g.Go(func() error {
		log.Info().Int("port", s.cfg.HTTP.Port).Msg("Starting content server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("content server error: %w", err)
		}
		return nil
	})

	// Start Admin server
	if s.adminServer != nil {
		g.Go(func() error {
			log.Info().Int("port", s.cfg.Admin.Port).Msg("Starting Admin API server")
			log.Info().Int("port", s.cfg.Admin.Port).Msg("Prometheus metrics available at /metrics")
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
	}

	s.healthChecker.SetReady(true)

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down servers...")

		return s.shutdown(ingestDone)
	})

	return g.Wait()
}

// shutdown stops serving and ingestion before the snapshot is written.
func (s *Server) shutdown(ingestDone <-chan struct{}) error {
	coord := shutdown.NewCoordinator(shutdown.Config{
		TotalTimeout: s.cfg.HTTP.ShutdownTimeout,
		HTTPTimeout:  s.cfg.HTTP.ShutdownTimeout / 2,
	})

	coord.RegisterHook(shutdown.PhaseDraining, func(context.Context) error {
		s.healthChecker.SetReady(false)
		return nil
	})
	coord.RegisterHook(shutdown.PhasePersist, func(ctx context.Context) error {
		s.saveSnapshot(ctx)
		return nil
	})

	components := shutdown.Components{
		HTTPServers: []shutdown.HTTPServerShutdown{namedServer{"content", s.httpServer}},
		Workers: []shutdown.Worker{
			{Name: "sweeper", Stop: s.sweeper.Stop},
			{Name: "ingest", Stop: func() { <-ingestDone }},
		},
		Cache: s.store,
	}
	if s.adminServer != nil {
		components.HTTPServers = append(components.HTTPServers, namedServer{"admin", s.adminServer})
	}

	return coord.Shutdown(context.Background(), components)
}

// namedServer labels an http.Server for shutdown logging.
type namedServer struct {
	name string
	*http.Server
}

func (n namedServer) Name() string { return n.name }

func (s *Server) saveSnapshot(ctx context.Context) {
	if s.snapshotter == nil {
		return
	}

	defer func() {
		if err := s.snapshotter.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing snapshot store")
		}
	}()

	n, err := s.snapshotter.Save(ctx, s.store)
	if err != nil {
		log.Error().Err(err).Msg("Failed to save cache snapshot")
		return
	}

	log.Info().Int("entries", n).Str("dir", s.cfg.Persist.Dir).Msg("Cache snapshot saved")
}

// Store returns the cache store
func (s *Server) Store() *cache.Store {
	return s.store
}
