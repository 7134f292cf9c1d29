package shutdown_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/stbcache/internal/shutdown"
)

func testConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:   500 * time.Millisecond,
		HTTPTimeout:    100 * time.Millisecond,
		WorkerTimeout:  50 * time.Millisecond,
		PersistTimeout: 100 * time.Millisecond,
		ForceTimeout:   50 * time.Millisecond,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.WorkerTimeout)
	assert.Equal(t, 15*time.Second, cfg.PersistTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForceTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.Config{})

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorPhaseTransitions(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	err := coord.Shutdown(context.Background(), shutdown.Components{})

	require.NoError(t, err)
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done channel was not closed")
	}
}

func TestCoordinatorShutdownOnlyOnce(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	calls := 0
	coord.RegisterHook(shutdown.PhaseDraining, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))

	assert.Equal(t, 1, calls)
}

func TestCoordinatorPhaseOrder(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	coord.RegisterHook(shutdown.PhaseDraining, func(context.Context) error {
		record("not_ready")
		return nil
	})
	coord.RegisterHook(shutdown.PhasePersist, func(context.Context) error {
		record("snapshot")
		return nil
	})

	components := shutdown.Components{
		HTTPServers: []shutdown.HTTPServerShutdown{
			&mockHTTPServer{name: "content", onShutdown: func() { record("http") }},
		},
		Workers: []shutdown.Worker{
			{Name: "sweeper", Stop: func() { record("sweeper") }},
			{Name: "ingest", Stop: func() { record("ingest") }},
		},
		Cache: &mockCloser{onClose: func() { record("cache") }},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	assert.Equal(t, []string{"not_ready", "http", "sweeper", "ingest", "snapshot", "cache"}, order)
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorWithHTTPServerError(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	expectedErr := errors.New("shutdown error")
	server := &mockHTTPServer{name: "failing-server", err: expectedErr}

	err := coord.Shutdown(context.Background(), shutdown.Components{
		HTTPServers: []shutdown.HTTPServerShutdown{server},
	})

	require.NoError(t, err) // Shutdown itself doesn't return error
	assert.True(t, server.called())
	require.Len(t, coord.Errors(), 1)
	assert.Equal(t, expectedErr, coord.Errors()[0])
}

func TestCoordinatorConcurrentHTTPServerShutdown(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	servers := []*mockHTTPServer{
		{name: "content", delay: 50 * time.Millisecond},
		{name: "admin", delay: 50 * time.Millisecond},
		{name: "extra", delay: 50 * time.Millisecond},
	}

	components := shutdown.Components{}
	for _, s := range servers {
		components.HTTPServers = append(components.HTTPServers, s)
	}

	start := time.Now()
	require.NoError(t, coord.Shutdown(context.Background(), components))
	elapsed := time.Since(start)

	for _, s := range servers {
		assert.True(t, s.called())
	}

	// Since servers shutdown concurrently, total time should be less than 3x individual delay
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestCoordinatorWorkerTimeout(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	release := make(chan struct{})
	defer close(release)

	snapshotTaken := false
	coord.RegisterHook(shutdown.PhasePersist, func(context.Context) error {
		snapshotTaken = true
		return nil
	})

	err := coord.Shutdown(context.Background(), shutdown.Components{
		Workers: []shutdown.Worker{{Name: "stuck", Stop: func() { <-release }}},
	})

	require.NoError(t, err)
	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
	assert.True(t, snapshotTaken)
}

func TestCoordinatorPersistHookHasDeadline(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	coord.RegisterHook(shutdown.PhasePersist, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	closer := &mockCloser{}
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{Cache: closer}))

	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
	assert.True(t, closer.closed)
}

func TestCoordinatorCacheCloseError(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	expectedErr := errors.New("close error")
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{
		Cache: &mockCloser{err: expectedErr},
	}))

	require.Len(t, coord.Errors(), 1)
	assert.Equal(t, expectedErr, coord.Errors()[0])
}

type mockHTTPServer struct {
	name           string
	shutdownCalled bool
	err            error
	delay          time.Duration
	onShutdown     func()
	mu             sync.Mutex
}

func (m *mockHTTPServer) Name() string {
	return m.name
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if m.onShutdown != nil {
		m.onShutdown()
	}

	m.mu.Lock()
	m.shutdownCalled = true
	m.mu.Unlock()

	return m.err
}

func (m *mockHTTPServer) called() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.shutdownCalled
}

type mockCloser struct {
	closed  bool
	err     error
	onClose func()
}

func (m *mockCloser) Close() error {
	if m.onClose != nil {
		m.onClose()
	}

	m.closed = true

	return m.err
}
