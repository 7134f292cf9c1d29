package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("", config.Options{})
	require.NoError(t, err)

	cfg.Multicast.Enabled = false
	cfg.HTTP.Port = 0
	cfg.Admin.Port = 0
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Persist.Enabled = true
	cfg.Persist.Dir = t.TempDir()

	return cfg
}

// run starts srv and returns a stop function that waits for Start to return.
func run(t *testing.T, srv *Server) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		return srv.healthChecker.IsReady(context.Background())
	}, 5*time.Second, 10*time.Millisecond)

	return func() error {
		cancel()

		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
}

func TestStartStopPersistsCache(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	stop := run(t, srv)

	key, err := cache.NewKey("epg/today.xml")
	require.NoError(t, err)
	require.NoError(t, srv.Store().Insert(key, "http://origin/epg/today.xml", []byte("<tv/>"), time.Hour))

	require.NoError(t, stop())
	assert.False(t, srv.healthChecker.IsReady(context.Background()))

	restarted, err := New(context.Background(), cfg)
	require.NoError(t, err)

	stop = run(t, restarted)
	defer func() { require.NoError(t, stop()) }()

	h, ok := restarted.Store().Lookup(key)
	require.True(t, ok)
	defer h.Release()

	assert.Equal(t, []byte("<tv/>"), h.Bytes())
	assert.Equal(t, "http://origin/epg/today.xml", h.Info().OriginURL)
}

func TestNewRejectsBadOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Origin.BaseURL = "ftp://origin/objects"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestConfigConversion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Carousel.PIDs = []uint16{0x100}
	cfg.Carousel.MaxInFlight = 0
	cfg.Cache.Capacity = 1 << 20

	asm := assemblerConfig(cfg)
	assert.Equal(t, []uint16{0x100}, asm.PIDs)
	assert.Equal(t, 256, asm.MaxInFlight)
	assert.Equal(t, cfg.Carousel.AssemblyTimeout, asm.Timeout)

	store := storeConfig(cfg)
	assert.Equal(t, int64(1<<20), store.Capacity)
	assert.Equal(t, cfg.Cache.MaxEntries, store.MaxEntries)

	assert.Equal(t, cfg.Origin.TTL, serveConfig(cfg).TTL)
	assert.Equal(t, cfg.HTTP.WriteIdleTimeout, serveConfig(cfg).WriteIdleTimeout)
	assert.Equal(t, cfg.Cache.SweepInterval, sweeperConfig(cfg).Interval)
	assert.EqualValues(t, "zstd", persistConfig(cfg).Compression)
}

func TestStalledClientReleasesEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persist.Enabled = false
	cfg.HTTP.WriteIdleTimeout = 200 * time.Millisecond

	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Store().Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("content server: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.httpServer.Close() })

	key, err := cache.NewKey("movie/trailer.mp4")
	require.NoError(t, err)
	require.NoError(t, srv.Store().Insert(key, "", make([]byte, 64<<20), time.Hour))

	// request the object and never read the response
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetReadBuffer(4096)
	}
	_, err = conn.Write([]byte("GET /movie/trailer.mp4 HTTP/1.1\r\nHost: stb\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.Store().Stats().Hits == 1
	}, 5*time.Second, 5*time.Millisecond)

	// a changed re-broadcast must get the entry once the stalled write times out
	done := make(chan error, 1)
	go func() { done <- srv.Store().Insert(key, "", []byte("new trailer"), time.Hour) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled client still holds the entry")
	}

	h, ok := srv.Store().Lookup(key)
	require.True(t, ok)
	defer h.Release()
	assert.Equal(t, "new trailer", string(h.Bytes()))
}
