package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/ingest"
	"github.com/piwi3910/stbcache/internal/sweeper"
)

type fakeIngest struct {
	stats ingest.Stats
}

func (f *fakeIngest) Stats() ingest.Stats { return f.stats }

type fakeSweeper struct {
	last sweeper.Result
}

func (f *fakeSweeper) Last() sweeper.Result { return f.last }

func newStore(t *testing.T, capacity int64) *cache.Store {
	t.Helper()

	cfg := cache.DefaultConfig()
	cfg.Capacity = capacity

	s := cache.New(cfg)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func insert(t *testing.T, s *cache.Store, name string, size int) {
	t.Helper()

	key, err := cache.NewKey(name)
	require.NoError(t, err)
	require.NoError(t, s.Insert(key, "", make([]byte, size), time.Hour))
}

func TestCheckCache(t *testing.T) {
	ctx := context.Background()

	t.Run("within capacity", func(t *testing.T) {
		s := newStore(t, 1000)
		insert(t, s, "/a", 400)

		check := NewChecker(s, nil, nil).CheckCache(ctx)
		assert.Equal(t, StatusHealthy, check.Status)
		assert.Contains(t, check.Message, "40%")
	})

	t.Run("over capacity", func(t *testing.T) {
		s := newStore(t, 1000)
		insert(t, s, "/a", 800)
		insert(t, s, "/b", 800)

		check := NewChecker(s, nil, nil).CheckCache(ctx)
		assert.Equal(t, StatusDegraded, check.Status)
	})

	t.Run("no store", func(t *testing.T) {
		check := NewChecker(nil, nil, nil).CheckCache(ctx)
		assert.Equal(t, StatusUnhealthy, check.Status)
	})
}

func TestCheckIngest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 1000)

	tests := []struct {
		name   string
		source IngestSource
		want   Status
	}{
		{name: "disabled", source: nil, want: StatusHealthy},
		{name: "never received", source: &fakeIngest{}, want: StatusDegraded},
		{
			name:   "recent packet",
			source: &fakeIngest{stats: ingest.Stats{LastPacketAt: time.Now(), Stored: 3}},
			want:   StatusHealthy,
		},
		{
			name:   "silent carousel",
			source: &fakeIngest{stats: ingest.Stats{LastPacketAt: time.Now().Add(-10 * time.Minute)}},
			want:   StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(s, nil, nil)
			c.ingest = tt.source

			assert.Equal(t, tt.want, c.CheckIngest(ctx).Status)
		})
	}
}

func TestCheckSweeper(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 1000)

	assert.Equal(t, StatusHealthy, NewChecker(s, nil, nil).CheckSweeper(ctx).Status)

	sw := &fakeSweeper{last: sweeper.Result{Expired: 1, Evicted: 2}}
	check := NewChecker(s, nil, sw).CheckSweeper(ctx)
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Contains(t, check.Message, "3 entries")

	sw.last.Deferred = 1
	assert.Equal(t, StatusDegraded, NewChecker(s, nil, sw).CheckSweeper(ctx).Status)
}

func TestDetermineOverallStatus(t *testing.T) {
	c := &Checker{}

	assert.Equal(t, StatusHealthy, c.determineOverallStatus(map[string]Check{
		"a": {Status: StatusHealthy},
	}))
	assert.Equal(t, StatusDegraded, c.determineOverallStatus(map[string]Check{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}))
	assert.Equal(t, StatusUnhealthy, c.determineOverallStatus(map[string]Check{
		"a": {Status: StatusDegraded},
		"b": {Status: StatusUnhealthy},
	}))
}

func TestCheckIsCached(t *testing.T) {
	s := newStore(t, 1000)
	src := &fakeIngest{}
	c := NewChecker(s, src, nil)

	first := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, first.Status)

	src.stats.LastPacketAt = time.Now()
	assert.Same(t, first, c.Check(context.Background()))

	c.cacheTTL = 0
	c.cacheExpiry = time.Time{}
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	s := newStore(t, 1000)
	c := NewChecker(s, nil, nil)
	h := NewHandler(c)

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("readiness follows SetReady", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		c.SetReady(true)

		rec = httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
	})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Contains(t, status.Checks, "cache")
		assert.Contains(t, status.Checks, "ingest")
		assert.Contains(t, status.Checks, "sweeper")
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewChecker(nil, nil, nil)).HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
