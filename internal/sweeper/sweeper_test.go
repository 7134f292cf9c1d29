package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

type testClock struct {
	now atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(0, c.now.Load()) }

func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newStore(t *testing.T, capacity int64, maxEntries int, clock *testClock) *cache.Store {
	t.Helper()

	cfg := cache.DefaultConfig()
	cfg.Capacity = capacity
	cfg.MaxEntries = maxEntries
	cfg.MMapThreshold = 0
	cfg.Now = clock.Now

	s := cache.New(cfg)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func testConfig() Config {
	return Config{Interval: time.Hour, LockWait: 5 * time.Millisecond}
}

func insertAndTouch(t *testing.T, s *cache.Store, clock *testClock, key cache.Key, size int, ttl time.Duration) {
	t.Helper()

	require.NoError(t, s.Insert(key, "", make([]byte, size), ttl))
	clock.Advance(time.Second)

	h, ok := s.Lookup(key)
	require.True(t, ok)
	h.Release()
	clock.Advance(time.Second)
}

func keys(s *cache.Store) []cache.Key {
	var out []cache.Key
	for _, info := range s.Snapshot() {
		out = append(out, info.Key)
	}
	return out
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 100*mb, 0, clock)

	insertAndTouch(t, store, clock, "A", 40*mb, time.Hour)
	insertAndTouch(t, store, clock, "B", 40*mb, time.Hour)
	insertAndTouch(t, store, clock, "C", 40*mb, time.Hour)

	res := New(store, testConfig()).RunOnce(context.Background())

	assert.Equal(t, 1, res.Evicted)
	assert.Zero(t, res.Expired)
	assert.Equal(t, int64(40*mb), res.Freed)
	assert.Equal(t, int64(80*mb), store.TotalSize())
	assert.ElementsMatch(t, []cache.Key{"B", "C"}, keys(store))
}

func TestEvictionOrder(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 10, 0, clock)

	insertAndTouch(t, store, clock, "e1", 10, time.Hour)
	insertAndTouch(t, store, clock, "e2", 10, time.Hour)
	insertAndTouch(t, store, clock, "e3", 10, time.Hour)

	sw := New(store, testConfig())

	sw.RunOnce(context.Background())
	assert.Equal(t, []cache.Key{"e3"}, keys(store))
}

func TestTiesBrokenByExpiry(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 20, 0, clock)

	// same insert time and never read: only expiry differs
	require.NoError(t, store.Insert("late", "", make([]byte, 10), 2*time.Hour))
	require.NoError(t, store.Insert("early", "", make([]byte, 10), time.Hour))
	require.NoError(t, store.Insert("mid", "", make([]byte, 10), 90*time.Minute))

	New(store, testConfig()).RunOnce(context.Background())

	assert.ElementsMatch(t, []cache.Key{"late", "mid"}, keys(store))
}

func TestExpiredRemovedFirst(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 100, 0, clock)

	insertAndTouch(t, store, clock, "old", 10, time.Minute)
	insertAndTouch(t, store, clock, "fresh", 10, time.Hour)

	clock.Advance(2 * time.Minute)

	res := New(store, testConfig()).RunOnce(context.Background())

	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Evicted)
	assert.Equal(t, []cache.Key{"fresh"}, keys(store))
	assert.Equal(t, int64(10), store.TotalSize())
}

func TestMaxEntries(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 1024, 2, clock)

	for i := range 4 {
		insertAndTouch(t, store, clock, cache.Key(fmt.Sprintf("k%d", i)), 1, time.Hour)
	}

	res := New(store, testConfig()).RunOnce(context.Background())

	assert.Equal(t, 2, res.Evicted)
	assert.ElementsMatch(t, []cache.Key{"k2", "k3"}, keys(store))
}

func TestDeferredThenEvicted(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 15, 0, clock)

	insertAndTouch(t, store, clock, "a", 10, time.Hour)
	insertAndTouch(t, store, clock, "b", 10, time.Hour)

	// a reader holds "a"; touching "b" afterwards keeps "a" the LRU candidate
	h, ok := store.Lookup("a")
	require.True(t, ok)
	clock.Advance(time.Second)
	h3, ok := store.Lookup("b")
	require.True(t, ok)
	h3.Release()

	sw := New(store, testConfig())

	res := sw.RunOnce(context.Background())
	assert.Equal(t, 1, res.Deferred)
	// the deferred entry is skipped and the next candidate brings the store
	// back under capacity
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, []cache.Key{"a"}, keys(store))

	h.Release()

	assert.Equal(t, res, sw.Last())
}

func TestStartStop(t *testing.T) {
	clock := newTestClock()
	store := newStore(t, 10, 0, clock)

	require.NoError(t, store.Insert("x", "", make([]byte, 5), time.Minute))
	clock.Advance(time.Hour)

	sw := New(store, Config{Interval: 5 * time.Millisecond, LockWait: time.Millisecond})
	sw.Start(context.Background())
	sw.Start(context.Background())

	require.Eventually(t, func() bool { return store.EntryCount() == 0 }, time.Second, time.Millisecond)

	sw.Stop()
	sw.Stop()
	assert.Equal(t, 0, store.EntryCount())
}
