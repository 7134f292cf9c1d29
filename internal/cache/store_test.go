package cache

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

func newTestStore(t *testing.T, capacity int64, clock *testClock) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Capacity = capacity
	cfg.MaxEntries = 0
	cfg.Now = clock.Now

	s := New(cfg)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func mustKey(t *testing.T, name string) Key {
	t.Helper()

	k, err := NewKey(name)
	require.NoError(t, err)

	return k
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{in: "movie/trailer.mp4", want: "movie/trailer.mp4"},
		{in: "/movie/./trailer.mp4", want: "movie/trailer.mp4"},
		{in: "//a//b/../c.ts?x=1", want: "a/c.ts"},
		{in: "../../etc/passwd", want: "etc/passwd"},
		{in: "/", wantErr: true},
		{in: "", wantErr: true},
		{in: "?q", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NewKey(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, ".mp4", Key("media/clip.mp4").Ext())
}

func TestKeyFromName(t *testing.T) {
	k, err := KeyFromName("/movie/trailer.mp4")
	require.NoError(t, err)
	assert.Equal(t, Key("movie/trailer.mp4"), k)

	k, err = KeyFromName("epg/today.xml")
	require.NoError(t, err)
	assert.Equal(t, Key("epg/today.xml"), k)

	for _, name := range []string{"clip.mp4?v=1", "clip.mp4#t=10", "x/../clip.mp4", "a//b.ts", "./a.ts", "dir/", ""} {
		_, err := KeyFromName(name)
		assert.ErrorIs(t, err, ErrInvalidKey, name)
	}
}

func TestInsertAndLookupExpiry(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, 100*mb, clock)

	key := mustKey(t, "/big.bin")
	payload := bytes.Repeat([]byte{0xAB}, 50*mb)

	require.NoError(t, s.Insert(key, "http://origin/big.bin", payload, 3600*time.Second))
	assert.Equal(t, int64(50*mb), s.TotalSize())

	clock.Advance(1000 * time.Second)

	h, ok := s.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 50*mb, len(h.Bytes()))
	assert.Equal(t, byte(0xAB), h.Bytes()[50*mb-1])
	assert.Equal(t, "http://origin/big.bin", h.Info().OriginURL)
	assert.Equal(t, 2600*time.Second, h.Info().TTL(clock.Now()))
	h.Release()
	h.Release()

	clock.Advance(3000 * time.Second)

	_, ok = s.Lookup(key)
	assert.False(t, ok, "expired entry must miss before any sweep")
	assert.Equal(t, 1, s.EntryCount(), "expired entry stays linked until swept")

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 0.0001)
}

func TestInsertRejects(t *testing.T) {
	clock := newTestClock()

	cfg := DefaultConfig()
	cfg.Capacity = 1024
	cfg.MaxEntries = 2
	cfg.Now = clock.Now
	s := New(cfg)
	defer s.Close()

	err := s.Insert("too/large", "", make([]byte, 1025), time.Hour)
	assert.ErrorIs(t, err, ErrTooLarge)

	err = s.Insert("", "", []byte("x"), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = s.Insert("zero/ttl", "", []byte("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	for i := range 4 {
		require.NoError(t, s.Insert(Key(fmt.Sprintf("k%d", i)), "", []byte("x"), time.Hour))
	}
	err = s.Insert("k4", "", []byte("x"), time.Hour)
	assert.ErrorIs(t, err, ErrEntryLimit)

	// refreshing an existing key is not limited
	require.NoError(t, s.Insert("k0", "", []byte("y"), time.Hour))
	assert.Equal(t, 4, s.EntryCount())
	assert.Zero(t, s.Stats().Inserts-4)
}

func TestRemoveWaitsForReaders(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, mb, clock)

	key := mustKey(t, "clip.ts")
	require.NoError(t, s.Insert(key, "", []byte("payload bytes"), time.Hour))

	h, ok := s.Lookup(key)
	require.True(t, ok)

	removed := make(chan bool)
	go func() { removed <- s.Remove(key) }()

	// unlinked immediately, freed only after the reader is done
	require.Eventually(t, func() bool { return s.EntryCount() == 0 }, time.Second, time.Millisecond)

	_, ok = s.Lookup(key)
	assert.False(t, ok, "unlinked entry must not be reachable")
	assert.Zero(t, s.TotalSize())

	select {
	case <-removed:
		t.Fatal("Remove returned while a reader held the entry")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "payload bytes", string(h.Bytes()))
	h.Release()

	select {
	case ok := <-removed:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Remove did not finish after release")
	}

	assert.False(t, s.Remove(key))
}

func TestRefreshInPlace(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, mb, clock)

	key := mustKey(t, "guide.xml")
	require.NoError(t, s.Insert(key, "u1", []byte("one"), time.Hour))

	h, ok := s.Lookup(key)
	require.True(t, ok)

	// an identical payload only extends the lifetime and does not wait
	clock.Advance(30 * time.Minute)
	require.NoError(t, s.Insert(key, "u1", []byte("one"), time.Hour))
	info := s.Snapshot()[0]
	assert.True(t, info.Expiry.Equal(clock.Now().Add(time.Hour)))

	done := make(chan error)
	go func() { done <- s.Insert(key, "u2", []byte("second"), 2*time.Hour) }()

	select {
	case <-done:
		t.Fatal("replacement must wait for the reader")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "one", string(h.Bytes()))
	h.Release()

	require.NoError(t, <-done)

	h, ok = s.Lookup(key)
	require.True(t, ok)
	defer h.Release()

	assert.Equal(t, "second", string(h.Bytes()))
	assert.Equal(t, "u2", h.Info().OriginURL)
	assert.Equal(t, int64(6), s.TotalSize())
	assert.Equal(t, 1, s.EntryCount())
	assert.Equal(t, int64(2), s.Stats().Refreshes)
}

func TestRefreshAfterCloseBegins(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, mb, clock)

	key := mustKey(t, "guide.xml")
	require.NoError(t, s.Insert(key, "u1", []byte("one"), time.Hour))

	h, ok := s.Lookup(key)
	require.True(t, ok)

	done := make(chan error)
	go func() { done <- s.Insert(key, "u1", []byte("changed"), time.Hour) }()
	time.Sleep(50 * time.Millisecond)

	// Close has flagged the store but not yet reached this key
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	h.Release()
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.ErrorIs(t, s.Insert(key, "u1", []byte("one"), time.Hour), ErrClosed)

	h, ok = s.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "one", string(h.Bytes()))
	h.Release()
}

func TestEvictDefersBusyEntry(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, mb, clock)

	require.NoError(t, s.Insert("a", "", []byte("aaaa"), time.Hour))

	h, ok := s.Lookup("a")
	require.True(t, ok)

	assert.Equal(t, EvictDeferred, s.Evict("a", 10*time.Millisecond, nil))
	assert.Equal(t, 1, s.EntryCount())

	// a deferred eviction does not block new readers
	h2, ok := s.Lookup("a")
	require.True(t, ok)
	h2.Release()
	h.Release()

	never := func(Info) bool { return false }
	assert.Equal(t, EvictSkipped, s.Evict("a", time.Millisecond, never))
	assert.Equal(t, Evicted, s.Evict("a", time.Millisecond, nil))
	assert.Equal(t, EvictSkipped, s.Evict("a", time.Millisecond, nil))
	assert.Zero(t, s.TotalSize())
}

func TestMappedPayload(t *testing.T) {
	clock := newTestClock()

	cfg := DefaultConfig()
	cfg.Capacity = 16 * mb
	cfg.MMapThreshold = 4096
	cfg.Now = clock.Now
	s := New(cfg)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	require.NoError(t, s.Insert("m", "", payload, time.Hour))

	h, ok := s.Lookup("m")
	require.True(t, ok)
	assert.Equal(t, payload, h.Bytes())
	h.Release()

	require.NoError(t, s.Close())
	assert.Zero(t, s.EntryCount())
	assert.ErrorIs(t, s.Insert("m", "", payload, time.Hour), ErrClosed)
}

func TestRange(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, mb, clock)

	require.NoError(t, s.Insert("a", "", []byte("A"), time.Hour))
	require.NoError(t, s.Insert("b", "", []byte("BB"), time.Minute))

	clock.Advance(2 * time.Minute)

	got := map[Key]string{}
	require.NoError(t, s.Range(func(info Info, data []byte) error {
		got[info.Key] = string(data)
		return nil
	}))
	assert.Equal(t, map[Key]string{"a": "A"}, got)
	assert.Len(t, s.Snapshot(), 2)
}

func TestConcurrentAccessKeepsTotal(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, 64*mb, clock)

	keys := make([]Key, 16)
	for i := range keys {
		keys[i] = Key(fmt.Sprintf("obj/%02d", i))
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				k := keys[(w*7+i)%len(keys)]
				switch i % 4 {
				case 0:
					_ = s.Insert(k, "", bytes.Repeat([]byte{byte(w)}, 1+i%97), time.Hour)
				case 1, 2:
					if h, ok := s.Lookup(k); ok {
						b := h.Bytes()
						for _, c := range b {
							if c != b[0] {
								t.Errorf("torn payload for %s", k)
								break
							}
						}
						h.Release()
					}
				case 3:
					if i%8 == 3 {
						s.Remove(k)
					} else {
						s.Evict(k, time.Millisecond, nil)
					}
				}
			}
		}()
	}
	wg.Wait()

	var sum int64
	for _, info := range s.Snapshot() {
		sum += info.Size
	}
	assert.Equal(t, sum, s.TotalSize())
}
