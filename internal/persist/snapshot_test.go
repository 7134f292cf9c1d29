package persist

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newStore(t *testing.T, c *clock) *cache.Store {
	t.Helper()

	cfg := cache.DefaultConfig()
	cfg.Capacity = 16 << 20
	cfg.MMapThreshold = 0
	cfg.Now = c.Now

	s := cache.New(cfg)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func openSnapshotter(t *testing.T, dir string, alg Algorithm) *Snapshotter {
	t.Helper()

	s, err := Open(Config{Enabled: true, Dir: dir, Compression: alg})
	require.NoError(t, err)

	return s
}

func TestCodecs(t *testing.T) {
	data := bytes.Repeat([]byte("carousel object payload "), 500)

	for _, alg := range []Algorithm{AlgorithmNone, AlgorithmZstd, AlgorithmLZ4} {
		t.Run(string(alg), func(t *testing.T) {
			c, err := NewCodec(alg)
			require.NoError(t, err)
			assert.Equal(t, alg, c.Algorithm())

			compressed, err := c.Compress(data)
			require.NoError(t, err)
			if alg != AlgorithmNone {
				assert.Less(t, len(compressed), len(data))
			}

			out, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}

	_, err := NewCodec("brotli")
	assert.Error(t, err)
}

func TestSaveAndRestore(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmNone, AlgorithmZstd, AlgorithmLZ4} {
		t.Run(string(alg), func(t *testing.T) {
			dir := t.TempDir()
			c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

			src := newStore(t, c)
			require.NoError(t, src.Insert("movie/trailer.mp4", "http://cdn/movie/trailer.mp4", bytes.Repeat([]byte{7}, 100000), time.Hour))
			require.NoError(t, src.Insert("epg.xml", "", []byte("<epg/>"), 10*time.Minute))

			snap := openSnapshotter(t, dir, alg)
			n, err := snap.Save(context.Background(), src)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			require.NoError(t, snap.Close())

			// reboot twenty minutes later: the EPG has expired meanwhile
			c.now = c.now.Add(20 * time.Minute)

			dst := newStore(t, c)
			snap = openSnapshotter(t, dir, alg)
			defer snap.Close()

			n, err = snap.Restore(context.Background(), dst)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			h, ok := dst.Lookup("movie/trailer.mp4")
			require.True(t, ok)
			defer h.Release()

			assert.Equal(t, bytes.Repeat([]byte{7}, 100000), h.Bytes())
			assert.Equal(t, "http://cdn/movie/trailer.mp4", h.Info().OriginURL)
			assert.True(t, h.Info().Expiry.Equal(time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)))

			_, ok = dst.Lookup("epg.xml")
			assert.False(t, ok)
		})
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	c := &clock{now: time.Now()}
	snap := openSnapshotter(t, t.TempDir(), AlgorithmZstd)
	defer snap.Close()

	n, err := snap.Restore(context.Background(), newStore(t, c))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveReplacesGeneration(t *testing.T) {
	c := &clock{now: time.Now()}
	store := newStore(t, c)
	require.NoError(t, store.Insert("a", "", []byte("first"), time.Hour))

	snap := openSnapshotter(t, t.TempDir(), AlgorithmLZ4)
	defer snap.Close()

	_, err := snap.Save(context.Background(), store)
	require.NoError(t, err)
	first, err := snap.generation()
	require.NoError(t, err)

	store.Remove("a")
	require.NoError(t, store.Insert("b", "", []byte("second"), time.Hour))

	_, err = snap.Save(context.Background(), store)
	require.NoError(t, err)
	second, err := snap.generation()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.Zero(t, countPrefix(t, snap.db, genPrefix(first)))
	assert.Equal(t, 2, countPrefix(t, snap.db, genPrefix(second)))

	restored := newStore(t, c)
	n, err := snap.Restore(context.Background(), restored)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, restored.EntryCount())
}

func TestRestoreSkipsCorruptRecords(t *testing.T) {
	c := &clock{now: time.Now()}
	store := newStore(t, c)
	require.NoError(t, store.Insert("good", "", []byte("fine"), time.Hour))
	require.NoError(t, store.Insert("bad", "", []byte("will be damaged"), time.Hour))

	snap := openSnapshotter(t, t.TempDir(), AlgorithmZstd)
	defer snap.Close()

	_, err := snap.Save(context.Background(), store)
	require.NoError(t, err)

	gen, err := snap.generation()
	require.NoError(t, err)

	require.NoError(t, snap.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(gen, "bad"), []byte("not zstd")); err != nil {
			return err
		}
		return txn.Set(metaKey(gen, "junk"), []byte("{"))
	}))

	restored := newStore(t, c)
	n, err := snap.Restore(context.Background(), restored)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := restored.Lookup("bad")
	assert.False(t, ok)
	h, ok := restored.Lookup("good")
	require.True(t, ok)
	h.Release()
}

func countPrefix(t *testing.T, db *badger.DB, prefix []byte) int {
	t.Helper()

	n := 0
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	}))

	return n
}
