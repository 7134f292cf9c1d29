// Package cache implements the bounded, concurrent store of cached objects.
//
// The store uses two lock tiers. A structural lock guards the key map and the
// running size total and is only ever held for map operations. Each entry has
// its own content lock: HTTP responses hold it shared while they stream the
// payload, and removal or replacement takes it exclusively. Removal unlinks
// an entry first and frees its payload only once the exclusive lock is
// acquired, so a reader that already holds a handle keeps valid bytes until it
// releases it, and no new reader can reach the unlinked entry.
//
// Lock order is content lock, then structural lock. The structural lock is
// never held while waiting for a content lock.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwi3910/stbcache/internal/metrics"
)

// Store errors.
var (
	ErrTooLarge   = errors.New("cache: object larger than capacity")
	ErrEntryLimit = errors.New("cache: entry limit exceeded")
	ErrAllocation = errors.New("cache: payload allocation failed")
	ErrInvalidTTL = errors.New("cache: ttl must be positive")
	ErrClosed     = errors.New("cache: store closed")
)

// Config configures the cache store
type Config struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time `json:"-" yaml:"-"`

	// Capacity is the ceiling for the sum of payload sizes (default: 10GB).
	// Inserts may overshoot it until the next sweep.
	Capacity int64 `json:"capacity" yaml:"capacity"`

	// MaxEntries is the optional ceiling on the number of entries enforced by
	// the sweeper (default: 1000, 0 disables). Inserts of new keys fail once
	// the store holds twice this many.
	MaxEntries int `json:"maxEntries" yaml:"max_entries"`

	// MMapThreshold is the payload size from which payloads are held in
	// anonymous mappings instead of the Go heap (default: 1MB, 0 disables).
	MMapThreshold int64 `json:"mmapThreshold" yaml:"mmap_threshold"`
}

// DefaultConfig returns the defaults of the set-top-box daemon.
func DefaultConfig() Config {
	return Config{
		Capacity:      10 * 1024 * 1024 * 1024, // 10GB
		MaxEntries:    1000,
		MMapThreshold: 1024 * 1024, // 1MB
	}
}

// Stats contains store statistics
type Stats struct {
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Entries     int     `json:"entries"`
	MaxEntries  int     `json:"maxEntries"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	BytesServed int64   `json:"bytesServed"`
	Inserts     int64   `json:"inserts"`
	Refreshes   int64   `json:"refreshes"`
	Removals    int64   `json:"removals"`
}

// EvictResult is the outcome of Evict.
type EvictResult int

const (
	// EvictSkipped means the entry was gone, changed or failed the condition.
	EvictSkipped EvictResult = iota
	// Evicted means the entry was unlinked and its payload freed.
	Evicted
	// EvictDeferred means a reader held the entry for longer than the wait.
	EvictDeferred
)

// Store is the cache store.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	entries map[Key]*Entry
	total   int64
	closed  bool

	hits      atomic.Int64
	misses    atomic.Int64
	inserts   atomic.Int64
	refreshes atomic.Int64
	removals  atomic.Int64
	served    atomic.Int64
}

// New creates a store.
func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}

	metrics.SetCacheCapacity(cfg.Capacity)

	return &Store{
		cfg:     cfg,
		entries: make(map[Key]*Entry),
	}
}

// Insert stores payload under key, taking ownership of the slice. An existing
// entry is refreshed in place: an identical payload only gets its expiry and
// origin updated, a different payload is swapped under the entry's exclusive
// lock so concurrent lookups see either the old or the new bytes.
func (s *Store) Insert(key Key, originURL string, payload []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	size := int64(len(payload))
	if size > s.cfg.Capacity {
		return fmt.Errorf("%w: %s is %d bytes, capacity %d", ErrTooLarge, key, size, s.cfg.Capacity)
	}

	now := s.cfg.Now()
	expiry := now.Add(ttl)

	for {
		s.mu.RLock()
		e, ok := s.entries[key]
		closed := s.closed
		s.mu.RUnlock()

		if closed {
			return ErrClosed
		}
		if ok {
			done, err := s.refresh(e, originURL, payload, now, expiry)
			if err != nil || done {
				return err
			}
			// unlinked while we waited for it; insert as a new key
			continue
		}

		buf, err := newBuffer(payload, s.cfg.MMapThreshold)
		if err != nil {
			return err
		}

		e = &Entry{
			key:       key,
			buf:       buf,
			originURL: originURL,
			size:      size,
			created:   now,
		}
		e.expiry.Store(expiry.UnixNano())
		e.lastAccess.Store(now.UnixNano())

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			buf.Release()
			return ErrClosed
		}
		if _, raced := s.entries[key]; raced {
			s.mu.Unlock()
			buf.Release()
			continue
		}
		if s.cfg.MaxEntries > 0 && len(s.entries) >= 2*s.cfg.MaxEntries {
			s.mu.Unlock()
			buf.Release()
			return fmt.Errorf("%w: %d entries", ErrEntryLimit, 2*s.cfg.MaxEntries)
		}
		s.entries[key] = e
		s.total += size
		total, count := s.total, len(s.entries)
		s.mu.Unlock()

		s.inserts.Add(1)
		metrics.SetCacheStats(total, count)

		return nil
	}
}

// refresh updates a linked entry. It reports false if the entry was unlinked
// before it could be updated.
func (s *Store) refresh(e *Entry, originURL string, payload []byte, now, expiry time.Time) (bool, error) {
	// identical re-broadcasts only extend the lifetime, under the shared lock
	e.mu.RLock()
	if e.unlinked.Load() {
		e.mu.RUnlock()
		return false, nil
	}
	if e.originURL == originURL && bytes.Equal(e.buf.Bytes(), payload) {
		e.expiry.Store(expiry.UnixNano())
		e.mu.RUnlock()
		s.refreshes.Add(1)
		return true, nil
	}
	e.mu.RUnlock()

	buf, err := newBuffer(payload, s.cfg.MMapThreshold)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		buf.Release()
		return false, ErrClosed
	}
	if e.unlinked.Load() || s.entries[e.key] != e {
		s.mu.Unlock()
		buf.Release()
		return false, nil
	}
	size := int64(len(buf.Bytes()))
	s.total += size - e.size
	e.size = size
	e.originURL = originURL
	e.created = now
	e.expiry.Store(expiry.UnixNano())
	total, count := s.total, len(s.entries)
	s.mu.Unlock()

	old := e.buf
	e.buf = buf
	old.Release()

	s.refreshes.Add(1)
	metrics.SetCacheStats(total, count)

	return true, nil
}

// Lookup returns a read handle for key, or false if the key is absent or the
// entry is past its expiry, swept or not. The caller must Release the handle.
func (s *Store) Lookup(key Key) (*Handle, bool) {
	h, ok := s.acquire(key, true)
	if !ok {
		s.misses.Add(1)
		metrics.RecordCacheMiss()
		return nil, false
	}

	s.hits.Add(1)
	metrics.RecordCacheHit()

	return h, true
}

func (s *Store) acquire(key Key, touch bool) (*Handle, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	e.mu.RLock()

	now := s.cfg.Now()
	if e.unlinked.Load() || now.UnixNano() >= e.expiry.Load() {
		e.mu.RUnlock()
		return nil, false
	}

	if touch {
		e.lastAccess.Store(now.UnixNano())
	}

	return &Handle{entry: e, info: e.info()}, true
}

// OriginURL returns the origin URL recorded for key, also for an expired
// entry that has not been swept yet.
func (s *Store) OriginURL(key Key) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}

	return e.originURL, true
}

// Remove unlinks key and frees its payload, waiting for readers that already
// hold a handle to release it. It reports whether the key was present.
func (s *Store) Remove(key Key) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.unlinkLocked(e)
	total, count := s.total, len(s.entries)
	s.mu.Unlock()

	metrics.SetCacheStats(total, count)

	e.mu.Lock()
	e.buf.Release()
	e.buf = nil
	e.mu.Unlock()

	s.removals.Add(1)

	return true
}

// Evict removes key unless a reader holds it for longer than wait, in which
// case the entry stays linked and EvictDeferred is returned. If cond is not
// nil it is evaluated with both locks held and the entry is only removed when
// it returns true.
func (s *Store) Evict(key Key, wait time.Duration, cond func(Info) bool) EvictResult {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return EvictSkipped
	}

	if !tryLock(&e.mu, wait) {
		return EvictDeferred
	}
	defer e.mu.Unlock()

	s.mu.Lock()
	if e.unlinked.Load() || s.entries[key] != e || (cond != nil && !cond(e.info())) {
		s.mu.Unlock()
		return EvictSkipped
	}
	s.unlinkLocked(e)
	total, count := s.total, len(s.entries)
	s.mu.Unlock()

	metrics.SetCacheStats(total, count)

	e.buf.Release()
	e.buf = nil
	s.removals.Add(1)

	return Evicted
}

// tryLock polls for the exclusive lock until wait elapses. Polling does not
// register a pending writer, so new readers are not held up meanwhile.
func tryLock(mu *sync.RWMutex, wait time.Duration) bool {
	if mu.TryLock() {
		return true
	}

	deadline := time.Now().Add(wait)
	backoff := 100 * time.Microsecond

	for time.Now().Before(deadline) {
		time.Sleep(min(backoff, time.Until(deadline)))
		if mu.TryLock() {
			return true
		}
		backoff = min(backoff*2, 10*time.Millisecond)
	}

	return false
}

func (s *Store) unlinkLocked(e *Entry) {
	delete(s.entries, e.key)
	s.total -= e.size
	e.unlinked.Store(true)
}

// Snapshot returns metadata for every linked entry, expired ones included.
func (s *Store) Snapshot() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info())
	}

	return out
}

// Range calls fn for every live entry with its payload, holding that entry's
// read lock for the duration of the call. It does not count as an access.
// Iteration stops at the first error.
func (s *Store) Range(fn func(Info, []byte) error) error {
	for _, info := range s.Snapshot() {
		h, ok := s.acquire(info.Key, false)
		if !ok {
			continue
		}
		err := fn(h.Info(), h.Bytes())
		h.Release()
		if err != nil {
			return err
		}
	}

	return nil
}

// RecordServed adds n bytes written to clients to the statistics.
func (s *Store) RecordServed(n int64) {
	s.served.Add(n)
}

// TotalSize returns the running total of payload bytes.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.total
}

// EntryCount returns the number of linked entries.
func (s *Store) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Capacity returns the configured capacity in bytes.
func (s *Store) Capacity() int64 {
	return s.cfg.Capacity
}

// MaxEntries returns the configured entry ceiling, 0 when unlimited.
func (s *Store) MaxEntries() int {
	return s.cfg.MaxEntries
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.cfg.Now()
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	size, entries := s.total, len(s.entries)
	s.mu.RUnlock()

	hits := s.hits.Load()
	misses := s.misses.Load()

	hitRate := float64(0)
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Size:        size,
		Capacity:    s.cfg.Capacity,
		Entries:     entries,
		MaxEntries:  s.cfg.MaxEntries,
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
		BytesServed: s.served.Load(),
		Inserts:     s.inserts.Load(),
		Refreshes:   s.refreshes.Load(),
		Removals:    s.removals.Load(),
	}
}

// Close removes every entry, waiting for outstanding readers, and rejects
// further inserts.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.Remove(k)
	}

	return nil
}
