// Package sweeper enforces expiry and capacity limits on the cache store.
//
// Each pass first removes every entry past its expiry, then, while the store
// is above its byte capacity or entry ceiling, evicts the least recently used
// entry, breaking ties by earliest expiry and then by key. An entry whose
// readers keep it locked for longer than the configured wait is left in place
// and retried on the next pass.
package sweeper

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Eviction reasons, as reported in metrics.
const (
	ReasonExpired  = "expired"
	ReasonCapacity = "capacity"
	ReasonCount    = "count"
)

// Config configures the sweeper
type Config struct {
	// Interval between passes (default: 5m)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// LockWait bounds how long one eviction waits for readers (default: 250ms)
	LockWait time.Duration `json:"lockWait" yaml:"lock_wait"`
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		LockWait: 250 * time.Millisecond,
	}
}

// Result summarises one pass.
type Result struct {
	Started  time.Time     `json:"started"`
	Expired  int           `json:"expired"`
	Evicted  int           `json:"evicted"`
	Deferred int           `json:"deferred"`
	Freed    int64         `json:"freedBytes"`
	Duration time.Duration `json:"duration"`
}

// Sweeper runs passes against a store on a timer.
type Sweeper struct {
	store     *cache.Store
	stopCh    chan struct{}
	stoppedCh chan struct{}
	last      Result
	cfg       Config
	passMu    sync.Mutex
	mu        sync.RWMutex
	running   bool
}

// New creates a sweeper for store.
func New(store *cache.Store, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LockWait < 0 {
		cfg.LockWait = 0
	}

	return &Sweeper{
		store:     store,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start starts periodic passes in the background.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()

	if s.running {
		s.mu.Unlock()
		return
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the background passes and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return
	}

	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.stoppedCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stoppedCh)

	log.Info().Dur("interval", s.cfg.Interval).Msg("Cache sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cache sweeper stopping (context done)")
			return
		case <-s.stopCh:
			log.Info().Msg("Cache sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Last returns the result of the most recent pass.
func (s *Sweeper) Last() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.last
}

// RunOnce performs one pass. Concurrent calls are serialised.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	res := Result{Started: start}

	infos := s.store.Snapshot()
	now := s.store.Now()

	live := infos[:0]
	for _, info := range infos {
		if !info.Expired(now) {
			live = append(live, info)
			continue
		}

		// a re-broadcast may have refreshed it since the snapshot
		stillExpired := func(cur cache.Info) bool { return cur.Expired(now) }
		s.evict(info, ReasonExpired, stillExpired, &res)
	}

	slices.SortFunc(live, compareLRU)

	for _, info := range live {
		if ctx.Err() != nil {
			break
		}

		reason := s.overLimit()
		if reason == "" {
			break
		}

		s.evict(info, reason, nil, &res)
	}

	res.Duration = time.Since(start)
	metrics.ObserveSweep(res.Duration)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	if res.Expired+res.Evicted+res.Deferred > 0 {
		log.Info().
			Int("expired", res.Expired).
			Int("evicted", res.Evicted).
			Int("deferred", res.Deferred).
			Int64("freed_bytes", res.Freed).
			Int64("total_bytes", s.store.TotalSize()).
			Dur("duration", res.Duration).
			Msg("Cache sweep completed")
	}

	return res
}

func (s *Sweeper) evict(info cache.Info, reason string, cond func(cache.Info) bool, res *Result) {
	switch s.store.Evict(info.Key, s.cfg.LockWait, cond) {
	case cache.Evicted:
		if reason == ReasonExpired {
			res.Expired++
		} else {
			res.Evicted++
		}
		res.Freed += info.Size
		metrics.RecordEviction(reason)
	case cache.EvictDeferred:
		res.Deferred++
		metrics.RecordEvictionDeferred()
		log.Debug().Str("key", info.Key.String()).Str("reason", reason).Msg("Eviction deferred, entry busy")
	case cache.EvictSkipped:
	}
}

// overLimit returns the eviction reason while the store exceeds a limit.
func (s *Sweeper) overLimit() string {
	if s.store.TotalSize() > s.store.Capacity() {
		return ReasonCapacity
	}
	if limit := s.store.MaxEntries(); limit > 0 && s.store.EntryCount() > limit {
		return ReasonCount
	}
	return ""
}

// compareLRU orders by last access, then expiry, then key.
func compareLRU(a, b cache.Info) int {
	if c := a.LastAccess.Compare(b.LastAccess); c != 0 {
		return c
	}
	if c := a.Expiry.Compare(b.Expiry); c != 0 {
		return c
	}
	if a.Key < b.Key {
		return -1
	}
	if a.Key > b.Key {
		return 1
	}
	return 0
}
