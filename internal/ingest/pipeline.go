// Package ingest feeds carousel packets to the assembler and stores the
// completed objects in the cache.
package ingest

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/carousel"
	"github.com/piwi3910/stbcache/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Config configures the pipeline
type Config struct {
	// DefaultTTL applies to objects whose directory declares no validity
	// (default: 1h).
	DefaultTTL time.Duration `json:"defaultTtl" yaml:"default_ttl"`

	// URLPrefix builds the origin URL of objects that carry none, as
	// URLPrefix + "/" + key.
	URLPrefix string `json:"urlPrefix" yaml:"url_prefix"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{DefaultTTL: time.Hour}
}

// Stats are running pipeline counters.
type Stats struct {
	Packets      int64     `json:"packets"`
	Objects      int64     `json:"objects"`
	Stored       int64     `json:"stored"`
	Failed       int64     `json:"failed"`
	LastPacketAt time.Time `json:"lastPacketAt"`
	LastObjectAt time.Time `json:"lastObjectAt"`
}

// Pipeline bridges one assembler to the store. HandlePacket must be called
// from a single goroutine; Stats may be called from any.
type Pipeline struct {
	asm   *carousel.Assembler
	store *cache.Store
	cfg   Config

	packets    atomic.Int64
	objects    atomic.Int64
	stored     atomic.Int64
	failed     atomic.Int64
	lastPacket atomic.Int64
	lastObject atomic.Int64
}

// New creates a pipeline.
func New(asm *carousel.Assembler, store *cache.Store, cfg Config) *Pipeline {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	cfg.URLPrefix = strings.TrimSuffix(cfg.URLPrefix, "/")

	return &Pipeline{asm: asm, store: store, cfg: cfg}
}

// HandlePacket feeds one transport packet. Nothing it encounters is fatal:
// drops and failed inserts are logged and counted.
func (p *Pipeline) HandlePacket(pkt []byte) {
	p.packets.Add(1)
	p.lastPacket.Store(time.Now().UnixNano())

	objs, err := p.asm.Feed(pkt)
	if err != nil {
		log.Debug().Err(err).Msg("Carousel data dropped")
	}

	for i := range objs {
		p.cacheObject(&objs[i])
	}
}

func (p *Pipeline) cacheObject(obj *carousel.Object) {
	p.objects.Add(1)
	p.lastObject.Store(time.Now().UnixNano())

	key, err := cache.KeyFromName(obj.Name)
	if err != nil {
		p.fail(obj, "invalid_key", err)
		return
	}

	ttl := obj.Validity
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}

	originURL := obj.OriginURL
	if originURL == "" && p.cfg.URLPrefix != "" {
		originURL = p.cfg.URLPrefix + "/" + key.String()
	}

	if err := p.store.Insert(key, originURL, obj.Data, ttl); err != nil {
		p.fail(obj, insertErrorType(err), err)
		return
	}

	p.stored.Add(1)

	log.Debug().
		Str("key", key.String()).
		Int("size", len(obj.Data)).
		Dur("ttl", ttl).
		Uint16("pid", obj.PID).
		Uint8("version", obj.Version).
		Msg("Carousel object cached")
}

func (p *Pipeline) fail(obj *carousel.Object, errorType string, err error) {
	p.failed.Add(1)
	metrics.RecordIngestError(errorType)

	log.Warn().
		Err(err).
		Str("name", obj.Name).
		Int("size", len(obj.Data)).
		Uint16("pid", obj.PID).
		Msg("Failed to cache carousel object")
}

func insertErrorType(err error) string {
	switch {
	case errors.Is(err, cache.ErrTooLarge):
		return "too_large"
	case errors.Is(err, cache.ErrEntryLimit):
		return "entry_limit"
	case errors.Is(err, cache.ErrAllocation):
		return "allocation"
	case errors.Is(err, cache.ErrClosed):
		return "closed"
	default:
		return "insert"
	}
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Packets:      p.packets.Load(),
		Objects:      p.objects.Load(),
		Stored:       p.stored.Load(),
		Failed:       p.failed.Load(),
		LastPacketAt: unixTime(p.lastPacket.Load()),
		LastObjectAt: unixTime(p.lastObject.Load()),
	}
}

func unixTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
