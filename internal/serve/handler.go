// Package serve answers content requests from the cache, falling back to the
// origin on a miss.
package serve

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/origin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Cache status values of the X-Cache header.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

const defaultContentType = "application/octet-stream"

// Fetcher resolves misses.
type Fetcher interface {
	// Enabled reports whether URLFor can resolve keys without a recorded URL.
	Enabled() bool
	URLFor(key cache.Key) string
	Fetch(ctx context.Context, rawURL string) (*origin.Object, error)
}

// Config configures miss handling
type Config struct {
	// Populate stores origin responses in the cache (default: true)
	Populate bool `json:"populate" yaml:"populate"`

	// TTL is the lifetime of populated entries (default: 1h)
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// WriteIdleTimeout bounds each write to the client, so a client that stops
	// reading releases its read handle (default: 30s, 0 disables)
	WriteIdleTimeout time.Duration `json:"writeIdleTimeout" yaml:"write_idle_timeout"`
}

// DefaultConfig returns the serving defaults.
func DefaultConfig() Config {
	return Config{Populate: true, TTL: time.Hour, WriteIdleTimeout: 30 * time.Second}
}

// Handler serves cached content.
type Handler struct {
	store   *cache.Store
	fetcher Fetcher
	group   singleflight.Group
	cfg     Config
}

// New creates a handler. fetcher may be nil, in which case misses are 404.
func New(store *cache.Store, fetcher Fetcher, cfg Config) *Handler {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.WriteIdleTimeout < 0 {
		cfg.WriteIdleTimeout = 0
	}

	return &Handler{store: store, fetcher: fetcher, cfg: cfg}
}

// Routes mounts GET and HEAD for every path.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/*", h.ServeObject)
	r.Head("/*", h.ServeObject)
}

// ServeObject serves the object addressed by the request path.
func (h *Handler) ServeObject(w http.ResponseWriter, r *http.Request) {
	key, err := cache.NewKey(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if handle, ok := h.store.Lookup(key); ok {
		// released on every exit, including a client abort mid-copy
		defer handle.Release()
		h.serveHit(w, r, handle)
		return
	}

	h.serveMiss(w, r, key)
}

func (h *Handler) serveHit(w http.ResponseWriter, r *http.Request, handle *cache.Handle) {
	info := handle.Info()
	now := h.store.Now()

	hdr := w.Header()
	hdr.Set("Content-Type", contentType(info.Key, ""))
	hdr.Set("Cache-Control", cacheControl(info.TTL(now)))
	hdr.Set("X-Cache", CacheHit)

	cw := newCountingWriter(w, h.cfg.WriteIdleTimeout)
	defer cw.done()
	http.ServeContent(cw, r, "", info.Created, handle.NewReader())
	h.store.RecordServed(cw.n)
}

// fetched is the shared result of a coalesced origin fetch.
type fetched struct {
	obj       *origin.Object
	populated bool
}

func (h *Handler) serveMiss(w http.ResponseWriter, r *http.Request, key cache.Key) {
	if h.fetcher == nil {
		http.NotFound(w, r)
		return
	}

	// an expired entry still knows where it came from
	rawURL, ok := h.store.OriginURL(key)
	if !ok || rawURL == "" {
		if !h.fetcher.Enabled() {
			http.NotFound(w, r)
			return
		}
		rawURL = h.fetcher.URLFor(key)
	}

	v, err, shared := h.group.Do(key.String(), func() (any, error) {
		// one requester going away must not fail the others
		obj, err := h.fetcher.Fetch(context.WithoutCancel(r.Context()), rawURL)
		if err != nil {
			return nil, err
		}

		return &fetched{obj: obj, populated: h.populate(key, rawURL, obj)}, nil
	})
	if err != nil {
		h.fetchFailed(w, r, key, err)
		return
	}

	res := v.(*fetched)

	if shared {
		log.Debug().Str("key", key.String()).Msg("Origin fetch coalesced")
	}

	hdr := w.Header()
	hdr.Set("Content-Type", contentType(key, res.obj.ContentType))
	if res.populated {
		hdr.Set("Cache-Control", cacheControl(h.cfg.TTL))
	} else {
		hdr.Set("Cache-Control", "no-store")
	}
	hdr.Set("X-Cache", CacheMiss)

	modtime := res.obj.LastModified
	if modtime.IsZero() {
		modtime = h.store.Now()
	}

	cw := newCountingWriter(w, h.cfg.WriteIdleTimeout)
	defer cw.done()
	http.ServeContent(cw, r, "", modtime, bytes.NewReader(res.obj.Data))
	h.store.RecordServed(cw.n)
}

// populate inserts a fetched object. Failure only costs a future hit.
func (h *Handler) populate(key cache.Key, rawURL string, obj *origin.Object) bool {
	if !h.cfg.Populate {
		return false
	}

	if err := h.store.Insert(key, rawURL, obj.Data, h.cfg.TTL); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache origin object")
		return false
	}

	return true
}

func (h *Handler) fetchFailed(w http.ResponseWriter, r *http.Request, key cache.Key, err error) {
	if errors.Is(err, origin.ErrNotFound) {
		http.NotFound(w, r)
		return
	}

	log.Warn().
		Err(err).
		Str("key", key.String()).
		Msg("Origin fetch failed")

	http.Error(w, "origin fetch failed", http.StatusBadGateway)
}

func contentType(key cache.Key, fromOrigin string) string {
	if fromOrigin != "" {
		return fromOrigin
	}
	if ct := mime.TypeByExtension(key.Ext()); ct != "" {
		return ct
	}
	return defaultContentType
}

func cacheControl(ttl time.Duration) string {
	return "public, max-age=" + strconv.FormatInt(int64(ttl/time.Second), 10)
}
