package cache

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one cached object.
//
// Locking: mu is the content lock. Readers hold it shared for as long as they
// use the payload; replacing or freeing the payload requires it exclusively.
// originURL, size and created are written only while holding both mu and the
// store's structural lock, so either lock is enough to read them. expiry,
// lastAccess and unlinked are atomics because they are read or written with
// only one of the two locks held.
type Entry struct {
	key Key

	mu  sync.RWMutex
	buf Buffer

	originURL string
	size      int64
	created   time.Time

	expiry     atomic.Int64 // unix nano
	lastAccess atomic.Int64 // unix nano
	unlinked   atomic.Bool
}

// Info is a point-in-time description of an entry.
type Info struct {
	Created    time.Time `json:"created"`
	Expiry     time.Time `json:"expiry"`
	LastAccess time.Time `json:"lastAccess"`
	Key        Key       `json:"key"`
	OriginURL  string    `json:"originUrl"`
	Size       int64     `json:"size"`
}

// Expired reports whether the entry is stale at now.
func (i Info) Expired(now time.Time) bool {
	return !now.Before(i.Expiry)
}

// TTL returns the remaining lifetime at now, never negative.
func (i Info) TTL(now time.Time) time.Duration {
	return max(i.Expiry.Sub(now), 0)
}

func (e *Entry) info() Info {
	return Info{
		Created:    e.created,
		Expiry:     time.Unix(0, e.expiry.Load()),
		LastAccess: time.Unix(0, e.lastAccess.Load()),
		Key:        e.key,
		OriginURL:  e.originURL,
		Size:       e.size,
	}
}

// Handle is a scoped read grant on an entry. The payload stays valid and
// unchanged until Release is called; Release must be called on every path,
// and calling it more than once is harmless.
type Handle struct {
	entry *Entry
	info  Info
	once  sync.Once
}

// Bytes returns the payload. The slice must not be modified or retained past
// Release.
func (h *Handle) Bytes() []byte {
	return h.entry.buf.Bytes()
}

// Info returns the entry metadata as of the lookup.
func (h *Handle) Info() Info {
	return h.info
}

// NewReader returns a reader over the payload, suitable for
// http.ServeContent.
func (h *Handle) NewReader() *bytes.Reader {
	return bytes.NewReader(h.Bytes())
}

// Release ends the read grant.
func (h *Handle) Release() {
	h.once.Do(h.entry.mu.RUnlock)
}
