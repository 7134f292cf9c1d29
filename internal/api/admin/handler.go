package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/ingest"
	"github.com/piwi3910/stbcache/internal/sweeper"
)

// Sweeper runs an immediate eviction pass.
type Sweeper interface {
	RunOnce(ctx context.Context) sweeper.Result
	Last() sweeper.Result
}

// IngestSource reports carousel ingestion counters.
type IngestSource interface {
	Stats() ingest.Stats
}

// StatsResponse is returned by GET /cache/stats.
type StatsResponse struct {
	Cache     cache.Stats    `json:"cache"`
	Ingest    *ingest.Stats  `json:"ingest,omitempty"`
	LastSweep sweeper.Result `json:"lastSweep"`
}

// EntryResponse describes one cached object.
type EntryResponse struct {
	cache.Info
	Expired bool  `json:"expired"`
	TTL     int64 `json:"ttlSeconds"`
}

// EntriesResponse is returned by GET /cache/entries.
type EntriesResponse struct {
	Entries   []EntryResponse `json:"entries"`
	Total     int             `json:"total"`
	Truncated bool            `json:"truncated"`
}

// Handler handles Admin API requests
type Handler struct {
	store   *cache.Store
	sweeper Sweeper
	ingest  IngestSource
}

// NewHandler creates a new Admin API handler. ingest may be nil when
// multicast reception is disabled.
func NewHandler(store *cache.Store, sw Sweeper, ingest IngestSource) *Handler {
	return &Handler{
		store:   store,
		sweeper: sw,
		ingest:  ingest,
	}
}

// RegisterRoutes registers Admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/cache/stats", h.GetStats)
	r.Get("/cache/entries", h.ListEntries)
	r.Delete("/cache/entries/*", h.PurgeEntry)
	r.Post("/cache/sweep", h.Sweep)
}

// GetStats returns store, ingestion and sweeper counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Cache:     h.store.Stats(),
		LastSweep: h.sweeper.Last(),
	}

	if h.ingest != nil {
		st := h.ingest.Stats()
		resp.Ingest = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListEntries lists cached objects sorted by key. Query parameters:
// prefix filters by key prefix, limit caps the number returned.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}

		limit = n
	}

	now := h.store.Now()
	infos := h.store.Snapshot()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	resp := EntriesResponse{Entries: make([]EntryResponse, 0, len(infos))}

	for _, info := range infos {
		if !strings.HasPrefix(info.Key.String(), prefix) {
			continue
		}

		resp.Total++

		if limit > 0 && len(resp.Entries) >= limit {
			resp.Truncated = true
			continue
		}

		resp.Entries = append(resp.Entries, EntryResponse{
			Info:    info,
			Expired: info.Expired(now),
			TTL:     int64(info.TTL(now).Seconds()),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// PurgeEntry removes one object. It waits for readers of the entry to
// finish before answering.
func (h *Handler) PurgeEntry(w http.ResponseWriter, r *http.Request) {
	key, err := cache.NewKey(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !h.store.Remove(key) {
		writeError(w, "Entry not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sweep runs an eviction pass immediately and returns its result.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.RunOnce(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
