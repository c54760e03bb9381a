// Package httpapi exposes the read-only cache views over HTTP, routed with
// github.com/go-chi/chi/v5.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"proxycache/internal/cache"
	"proxycache/internal/model"
	"proxycache/internal/refresh"
)

// Server wires the cache and the refresh loop behind the HTTP surface.
type Server struct {
	cache   *cache.Cache
	refLoop *refresh.Loop
	log     zerolog.Logger
}

// New builds a Server.
func New(c *cache.Cache, r *refresh.Loop, log zerolog.Logger) *Server {
	return &Server{cache: c, refLoop: r, log: log}
}

// Router builds the chi router with all routes spec.md §6 names.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics)

	r.Get("/health", s.handleHealth)
	r.Get("/servers/live", s.handleServersLive)
	r.Get("/cache", s.handleCache)
	r.Get("/cache/raw", s.handleCacheRaw)
	r.Get("/cache/base64", s.handleCacheBase64)
	r.Get("/cache/all/base64", s.handleCacheAllBase64)
	r.Get("/subscription/site-specific", s.handleSiteSpecific)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleServersLive triggers (or joins) a global refresh, then returns the
// resulting top_k view.
func (s *Server) handleServersLive(w http.ResponseWriter, r *http.Request) {
	s.refLoop.Refresh(r.Context())
	s.writeSnapshotJSON(w, s.cache.TopK())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshotJSON(w, s.cache.TopK())
}

func (s *Server) handleCacheRaw(w http.ResponseWriter, r *http.Request) {
	snapshot := s.cache.TopK()
	if snapshot == nil {
		http.Error(w, "cache not yet populated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(cache.SerializeRaw(snapshot)))
}

func (s *Server) handleCacheBase64(w http.ResponseWriter, r *http.Request) {
	snapshot := s.cache.TopK()
	if snapshot == nil {
		http.Error(w, "cache not yet populated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(cache.SerializeBase64(snapshot)))
}

func (s *Server) handleCacheAllBase64(w http.ResponseWriter, r *http.Request) {
	snapshot := s.cache.AllWorking()
	if snapshot == nil {
		http.Error(w, "cache not yet populated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(cache.SerializeBase64(snapshot)))
}

// handleSiteSpecific fetches or refreshes the per_probe_url entry for
// ?url=, returning base64 of its raw form. A fresh probe is only triggered
// on a miss or an expired TTL entry; a live hit never re-probes.
func (s *Server) handleSiteSpecific(w http.ResponseWriter, r *http.Request) {
	probeURL := r.URL.Query().Get("url")
	if probeURL == "" {
		http.Error(w, "missing required query parameter: url", http.StatusBadRequest)
		return
	}

	if snapshot, ok := s.cache.SiteSpecific(probeURL); ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(cache.SerializeBase64(snapshot)))
		return
	}

	all := s.cache.AllWorking()
	if all == nil {
		http.Error(w, "cache not yet populated", http.StatusServiceUnavailable)
		return
	}
	servers := make([]*model.Server, 0, len(all.Entries))
	for _, e := range all.Entries {
		servers = append(servers, e.Server)
	}

	snapshot := s.refLoop.RefreshSite(r.Context(), probeURL, servers)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(cache.SerializeBase64(snapshot)))
}

// writeSnapshotJSON writes the bare JSON array spec.md §4.6 documents
// (raw_uri/kind/address/port/latency_ms/tag per entry). Generation metadata
// that doesn't belong in the array itself goes on response headers instead.
func (s *Server) writeSnapshotJSON(w http.ResponseWriter, snapshot *model.CacheSnapshot) {
	if snapshot == nil {
		http.Error(w, "cache not yet populated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("X-Generation-Id", strconv.FormatUint(snapshot.GenerationID, 10))
	w.Header().Set("X-Stale-Seconds", strconv.FormatInt(snapshot.StaleSeconds(time.Now()), 10))
	writeJSON(w, http.StatusOK, cache.SerializeJSON(snapshot))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
