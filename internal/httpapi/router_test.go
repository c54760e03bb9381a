package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"proxycache/internal/cache"
	"proxycache/internal/fetch"
	"proxycache/internal/model"
	"proxycache/internal/refresh"
	"proxycache/internal/scheduler"
)

func newTestServer(t *testing.T) (*Server, *cache.Cache) {
	t.Helper()
	c := cache.New(10, time.Hour)
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 2, BatchSize: 2}, func(ctx context.Context, s *model.Server) *model.ProbeResult {
		return &model.ProbeResult{Server: s, LatencyMS: 5}
	})
	loop := refresh.New(refresh.Config{SubURLs: nil, ProbeURL: "http://probe"}, fetch.New(time.Second), nil, sched, c, zerolog.Nop())
	return New(c, loop, zerolog.Nop()), c
}

func TestHealth_AlwaysOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCache_ReturnsServiceUnavailableBeforeFirstPublish(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/cache", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before any publish, got %d", rec.Code)
	}
}

func TestCacheRaw_AfterPublish(t *testing.T) {
	s, c := newTestServer(t)
	snap := cache.BuildSnapshot(1, time.Now(), []*model.ProbeResult{
		{Server: &model.Server{RawURI: "vless://a"}, LatencyMS: 10},
	})
	c.Publish(snap)

	req := httptest.NewRequest(http.MethodGet, "/cache/raw", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "vless://a" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestCacheBase64_DecodesToCacheRaw(t *testing.T) {
	s, c := newTestServer(t)
	c.Publish(cache.BuildSnapshot(1, time.Now(), []*model.ProbeResult{
		{Server: &model.Server{RawURI: "vless://a"}, LatencyMS: 10},
		{Server: &model.Server{RawURI: "vless://b"}, LatencyMS: 20},
	}))

	rawRec := httptest.NewRecorder()
	s.Router().ServeHTTP(rawRec, httptest.NewRequest(http.MethodGet, "/cache/raw", nil))

	b64Rec := httptest.NewRecorder()
	s.Router().ServeHTTP(b64Rec, httptest.NewRequest(http.MethodGet, "/cache/base64", nil))

	decoded, err := base64.StdEncoding.DecodeString(b64Rec.Body.String())
	if err != nil {
		t.Fatalf("base64 decode failed: %v", err)
	}
	if string(decoded) != rawRec.Body.String() {
		t.Fatalf("base64(raw) mismatch: got %q want %q", string(decoded), rawRec.Body.String())
	}
}

func TestCache_ReturnsBareJSONArrayWithTag(t *testing.T) {
	s, c := newTestServer(t)
	c.Publish(cache.BuildSnapshot(1, time.Now(), []*model.ProbeResult{
		{Server: &model.Server{RawURI: "vless://a", Tag: "fast-node"}, LatencyMS: 10},
	}))

	req := httptest.NewRequest(http.MethodGet, "/cache", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Generation-Id") != "1" {
		t.Fatalf("expected X-Generation-Id header, got %q", rec.Header().Get("X-Generation-Id"))
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("expected a bare JSON array, got %q: %v", rec.Body.String(), err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["tag"] != "fast-node" {
		t.Fatalf("expected tag to round-trip, got %+v", entries[0])
	}
	if entries[0]["raw_uri"] != "vless://a" {
		t.Fatalf("expected raw_uri to round-trip, got %+v", entries[0])
	}
}

func TestSiteSpecific_RequiresURLParam(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/subscription/site-specific", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing url param, got %d", rec.Code)
	}
}

func TestSiteSpecific_CachesWithinTTL(t *testing.T) {
	s, c := newTestServer(t)
	c.Publish(cache.BuildSnapshot(1, time.Now(), []*model.ProbeResult{
		{Server: &model.Server{RawURI: "vless://a"}, LatencyMS: 10},
	}))

	req := func() *http.Request {
		return httptest.NewRequest(http.MethodGet, "/subscription/site-specific?url=https://youtube.com", nil)
	}

	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req())
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 on first site-specific request, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req())
	if rec2.Body.String() != rec1.Body.String() {
		t.Fatalf("expected cached entry to be returned unchanged within TTL")
	}
}
