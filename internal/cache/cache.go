// Package cache holds the ranked global view, the full working set, and
// per-probe-URL views, each backed by an immutable model.CacheSnapshot
// published via atomic pointer-swap so readers never block and never
// observe a partially built snapshot.
package cache

import (
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"proxycache/internal/model"
)

// DefaultTopK is the default size of the top_k view.
const DefaultTopK = 25

// DefaultSiteTTL is the default TTL of a per-probe-URL entry.
const DefaultSiteTTL = time.Hour

// Cache holds the three logical views spec.md §4.6 describes. topK and
// allWorking are lock-free on the read path: readers dereference an
// atomic.Pointer snapshot that is never mutated in place, only swapped.
type Cache struct {
	topK       atomic.Pointer[model.CacheSnapshot]
	allWorking atomic.Pointer[model.CacheSnapshot]
	topKSize   int
	siteTTL    time.Duration
	siteMu     sync.Mutex
	site       map[string]*model.SiteSpecificEntry
}

// New builds an empty Cache. topK and siteTTL default when zero.
func New(topK int, siteTTL time.Duration) *Cache {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if siteTTL <= 0 {
		siteTTL = DefaultSiteTTL
	}
	return &Cache{
		topKSize: topK,
		siteTTL:  siteTTL,
		site:     make(map[string]*model.SiteSpecificEntry),
	}
}

// BuildSnapshot ranks results into a sorted, deduplicated CacheSnapshot:
// ascending latency, ties broken by RawURI. Only successful results
// contribute entries.
func BuildSnapshot(generationID uint64, builtAt time.Time, results []*model.ProbeResult) *model.CacheSnapshot {
	entries := make([]model.Entry, 0, len(results))
	for _, r := range results {
		if r == nil || !r.Success() {
			continue
		}
		entries = append(entries, model.Entry{Server: r.Server, LatencyMS: r.LatencyMS})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LatencyMS != entries[j].LatencyMS {
			return entries[i].LatencyMS < entries[j].LatencyMS
		}
		return entries[i].Server.RawURI < entries[j].Server.RawURI
	})
	return &model.CacheSnapshot{GenerationID: generationID, BuiltAt: builtAt, Entries: entries}
}

// Publish swaps the all_working view and then the top_k view to the new
// generation. Each view is swapped atomically on its own; the two stores
// are not made under a lock and are not atomic as a pair, so a reader that
// loads both views between the two stores sees all_working from the new
// generation and top_k from the previous one. If allWorking has zero
// entries, the publish is skipped entirely (degraded refresh, §7): the
// prior snapshot is preserved and callers should log the generation as
// degraded.
func (c *Cache) Publish(allWorking *model.CacheSnapshot) (published bool) {
	if allWorking == nil || len(allWorking.Entries) == 0 {
		return false
	}

	top := allWorking.Entries
	if len(top) > c.topKSize {
		top = top[:c.topKSize]
	}
	topSnapshot := &model.CacheSnapshot{
		GenerationID: allWorking.GenerationID,
		BuiltAt:      allWorking.BuiltAt,
		Entries:      append([]model.Entry(nil), top...),
	}

	// Swap both pointers back-to-back. Views published together carry the
	// same GenerationID, which is how a reader can tell whether the two
	// snapshots it loaded come from the same generation.
	c.allWorking.Store(allWorking)
	c.topK.Store(topSnapshot)
	return true
}

// TopK returns the current top_k snapshot, or nil if no generation has
// published yet.
func (c *Cache) TopK() *model.CacheSnapshot { return c.topK.Load() }

// AllWorking returns the current all_working snapshot, or nil if no
// generation has published yet.
func (c *Cache) AllWorking() *model.CacheSnapshot { return c.allWorking.Load() }

// SiteSpecific looks up the cached snapshot for probeURL. ok is false if
// there is no entry, or the entry has expired (stale). On a miss the HTTP
// handler calls refresh.Loop.RefreshSite, which coalesces concurrent
// refreshes for the same probeURL with its own singleflight group.
func (c *Cache) SiteSpecific(probeURL string) (snapshot *model.CacheSnapshot, ok bool) {
	c.siteMu.Lock()
	defer c.siteMu.Unlock()

	entry, exists := c.site[probeURL]
	if !exists || time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Snapshot, true
}

// PutSiteSpecific installs a freshly probed snapshot for probeURL with a
// new TTL window.
func (c *Cache) PutSiteSpecific(probeURL string, snapshot *model.CacheSnapshot) {
	c.siteMu.Lock()
	defer c.siteMu.Unlock()
	c.site[probeURL] = &model.SiteSpecificEntry{
		ProbeURL:  probeURL,
		Snapshot:  snapshot,
		ExpiresAt: time.Now().Add(c.siteTTL),
	}
}

// --- Serialization: pure functions over a snapshot. ---

// SerializeJSON renders entries as the JSON array documented in spec.md §4.6.
type jsonEntry struct {
	RawURI    string `json:"raw_uri"`
	Kind      string `json:"kind"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	LatencyMS int64  `json:"latency_ms"`
	Tag       string `json:"tag"`
}

func SerializeJSON(s *model.CacheSnapshot) []jsonEntry {
	if s == nil {
		return []jsonEntry{}
	}
	out := make([]jsonEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, jsonEntry{
			RawURI:    e.Server.RawURI,
			Kind:      string(e.Server.Kind),
			Address:   e.Server.Address,
			Port:      e.Server.Port,
			LatencyMS: e.LatencyMS,
			Tag:       e.Server.Tag,
		})
	}
	return out
}

// SerializeRaw joins raw_uri values with '\n'.
func SerializeRaw(s *model.CacheSnapshot) string {
	if s == nil {
		return ""
	}
	lines := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		lines = append(lines, e.Server.RawURI)
	}
	return strings.Join(lines, "\n")
}

// SerializeBase64 is the standard base64 encoding of SerializeRaw, with padding.
func SerializeBase64(s *model.CacheSnapshot) string {
	return base64.StdEncoding.EncodeToString([]byte(SerializeRaw(s)))
}
