// Package refresh drives the IDLE → FETCHING → PARSING → PROBING →
// PUBLISHING → IDLE generation loop: on a timer and on demand, it pulls every
// subscription source, parses and deduplicates servers, filters them,
// schedules probes, and publishes a new cache generation.
package refresh

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"

	"proxycache/internal/cache"
	"proxycache/internal/fetch"
	"proxycache/internal/filter"
	"proxycache/internal/model"
	"proxycache/internal/parser"
	"proxycache/internal/scheduler"
)

// Config bounds one Loop's behavior.
type Config struct {
	SubURLs      []string
	ProbeURL     string
	Interval     time.Duration // CACHE_INTERVAL_SECONDS; 0 disables the ticker
	FetchTimeout time.Duration
}

// Loop owns one generation counter and drives refreshes against a shared
// Cache. It is safe to call Refresh concurrently with the background
// ticker: both paths coalesce into a single in-flight generation via
// singleflight.
type Loop struct {
	cfg       Config
	fetcher   *fetch.Fetcher
	filter    *filter.Engine
	scheduler *scheduler.Scheduler
	cache     *cache.Cache
	log       zerolog.Logger

	sf         singleflight.Group
	siteSF     singleflight.Group
	genID      atomic.Uint64
	hooks      []PostSwapHook
	siteHooks  []SitePostSwapHook
	hooksMu    sync.Mutex
	wg         sync.WaitGroup // live generations in flight, watched by Shutdown
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// PostSwapHook runs after a global generation is published, outside the
// critical section. A3 wires mirror publishing here.
type PostSwapHook func(snapshot *model.CacheSnapshot)

// SitePostSwapHook runs after a per-probe-URL refresh publishes a fresh
// entry into the Cache's per_probe_url view. A3 wires mirror.Publisher.HookSite
// here so site-specific files stay in sync with on-demand refreshes.
type SitePostSwapHook func(probeURL string, snapshot *model.CacheSnapshot)

// New builds a Loop over an already-built Scheduler, whose ProbeFunc is
// typically internal/probe.Runner.RunServer.
func New(cfg Config, f *fetch.Fetcher, flt *filter.Engine, sched *scheduler.Scheduler, c *cache.Cache, log zerolog.Logger) *Loop {
	return &Loop{
		cfg:       cfg,
		fetcher:   f,
		filter:    flt,
		scheduler: sched,
		cache:     c,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// AddPostSwapHook registers a hook run after every successful global publish.
func (l *Loop) AddPostSwapHook(h PostSwapHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, h)
}

// AddSitePostSwapHook registers a hook run after every successful
// per-probe-URL refresh.
func (l *Loop) AddSitePostSwapHook(h SitePostSwapHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.siteHooks = append(l.siteHooks, h)
}

// Run blocks, driving refreshes on cfg.Interval until ctx is cancelled. It
// performs one refresh immediately on entry.
func (l *Loop) Run(ctx context.Context) {
	l.Refresh(ctx)

	if l.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Refresh(ctx)
		}
	}
}

// Refresh runs one full generation: FETCHING → PARSING → PROBING →
// PUBLISHING. Concurrent callers (the ticker and an on-demand HTTP trigger,
// say) share a single in-flight generation.
func (l *Loop) Refresh(ctx context.Context) *model.CacheSnapshot {
	l.wg.Add(1)
	defer l.wg.Done()

	v, _, _ := l.sf.Do("global", func() (interface{}, error) {
		return l.runGeneration(ctx), nil
	})
	snapshot, _ := v.(*model.CacheSnapshot)
	return snapshot
}

func (l *Loop) runGeneration(ctx context.Context) *model.CacheSnapshot {
	gen := l.genID.Add(1)
	started := time.Now()
	log := l.log.With().Uint64("generation_id", gen).Logger()

	// FETCHING
	results := l.fetcher.FetchAll(ctx, l.cfg.SubURLs)
	var lines []string
	for _, r := range results {
		if r.Err != nil {
			log.Warn().Str("source", r.URL).Err(r.Err).Msg("fetch source failed, skipping")
			continue
		}
		lines = append(lines, r.Lines...)
	}

	// PARSING + dedup (raw URI identity, per the data model).
	seen := make(map[string]bool, len(lines))
	servers := make([]*model.Server, 0, len(lines))
	for _, line := range lines {
		srv, err := parser.Parse(line)
		if err != nil {
			continue
		}
		if seen[srv.Key()] {
			continue
		}
		seen[srv.Key()] = true
		servers = append(servers, srv)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].RawURI < servers[j].RawURI })

	if l.filter != nil {
		servers = l.filter.Apply(servers)
	}

	log.Info().Int("candidate_count", len(servers)).Msg("parsed and deduplicated")

	// PROBING
	probeResults := l.scheduler.Run(ctx, servers, l.cfg.ProbeURL)
	successCount := 0
	for _, r := range probeResults {
		if r.Success() {
			successCount++
		}
	}

	// PUBLISHING
	snapshot := cache.BuildSnapshot(gen, started, probeResults)
	published := l.cache.Publish(snapshot)
	if !published {
		log.Warn().Int("probed", len(probeResults)).Msg("generation had zero successes, preserving prior snapshot (degraded)")
		return l.cache.AllWorking()
	}

	log.Info().
		Int("success_count", successCount).
		Int("probed_count", len(probeResults)).
		Dur("elapsed", time.Since(started)).
		Msg("published new generation")

	l.runHooks(snapshot)
	return snapshot
}

func (l *Loop) runHooks(snapshot *model.CacheSnapshot) {
	l.hooksMu.Lock()
	hooks := append([]PostSwapHook(nil), l.hooks...)
	l.hooksMu.Unlock()

	for _, h := range hooks {
		h(snapshot)
	}
}

// RefreshSite runs a probe pass scoped to a single probe URL, coalescing
// concurrent misses for the same URL via a dedicated singleflight key, and
// installs the result into the Cache's per-probe-URL view.
func (l *Loop) RefreshSite(ctx context.Context, probeURL string, servers []*model.Server) *model.CacheSnapshot {
	v, _, _ := l.siteSF.Do(probeURL, func() (interface{}, error) {
		gen := l.genID.Add(1)
		results := l.scheduler.Run(ctx, servers, probeURL)
		snapshot := cache.BuildSnapshot(gen, time.Now(), results)
		if len(snapshot.Entries) > 0 {
			l.cache.PutSiteSpecific(probeURL, snapshot)
			l.runSiteHooks(probeURL, snapshot)
		}
		return snapshot, nil
	})
	snapshot, _ := v.(*model.CacheSnapshot)
	return snapshot
}

func (l *Loop) runSiteHooks(probeURL string, snapshot *model.CacheSnapshot) {
	l.hooksMu.Lock()
	hooks := append([]SitePostSwapHook(nil), l.siteHooks...)
	l.hooksMu.Unlock()

	for _, h := range hooks {
		h(probeURL, snapshot)
	}
}

// Shutdown stops the background ticker and blocks until every in-flight
// generation (and, transitively, every probe job it launched — subprocess,
// port, scratch dir) has returned.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
