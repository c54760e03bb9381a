// Package scheduler fans probe jobs across a bounded worker pool, enforcing
// a global concurrency cap and a low-bandwidth prefix cap, while guaranteeing
// one ProbeResult per input Server regardless of ordering.
package scheduler

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"proxycache/internal/model"
)

// Config bounds one Scheduler's fan-out behavior.
type Config struct {
	MaxConcurrent    int  // worker count; default 50
	BatchSize        int  // servers per batch; default 50
	LowBandwidthMode bool // if true, cap servers actually tested
	LowBandwidthCap  int  // deterministic prefix length when LowBandwidthMode; default 100
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 50
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LowBandwidthCap <= 0 {
		c.LowBandwidthCap = 100
	}
	return c
}

// ProbeFunc probes one server and returns its result. Implemented by
// internal/probe.Runner.RunServer in production, stubbed in tests.
type ProbeFunc func(ctx context.Context, server *model.Server) *model.ProbeResult

// Scheduler is a bounded-concurrency dispatcher over a ProbeFunc.
type Scheduler struct {
	cfg   Config
	probe ProbeFunc
}

// New builds a Scheduler. cfg is defaulted where zero.
func New(cfg Config, probe ProbeFunc) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults(), probe: probe}
}

// Run probes every server in servers (after the deterministic
// low-bandwidth-mode prefix truncation, if enabled) and returns one
// ProbeResult per input, in no particular order. No more than
// cfg.MaxConcurrent jobs are live at any instant; servers are dispatched in
// cfg.BatchSize batches, one batch completing (or every job in it hitting
// its own deadline) before the next starts.
//
// Run is cancellable via ctx: once ctx is done, no new jobs are launched,
// and Run returns once all already-launched jobs have reached DONE (which
// is bounded by their own per-job deadline).
func (s *Scheduler) Run(ctx context.Context, servers []*model.Server, probeURL string) []*model.ProbeResult {
	servers = s.applyLowBandwidthCap(servers)
	results := make([]*model.ProbeResult, len(servers))

	for start := 0; start < len(servers); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(servers) {
			end = len(servers)
		}
		s.runBatch(ctx, servers[start:end], results[start:end])

		if ctx.Err() != nil {
			s.fillCancelled(results, start+len(servers[start:end]))
			break
		}
	}

	return results
}

func (s *Scheduler) runBatch(ctx context.Context, batch []*model.Server, out []*model.ProbeResult) {
	group, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	group.SetLimit(s.cfg.MaxConcurrent)

	for i, srv := range batch {
		i, srv := i, srv
		group.Go(func() error {
			if ctx.Err() != nil {
				out[i] = &model.ProbeResult{Server: srv, Err: ctx.Err()}
				return nil
			}
			out[i] = s.probe(gctx, srv)
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Scheduler) fillCancelled(results []*model.ProbeResult, from int) {
	for i := from; i < len(results); i++ {
		if results[i] == nil {
			results[i] = &model.ProbeResult{Err: context.Canceled}
		}
	}
}

// applyLowBandwidthCap takes a deterministic prefix of servers (sorted by
// raw URI, matching the dedup/ranking tie-break elsewhere in the engine) so
// that repeated refreshes under LowBandwidthMode probe the same subset
// rather than a random one.
func (s *Scheduler) applyLowBandwidthCap(servers []*model.Server) []*model.Server {
	if !s.cfg.LowBandwidthMode || len(servers) <= s.cfg.LowBandwidthCap {
		return servers
	}
	sorted := make([]*model.Server, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RawURI < sorted[j].RawURI })
	return sorted[:s.cfg.LowBandwidthCap]
}
