package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"proxycache/internal/model"
)

func makeServers(n int) []*model.Server {
	out := make([]*model.Server, n)
	for i := range out {
		out[i] = &model.Server{RawURI: string(rune('a' + i%26)) + string(rune('0'+i/26))}
	}
	return out
}

func TestRun_OneResultPerServer(t *testing.T) {
	servers := makeServers(25)
	s := New(Config{MaxConcurrent: 4, BatchSize: 10}, func(ctx context.Context, srv *model.Server) *model.ProbeResult {
		return &model.ProbeResult{Server: srv, LatencyMS: 1}
	})

	results := s.Run(context.Background(), servers, "http://probe")
	if len(results) != len(servers) {
		t.Fatalf("expected %d results, got %d", len(servers), len(results))
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("result %d is nil", i)
		}
	}
}

func TestRun_RespectsMaxConcurrent(t *testing.T) {
	servers := makeServers(40)
	var current, peak int32

	s := New(Config{MaxConcurrent: 5, BatchSize: 40}, func(ctx context.Context, srv *model.Server) *model.ProbeResult {
		n := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &model.ProbeResult{Server: srv, LatencyMS: 1}
	})

	s.Run(context.Background(), servers, "http://probe")
	if peak > 5 {
		t.Fatalf("expected at most 5 concurrent probes, observed peak %d", peak)
	}
}

func TestRun_CancellationFillsRemainingResults(t *testing.T) {
	servers := makeServers(10)
	ctx, cancel := context.WithCancel(context.Background())

	s := New(Config{MaxConcurrent: 2, BatchSize: 2}, func(ctx context.Context, srv *model.Server) *model.ProbeResult {
		cancel() // cancel after the very first probe starts
		return &model.ProbeResult{Server: srv, LatencyMS: 1}
	})

	results := s.Run(ctx, servers, "http://probe")
	if len(results) != len(servers) {
		t.Fatalf("expected %d results even after cancellation, got %d", len(servers), len(results))
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("result %d is nil after cancellation", i)
		}
	}
}

func TestApplyLowBandwidthCap_DeterministicPrefix(t *testing.T) {
	s := New(Config{LowBandwidthMode: true, LowBandwidthCap: 2}, nil)
	servers := []*model.Server{{RawURI: "c"}, {RawURI: "a"}, {RawURI: "b"}}

	capped := s.applyLowBandwidthCap(servers)
	if len(capped) != 2 {
		t.Fatalf("expected cap to 2, got %d", len(capped))
	}
	if capped[0].RawURI != "a" || capped[1].RawURI != "b" {
		t.Fatalf("expected deterministic sorted prefix [a b], got [%s %s]", capped[0].RawURI, capped[1].RawURI)
	}
}
