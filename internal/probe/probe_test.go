package probe

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"proxycache/internal/errkind"
	"proxycache/internal/model"
	"proxycache/internal/portalloc"
)

func TestRunServer_EngineStartFailure_NoLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ports := portalloc.New(23000, 23010)
	runner := New(Config{
		XrayPath:    "/nonexistent/xray-binary-for-testing",
		JobDeadline: 2 * time.Second,
		KillGrace:   50 * time.Millisecond,
	}, ports)

	server := &model.Server{
		RawURI:       "vless://uuid@example.com:443?security=none#A",
		Kind:         model.VLESS,
		Address:      "example.com",
		Port:         443,
		IDOrPassword: "uuid",
	}

	result := runner.RunServer(context.Background(), server)
	if result.Success() {
		t.Fatal("expected failure when the engine binary does not exist")
	}
	if !errkind.Is(result.Err, errkind.EngineStart) {
		t.Fatalf("expected ErrKindEngineStart, got %v", result.Err)
	}
}

func TestRunServer_PortReleasedOnFailure(t *testing.T) {
	ports := portalloc.New(23100, 23100) // exactly one candidate port
	runner := New(Config{
		XrayPath:    "/nonexistent/xray-binary-for-testing",
		JobDeadline: 2 * time.Second,
		KillGrace:   50 * time.Millisecond,
	}, ports)

	server := &model.Server{Kind: model.VLESS, Address: "example.com", Port: 443, IDOrPassword: "uuid"}

	// Two sequential jobs must both be able to acquire the single port in
	// this range: a leak would make the second Acquire fail.
	r1 := runner.RunServer(context.Background(), server)
	r2 := runner.RunServer(context.Background(), server)
	if r1.Success() || r2.Success() {
		t.Fatal("expected both probes to fail against a nonexistent engine binary")
	}
	if !errkind.Is(r2.Err, errkind.EngineStart) {
		t.Fatalf("expected ErrKindEngineStart, got %v", r2.Err)
	}
	if port, err := ports.Acquire(); err != nil {
		t.Fatalf("expected the single port to be free after both jobs, got %v", err)
	} else {
		ports.Release(port)
	}
}
