package errkind

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := New(ProbeNetwork, fmt.Errorf("connection refused"))
	wrapped := fmt.Errorf("probe failed: %w", err)

	if !Is(wrapped, ProbeNetwork) {
		t.Fatal("expected Is to match through fmt.Errorf wrapping")
	}
	if Is(wrapped, ProbeHTTP) {
		t.Fatal("expected Is to reject a different kind")
	}
}

func TestError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(Timeout, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestError_MessageIncludesKind(t *testing.T) {
	err := New(TooSlow, fmt.Errorf("latency 9000ms exceeds 8000ms"))
	if got := err.Error(); !strings.HasPrefix(got, string(TooSlow)) {
		t.Fatalf("expected error message to start with %s, got %q", TooSlow, got)
	}
}
