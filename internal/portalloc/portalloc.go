// Package portalloc hands out currently-unused loopback TCP ports to probe
// jobs and recycles them once released.
package portalloc

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// Allocator tracks ports currently on loan within [Low, High]. Safe for
// concurrent use.
type Allocator struct {
	mu     sync.Mutex
	low    int
	high   int
	onLoan map[int]bool
	rng    *rand.Rand
}

// New builds an Allocator over the inclusive range [low, high].
func New(low, high int) *Allocator {
	if high < low {
		low, high = high, low
	}
	return &Allocator{
		low:    low,
		high:   high,
		onLoan: make(map[int]bool),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// Acquire picks a free candidate port, confirms it is bindable, and marks
// it on loan. Binding is necessarily race-tolerant: by the time the caller
// uses the port, something else may have taken it, in which case the
// caller is expected to retry with a fresh port (probe.Runner retries once
// on ENGINE_STARTUP).
func (a *Allocator) Acquire() (int, error) {
	span := a.high - a.low + 1

	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < span*2; attempt++ {
		candidate := a.low + a.rng.Intn(span)
		if a.onLoan[candidate] {
			continue
		}
		if !bindable(candidate) {
			continue
		}
		a.onLoan[candidate] = true
		return candidate, nil
	}
	return 0, fmt.Errorf("portalloc: no free port in [%d, %d]", a.low, a.high)
}

// Release returns port to the free set.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.onLoan, port)
	a.mu.Unlock()
}

func bindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
