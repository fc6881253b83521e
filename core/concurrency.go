package core

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyGate is the single, process-wide counting semaphore every
// backend call path acquires before touching an external process (§4.4).
// A weighted semaphore gives us §4.4's "fair FIFO where the underlying
// primitive supports it" for free: golang.org/x/sync/semaphore.Weighted
// queues Acquire calls in arrival order.
type ConcurrencyGate struct {
	sem *semaphore.Weighted
}

var (
	gateMu   sync.Mutex
	gateInst *ConcurrencyGate
)

// Gate returns the process-wide ConcurrencyGate, lazily initialising it
// from concurrency on first use (default 1 if concurrency <= 0).
func Gate(concurrency int) *ConcurrencyGate {
	gateMu.Lock()
	defer gateMu.Unlock()
	if gateInst == nil {
		gateInst = newGate(concurrency)
	}
	return gateInst
}

// ResetGateForTest reinitialises the process-wide gate. Tests that need a
// fresh semaphore (e.g. to test a different concurrency limit) must call
// this rather than relying on the lazy singleton.
func ResetGateForTest(concurrency int) *ConcurrencyGate {
	gateMu.Lock()
	defer gateMu.Unlock()
	gateInst = newGate(concurrency)
	return gateInst
}

func newGate(concurrency int) *ConcurrencyGate {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ConcurrencyGate{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Acquire blocks until a slot is available or ctx is done.
func (g *ConcurrencyGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot to the gate. Must be called exactly once per
// successful Acquire, on every exit path.
func (g *ConcurrencyGate) Release() {
	g.sem.Release(1)
}
