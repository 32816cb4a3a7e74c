package busport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/manchester"
)

// Ring is a single-producer/single-consumer queue of captured line runs,
// generalized from transport.AsyncTx in the teacher repo but inverted:
// AsyncTx funnels outgoing frames through one goroutine; Ring funnels
// incoming edge-capture samples out of ISR-like context. The producer side
// (PushRun) never waits for space and never allocates: a full ring drops the
// sample. PushRun does take a short mutex shared only with Close, so that a
// push never races the closing of the channel; the ring is not lock-free.
type Ring struct {
	mu      sync.Mutex
	ch      chan manchester.Symbol
	closed  atomic.Bool
	onDrop  func()
	cancel  context.CancelFunc
	ctx     context.Context
}

// NewRing creates a Ring with the given buffered capacity. onDrop, if
// non-nil, is invoked (never blocking) whenever PushRun finds the ring full.
func NewRing(parent context.Context, capacity int, onDrop func()) *Ring {
	ctx, cancel := context.WithCancel(parent)
	return &Ring{
		ch:     make(chan manchester.Symbol, capacity),
		onDrop: onDrop,
		ctx:    ctx,
		cancel: cancel,
	}
}

// PushRun enqueues a captured run. Non-blocking: if the ring is full the
// sample is dropped and onDrop is invoked.
func (r *Ring) PushRun(s manchester.Symbol) {
	if r.closed.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.ch <- s:
	default:
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Next blocks for up to timeout for the next run, or returns ok=false on
// timeout or ring closure/context cancellation.
func (r *Ring) Next(ctx context.Context, timeout time.Duration) (manchester.Symbol, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s, ok := <-r.ch:
		if !ok {
			return manchester.Symbol{}, false
		}
		return s, true
	case <-t.C:
		return manchester.Symbol{}, false
	case <-ctx.Done():
		return manchester.Symbol{}, false
	case <-r.ctx.Done():
		return manchester.Symbol{}, false
	}
}

// Close stops accepting new runs and releases the capture context.
func (r *Ring) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.cancel()
	r.mu.Lock()
	close(r.ch)
	r.mu.Unlock()
}
