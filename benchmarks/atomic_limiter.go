package benchmarks

import "sync/atomic"

// AtomicLimiter is the contention floor for admission: one CAS counter, no
// refill, no routing. Anything the sharded limiter costs beyond this buys
// its time-based semantics.
type AtomicLimiter struct {
	avail atomic.Int64
	cap   int64
}

func NewAtomicLimiter(initial int64) *AtomicLimiter {
	a := &AtomicLimiter{cap: initial}
	a.avail.Store(initial)
	return a
}

func (a *AtomicLimiter) TryConsume(n int64) bool {
	if n <= 0 {
		return false
	}
	for {
		old := a.avail.Load()
		if old < n {
			return false
		}
		if a.avail.CompareAndSwap(old, old-n) {
			return true
		}
	}
}

// Refund returns n credits, clamped to the initial capacity so repeated
// refunds cannot mint budget.
func (a *AtomicLimiter) Refund(n int64) {
	if n <= 0 {
		return
	}
	for {
		old := a.avail.Load()
		next := old + n
		if next > a.cap {
			next = a.cap
		}
		if a.avail.CompareAndSwap(old, next) {
			return
		}
	}
}

func (a *AtomicLimiter) Available() int64 { return a.avail.Load() }
