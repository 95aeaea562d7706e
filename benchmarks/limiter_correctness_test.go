package benchmarks

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vocabforge/internal/ratelimit"
	"vocabforge/pkg/tokenbucket"
)

func TestNoOverAdmission(t *testing.T) {
	l := ratelimit.New(ratelimit.Options{Rate: 100, Period: time.Hour, Burst: 100, Shards: 4})
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 800; i++ {
				if l.TryAcquire(fmt.Sprintf("k-%d-%d", w, i), 1).Allowed {
					admitted.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	if got := admitted.Load(); got != 100 {
		t.Fatalf("admitted %d of a 100-credit budget", got)
	}
	if st := l.Status(); st.Allowed != 100 {
		t.Fatalf("status reports %d allowed, counted 100", st.Allowed)
	}
}

func TestHotKeyBoundedByTwoShards(t *testing.T) {
	l := ratelimit.New(ratelimit.Options{Rate: 100, Period: time.Hour, Burst: 100, Shards: 4})
	n := 0
	for i := 0; i < 400; i++ {
		if l.TryAcquire("하다", 1).Allowed {
			n++
		}
	}
	// One key sees its primary and secondary shard only, 25 credits each.
	if n != 50 {
		t.Fatalf("one key drained %d credits, want its two shard slices (50)", n)
	}
}

func TestBucketRefundClamped(t *testing.T) {
	b := tokenbucket.New(100, 0) // no refill, the arithmetic stands still
	ok, rem := b.TryConsume(30)
	if !ok {
		t.Fatal("consume should succeed")
	}
	if rem != 70 {
		t.Fatalf("balance=70, got %v", rem)
	}
	b.Refund(50)
	if got := b.Tokens(); got != 100 {
		t.Fatalf("balance clamps to 100, got %v", got)
	}
	if ok, _ := b.TryConsume(200); ok {
		t.Fatal("should not oversubscribe")
	}
}

func TestBucketReserveDebitsUntilRefunded(t *testing.T) {
	b := tokenbucket.New(100, 0)
	at, ok := b.Reserve(40, -1)
	if !ok {
		t.Fatal("reservation expected")
	}
	if at.After(time.Now().Add(time.Second)) {
		t.Fatalf("a fully funded reservation executes immediately, got %v", at)
	}
	if got := b.Tokens(); got != 60 {
		t.Fatalf("balance=60 while reserved, got %v", got)
	}
	b.Refund(40)
	if got := b.Tokens(); got != 100 {
		t.Fatalf("balance back to 100, got %v", got)
	}
	if _, ok := b.Reserve(200, -1); ok {
		t.Fatal("larger than capacity can never be funded")
	}
}

func TestAtomicLimiterRefundClamped(t *testing.T) {
	a := NewAtomicLimiter(100)
	if !a.TryConsume(30) {
		t.Fatal("consume should succeed")
	}
	a.Refund(50)
	if got := a.Available(); got != 100 {
		t.Fatalf("available clamps to 100, got %d", got)
	}
}
