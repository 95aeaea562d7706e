// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by the limiter and its
// shard buckets.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDeriveShardCount(t *testing.T) {
	tests := []struct {
		rate      int
		maxShards int
		want      int
	}{
		{rate: 1, maxShards: 32, want: 1},
		{rate: 100, maxShards: 32, want: 1},
		{rate: 101, maxShards: 32, want: 1},
		{rate: 400, maxShards: 32, want: 2},
		{rate: 800, maxShards: 32, want: 4},
		{rate: 6400, maxShards: 32, want: 8},
		{rate: 1 << 30, maxShards: 32, want: 32},
		{rate: 6400, maxShards: 4, want: 4},
	}
	for _, tt := range tests {
		if got := deriveShardCount(tt.rate, tt.maxShards); got != tt.want {
			t.Errorf("deriveShardCount(%d, %d) = %d, want %d", tt.rate, tt.maxShards, got, tt.want)
		}
	}
}

func TestSplitConservesBudget(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 60, Burst: 5, Shards: 2, Now: clk.Now})

	var capSum, rateSum float64
	for _, sh := range l.Status().Shards {
		capSum += sh.Capacity
		rateSum += sh.RatePerSec
	}
	if capSum != 5 {
		t.Errorf("capacity sum = %v, want 5", capSum)
	}
	if want := 60.0 / 60.0; rateSum < want-1e-9 || rateSum > want+1e-9 {
		t.Errorf("rate sum = %v, want %v", rateSum, want)
	}
}

func TestBurstThenSteadyRefill(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 60, Burst: 5, Shards: 2, Now: clk.Now})

	// The two-choice route lets one key drain both shards: the full burst
	// of 5 admits even though no single shard holds 5 tokens.
	for i := 0; i < 5; i++ {
		if d := l.TryAcquire("learner", 1); !d.Allowed {
			t.Fatalf("admission %d refused, want allowed", i+1)
		}
	}
	d := l.TryAcquire("learner", 1)
	if d.Allowed {
		t.Fatal("6th admission allowed, want refused")
	}
	// Each shard refills at 0.5 tokens/s, so a whole token needs 2s.
	if d.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", d.RetryAfter)
	}

	clk.Advance(time.Second)
	if d := l.TryAcquire("learner", 1); d.Allowed {
		t.Error("admission at +1s allowed, want refused (half a token per shard)")
	}
	clk.Advance(time.Second)
	if d := l.TryAcquire("learner", 1); !d.Allowed {
		t.Error("admission at +2s refused, want allowed")
	}
}

func TestLowRateBoundary(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 1, Period: time.Minute, Now: clk.Now})
	if got := l.ShardCount(); got != 1 {
		t.Fatalf("ShardCount() = %d, want 1", got)
	}

	if d := l.TryAcquire("k", 1); !d.Allowed {
		t.Fatal("first admission refused, want allowed")
	}
	d := l.TryAcquire("k", 1)
	if d.Allowed {
		t.Fatal("second admission allowed, want refused")
	}
	if d.RetryAfter < 59*time.Second || d.RetryAfter > 61*time.Second {
		t.Errorf("RetryAfter = %v, want ~60s", d.RetryAfter)
	}

	clk.Advance(59 * time.Second)
	if d := l.TryAcquire("k", 1); d.Allowed {
		t.Error("admission at +59s allowed, want refused")
	}
	clk.Advance(2 * time.Second)
	if d := l.TryAcquire("k", 1); !d.Allowed {
		t.Error("admission at +61s refused, want allowed")
	}
}

func TestOversizedRequestNeverFundable(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 60, Burst: 5, Shards: 1, Now: clk.Now})

	d := l.TryAcquire("k", 10)
	if d.Allowed {
		t.Fatal("oversized request allowed, want refused")
	}
	if d.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 (never fundable)", d.RetryAfter)
	}

	// Acquire must not spin on a hopeless request.
	got, err := l.Acquire(context.Background(), "k", 10)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got.Allowed {
		t.Error("Acquire() allowed oversized request")
	}
}

func TestAcquireBlocksUntilFunded(t *testing.T) {
	l := New(Options{Rate: 200, Period: time.Second, Burst: 1, Shards: 1})
	if d := l.TryAcquire("k", 1); !d.Allowed {
		t.Fatal("burst admission refused")
	}

	start := time.Now()
	d, err := l.Acquire(context.Background(), "k", 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("Acquire() refused, want allowed after refill")
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Errorf("Acquire() returned after %v, expected a refill wait", elapsed)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	l := New(Options{Rate: 2, Period: time.Second, Burst: 1, Shards: 1, MaxWait: 10 * time.Second})
	if d := l.TryAcquire("k", 1); !d.Allowed {
		t.Fatal("burst admission refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	d, err := l.Acquire(ctx, "k", 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
	if d.Allowed {
		t.Error("cancelled Acquire() reported allowed")
	}
}

func TestAcquireHonorsMaxWait(t *testing.T) {
	l := New(Options{Rate: 1, Period: time.Minute, MaxWait: 50 * time.Millisecond})
	if d := l.TryAcquire("k", 1); !d.Allowed {
		t.Fatal("burst admission refused")
	}

	start := time.Now()
	d, err := l.Acquire(context.Background(), "k", 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if d.Allowed {
		t.Error("Acquire() allowed, want refusal (funding wait exceeds MaxWait)")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Acquire() blocked %v despite 50ms budget", elapsed)
	}
	if d.RetryAfter <= 0 {
		t.Error("refusal should carry a funding hint")
	}
}

func TestRouteSecondaryDistinct(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 60, Burst: 8, Shards: 4, Now: clk.Now})
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, k := range keys {
		p, sec := l.route(k)
		if p == sec {
			t.Errorf("route(%q) primary == secondary == %d", k, p)
		}
		p2, sec2 := l.route(k)
		if p2 != p || sec2 != sec {
			t.Errorf("route(%q) unstable: (%d,%d) then (%d,%d)", k, p, sec, p2, sec2)
		}
	}
}

func TestConcurrentBudgetConserved(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 100, Period: time.Hour, Burst: 100, Shards: 4, Now: clk.Now})

	const goroutines = 8
	const perG = 50
	var wg sync.WaitGroup
	admits := make([]int64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			keys := []string{"a", "b", "c", "d", "e", "f"}
			for i := 0; i < perG; i++ {
				if d := l.TryAcquire(keys[(g+i)%len(keys)], 1); d.Allowed {
					admits[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	var total int64
	for _, n := range admits {
		total += n
	}
	if total > 100 {
		t.Errorf("admitted %d requests, budget is 100", total)
	}
	st := l.Status()
	if st.Allowed != total {
		t.Errorf("Status().Allowed = %d, want %d", st.Allowed, total)
	}
	var shardAdmits int64
	for _, sh := range st.Shards {
		shardAdmits += sh.Admitted
		if sh.Tokens < 0 {
			t.Errorf("shard %d balance %v below zero", sh.ID, sh.Tokens)
		}
	}
	if shardAdmits != total {
		t.Errorf("per-shard admits sum = %d, want %d", shardAdmits, total)
	}
}

func TestResetRestoresFullBurst(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{Rate: 60, Burst: 4, Shards: 2, Now: clk.Now})
	for i := 0; i < 4; i++ {
		l.TryAcquire("k", 1)
	}
	if d := l.TryAcquire("k", 1); d.Allowed {
		t.Fatal("burst not exhausted before reset")
	}

	l.Reset()
	st := l.Status()
	if st.Allowed != 0 || st.Refused != 0 {
		t.Errorf("counters after reset = %d/%d, want 0/0", st.Allowed, st.Refused)
	}
	for i := 0; i < 4; i++ {
		if d := l.TryAcquire("k", 1); !d.Allowed {
			t.Fatalf("post-reset admission %d refused", i+1)
		}
	}
}
