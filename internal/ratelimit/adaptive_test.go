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
	"testing"
	"time"
)

func TestRebalanceRotatesSeedOnSkew(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{
		Rate: 120, Burst: 120, Shards: 2,
		Adaptive:           true,
		RebalanceInterval:  10 * time.Second,
		RebalanceThreshold: 1.5,
		Now:                clk.Now,
	})
	seed1Before := l.seed1.Load()
	seed2Before := l.seed2.Load()

	// Skew the window hard: all load on shard 0. Ratio (100-0)/50 = 2.
	l.counts[0].load.Store(100)
	clk.Advance(11 * time.Second)
	l.TryAcquire("k", 1)

	st := l.Status()
	if st.SeedRotations != 1 {
		t.Fatalf("SeedRotations = %d, want 1", st.SeedRotations)
	}
	if got := st.ImbalanceRatio; got < 1.9 || got > 2.1 {
		t.Errorf("ImbalanceRatio = %v, want ~2.0", got)
	}
	if l.seed1.Load() == seed1Before {
		t.Error("seed1 unchanged after first rotation")
	}
	if l.seed2.Load() != seed2Before {
		t.Error("seed2 changed on first rotation, rotations must alternate")
	}
}

func TestRebalanceAlternatesSeeds(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{
		Rate: 120, Burst: 120, Shards: 2,
		Adaptive:          true,
		RebalanceInterval: time.Second,
		Now:               clk.Now,
	})
	seed2Before := l.seed2.Load()

	for i := 0; i < 2; i++ {
		l.counts[0].load.Store(100)
		clk.Advance(2 * time.Second)
		l.TryAcquire("k", 1)
	}

	if got := l.rotated.Load(); got != 2 {
		t.Fatalf("rotations = %d, want 2", got)
	}
	if l.seed2.Load() == seed2Before {
		t.Error("seed2 unchanged after second rotation")
	}
}

func TestRebalanceBalancedLoadKeepsSeeds(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{
		Rate: 120, Burst: 120, Shards: 2,
		Adaptive:          true,
		RebalanceInterval: time.Second,
		Now:               clk.Now,
	})
	seed1Before := l.seed1.Load()

	l.counts[0].load.Store(50)
	l.counts[1].load.Store(50)
	clk.Advance(2 * time.Second)
	l.TryAcquire("k", 1)

	if got := l.Status().SeedRotations; got != 0 {
		t.Errorf("SeedRotations = %d, want 0 for balanced load", got)
	}
	if l.seed1.Load() != seed1Before {
		t.Error("seed1 changed without a rotation")
	}
	if got := l.Status().ImbalanceRatio; got != 0 {
		t.Errorf("ImbalanceRatio = %v, want 0", got)
	}
}

func TestRebalanceIdleWindowNoRotation(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{
		Rate: 120, Burst: 120, Shards: 2,
		Adaptive:          true,
		RebalanceInterval: time.Second,
		Now:               clk.Now,
	})

	// First call after an idle window: the drained counters are all zero
	// and the check must not divide by the empty sum.
	clk.Advance(5 * time.Second)
	l.TryAcquire("k", 1)
	if got := l.Status().SeedRotations; got != 0 {
		t.Errorf("SeedRotations = %d, want 0 after idle window", got)
	}
}

func TestRebalanceDisabled(t *testing.T) {
	clk := newFakeClock()
	l := New(Options{
		Rate: 120, Burst: 120, Shards: 2,
		Adaptive:          false,
		RebalanceInterval: time.Second,
		Now:               clk.Now,
	})
	seed1Before := l.seed1.Load()

	l.counts[0].load.Store(1000)
	clk.Advance(5 * time.Second)
	l.TryAcquire("k", 1)

	if l.seed1.Load() != seed1Before {
		t.Error("seed rotated with Adaptive disabled")
	}
}

func TestSplitmix64Spread(t *testing.T) {
	// Sanity: consecutive inputs must not collide or return identity.
	seen := map[uint64]bool{}
	for i := uint64(0); i < 64; i++ {
		out := splitmix64(i)
		if out == i {
			t.Errorf("splitmix64(%d) returned its input", i)
		}
		if seen[out] {
			t.Errorf("splitmix64 collision at input %d", i)
		}
		seen[out] = true
	}
}
