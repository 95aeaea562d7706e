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

// Package ratelimit distributes an aggregate token budget across independent
// bucket shards so no single lock serializes admission. Keys route to a
// primary and a secondary shard via two seeded hashes; refusal at the primary
// falls through to the secondary, which bounds worst-case load imbalance.
package ratelimit

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"vocabforge/internal/telemetry"
	"vocabforge/pkg/tokenbucket"
)

// Decision is the result of one admission attempt. A refusal with
// RetryAfter > 0 will become fundable once that much time has passed;
// RetryAfter == 0 on a refusal means no amount of waiting can fund it
// (request larger than shard capacity).
type Decision struct {
	Allowed    bool
	ShardID    int
	Remaining  float64
	RetryAfter time.Duration
}

// Options configures a Limiter. Zero values take defaults.
type Options struct {
	// Rate is the aggregate admission budget per Period.
	Rate int
	// Period defaults to one minute.
	Period time.Duration
	// Burst is the aggregate capacity across shards. Defaults to Rate.
	Burst int
	// MaxShards caps the derived shard count. Defaults to 32.
	MaxShards int
	// Shards overrides derivation with an explicit count (tests, tuning).
	Shards int
	// MaxWait bounds the blocking window of Acquire. Defaults to 10s.
	MaxWait time.Duration
	// Adaptive enables seed rotation when shard load skews.
	Adaptive bool
	// RebalanceInterval is how often the imbalance check may run; it is
	// evaluated on call paths, never on a timer. Defaults to 30s.
	RebalanceInterval time.Duration
	// RebalanceThreshold is the (max-min)/avg load ratio that triggers a
	// seed rotation. Defaults to 1.5.
	RebalanceThreshold float64
	// ReservationGrace is added to executeAt to form a reservation's expiry.
	// Defaults to 30s.
	ReservationGrace time.Duration
	// OnReservationExpired fires for reservations that lapse unexecuted,
	// after their tokens are refunded.
	OnReservationExpired func(r Reservation)
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.Period <= 0 {
		o.Period = time.Minute
	}
	if o.Burst <= 0 {
		o.Burst = o.Rate
	}
	if o.MaxShards <= 0 {
		o.MaxShards = 32
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 10 * time.Second
	}
	if o.RebalanceInterval <= 0 {
		o.RebalanceInterval = 30 * time.Second
	}
	if o.RebalanceThreshold <= 0 {
		o.RebalanceThreshold = 1.5
	}
	if o.ReservationGrace <= 0 {
		o.ReservationGrace = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// shardCounters carries per-shard admission tallies. loads reset at each
// rebalance window; admitted/refused are cumulative for status and audit.
type shardCounters struct {
	load     atomic.Int64
	admitted atomic.Int64
	refused  atomic.Int64
}

// Limiter is the sharded rate limiter. All methods are safe for concurrent
// use. No method holds more than one shard lock at a time.
type Limiter struct {
	opts    Options
	shards  []*tokenbucket.Bucket
	counts  []shardCounters
	seed1   atomic.Uint64
	seed2   atomic.Uint64
	rotated atomic.Int64

	allowed atomic.Int64
	refused atomic.Int64

	reservations sync.Map // id -> *reservation
	resCount     atomic.Int64
	nextSweep    atomic.Int64 // unix nanos

	lastRebalance atomic.Int64  // unix nanos
	imbalance     atomic.Uint64 // float64 bits of last computed ratio

	now func() time.Time
}

// New builds a limiter. Shard count derivation: next power of two of
// ceil(log2(Rate/100)), clamped to [1, 32] and then to MaxShards. Capacity
// and refill rate split across shards with the integer remainder given to
// the first shards, conserving the aggregate budget exactly.
func New(opts Options) *Limiter {
	opts.withDefaults()
	s := opts.Shards
	if s <= 0 {
		s = deriveShardCount(opts.Rate, opts.MaxShards)
	}
	l := &Limiter{
		opts:   opts,
		shards: make([]*tokenbucket.Bucket, s),
		counts: make([]shardCounters, s),
		now:    opts.Now,
	}
	l.seed1.Store(0x9e3779b97f4a7c15)
	l.seed2.Store(0xc2b2ae3d27d4eb4f)
	periodSec := opts.Period.Seconds()
	for i := 0; i < s; i++ {
		capacity := splitUnit(opts.Burst, s, i)
		ratePerPeriod := splitUnit(opts.Rate, s, i)
		l.shards[i] = tokenbucket.NewWithOptions(
			float64(capacity),
			float64(ratePerPeriod)/periodSec,
			tokenbucket.Options{Now: l.now, InitialTokens: -1},
		)
	}
	l.lastRebalance.Store(l.now().UnixNano())
	return l
}

// deriveShardCount implements the shard-count rule. A rate at or below 100
// runs single-shard.
func deriveShardCount(rate, maxShards int) int {
	desired := 1
	if rate > 100 {
		desired = int(math.Ceil(math.Log2(float64(rate) / 100)))
	}
	s := nextPow2(desired)
	if s < 1 {
		s = 1
	}
	if s > 32 {
		s = 32
	}
	if s > maxShards {
		s = maxShards
	}
	return s
}

// splitUnit gives shard i its slice of total units: total/n each, with the
// remainder spread over the first total%n shards.
func splitUnit(total, n, i int) int {
	base := total / n
	if i < total%n {
		base++
	}
	return base
}

// TryAcquire attempts a non-blocking admission of count credits for key:
// primary shard first, secondary on refusal.
func (l *Limiter) TryAcquire(key string, count float64) Decision {
	l.maybeRebalance()
	l.sweepExpired()

	p, sec := l.route(key)
	l.counts[p].load.Add(1)
	if ok, rem := l.shards[p].TryConsume(count); ok {
		l.counts[p].admitted.Add(1)
		l.allowed.Add(1)
		return Decision{Allowed: true, ShardID: p, Remaining: rem}
	}
	if sec != p {
		l.counts[sec].load.Add(1)
		if ok, rem := l.shards[sec].TryConsume(count); ok {
			l.counts[sec].admitted.Add(1)
			l.allowed.Add(1)
			return Decision{Allowed: true, ShardID: sec, Remaining: rem}
		}
		l.counts[sec].refused.Add(1)
	}
	l.counts[p].refused.Add(1)
	l.refused.Add(1)
	telemetry.ObserveRateDenial()

	d := Decision{Allowed: false, ShardID: p}
	d.Remaining = l.shards[p].Tokens()
	d.RetryAfter = l.earliestFunding(p, sec, count)
	return d
}

// Acquire blocks up to MaxWait for count credits, sleeping the refusal's
// RetryAfter between attempts. Context cancellation aborts the wait.
func (l *Limiter) Acquire(ctx context.Context, key string, count float64) (Decision, error) {
	deadline := l.now().Add(l.opts.MaxWait)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		d := l.TryAcquire(key, count)
		if d.Allowed {
			return d, nil
		}
		if d.RetryAfter <= 0 {
			// Never fundable at this size.
			return d, nil
		}
		wait := d.RetryAfter
		if remaining := deadline.Sub(l.now()); remaining <= 0 {
			return d, nil
		} else if wait > remaining {
			return d, nil // waiting out the hint would blow the budget
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-timer.C:
		}
	}
}

// earliestFunding returns the shortest wait after which either choice could
// fund count, or 0 when neither ever can.
func (l *Limiter) earliestFunding(p, sec int, count float64) time.Duration {
	best := time.Duration(-1)
	for _, id := range []int{p, sec} {
		st := l.shards[id].State()
		if count > st.Capacity || st.RatePerSec <= 0 {
			continue
		}
		deficit := count - st.Tokens
		var w time.Duration
		if deficit > 0 {
			w = time.Duration(deficit / st.RatePerSec * float64(time.Second))
		}
		if w <= 0 {
			w = time.Millisecond // racing refill; retry almost immediately
		}
		if best < 0 || w < best {
			best = w
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// route computes the two shard choices for key under the current seeds.
// With more than one shard the secondary is forced distinct from the
// primary.
func (l *Limiter) route(key string) (primary, secondary int) {
	s := len(l.shards)
	primary = int(hashSeeded(l.seed1.Load(), key) % uint64(s))
	secondary = int(hashSeeded(l.seed2.Load(), key) % uint64(s))
	if secondary == primary && s > 1 {
		secondary = (secondary + 1) % s
	}
	return primary, secondary
}

// ShardCount returns the number of shards.
func (l *Limiter) ShardCount() int { return len(l.shards) }

// Reset restores every shard to full capacity, clears counters, and drops
// all reservations without refunds (the buckets are full again anyway).
func (l *Limiter) Reset() {
	for i := range l.shards {
		l.shards[i].Reset()
		l.counts[i].load.Store(0)
		l.counts[i].admitted.Store(0)
		l.counts[i].refused.Store(0)
	}
	l.allowed.Store(0)
	l.refused.Store(0)
	l.reservations.Range(func(k, _ any) bool {
		l.reservations.Delete(k)
		l.resCount.Add(-1)
		return true
	})
}

// ShardStatus is one shard's view within Status.
type ShardStatus struct {
	ID         int     `json:"id"`
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RatePerSec float64 `json:"rate_per_sec"`
	Load       int64   `json:"load"`
	Admitted   int64   `json:"admitted"`
	Refused    int64   `json:"refused"`
}

// Status is a point-in-time snapshot of the limiter.
type Status struct {
	Rate           int           `json:"rate"`
	Period         time.Duration `json:"period"`
	Shards         []ShardStatus `json:"shards"`
	Allowed        int64         `json:"allowed"`
	Refused        int64         `json:"refused"`
	Reservations   int64         `json:"reservations"`
	ImbalanceRatio float64       `json:"imbalance_ratio"`
	SeedRotations  int64         `json:"seed_rotations"`
}

// Status reports aggregate and per-shard state.
func (l *Limiter) Status() Status {
	l.sweepExpired()
	st := Status{
		Rate:           l.opts.Rate,
		Period:         l.opts.Period,
		Allowed:        l.allowed.Load(),
		Refused:        l.refused.Load(),
		Reservations:   l.resCount.Load(),
		ImbalanceRatio: math.Float64frombits(l.imbalance.Load()),
		SeedRotations:  l.rotated.Load(),
	}
	for i := range l.shards {
		b := l.shards[i].State()
		st.Shards = append(st.Shards, ShardStatus{
			ID:         i,
			Tokens:     b.Tokens,
			Capacity:   b.Capacity,
			RatePerSec: b.RatePerSec,
			Load:       l.counts[i].load.Load(),
			Admitted:   l.counts[i].admitted.Load(),
			Refused:    l.counts[i].refused.Load(),
		})
	}
	return st
}

// hashSeeded returns a 64-bit FNV-1a hash of the seed bytes followed by key.
func hashSeeded(seed uint64, key string) uint64 {
	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	h.Write(b[:])
	h.Write([]byte(key))
	return h.Sum64()
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return x + 1
}
