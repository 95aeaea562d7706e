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

// Package tokenbucket provides a thread-safe token bucket with lazy refill.
// Tokens accrue as a function of elapsed time at observation points; no
// background timer runs. Fractional tokens are kept so low rates (e.g. a
// shard of a split budget) accumulate correctly between observations.
package tokenbucket

import (
	"sync"
	"time"
)

// Bucket is a single token bucket. All observation and mutation happens under
// one small mutex; refill is computed from the monotonic clock on entry, so
// the bucket is exact regardless of how long it sat idle.
type Bucket struct {
	mu sync.Mutex

	// capacity is the burst ceiling; tokens never exceeds it.
	capacity float64
	// tokens is the current balance. Reservations may drive it negative;
	// TryConsume never does.
	tokens float64
	// ratePerSec is the refill rate. Zero or negative means no refill.
	ratePerSec float64
	// last is the instant of the previous refill observation.
	last time.Time

	now func() time.Time
}

// Snapshot is a point-in-time view of a bucket, taken after a refill
// observation.
type Snapshot struct {
	Capacity   float64
	Tokens     float64
	RatePerSec float64
	LastRefill time.Time
}

// Options configures Bucket construction.
type Options struct {
	// Now overrides the clock source. Nil uses time.Now. Tests use this to
	// step time deterministically.
	Now func() time.Time

	// InitialTokens sets the starting balance. Negative means "start full".
	InitialTokens float64
}

// New creates a full bucket with the given capacity and refill rate.
func New(capacity, ratePerSec float64) *Bucket {
	return NewWithOptions(capacity, ratePerSec, Options{InitialTokens: -1})
}

// NewWithOptions creates a bucket with explicit options.
func NewWithOptions(capacity, ratePerSec float64, opts Options) *Bucket {
	if capacity < 0 {
		capacity = 0
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	tokens := opts.InitialTokens
	if tokens < 0 || tokens > capacity {
		tokens = capacity
	}
	return &Bucket{
		capacity:   capacity,
		tokens:     tokens,
		ratePerSec: ratePerSec,
		last:       nowFn(),
		now:        nowFn,
	}
}

// TryConsume atomically checks whether at least n tokens are available after
// refill and, if so, debits them. It returns the decision and the balance
// after the call. Requests with n <= 0 are admitted without debiting.
// Requests with n > capacity can never succeed.
func (b *Bucket) TryConsume(n float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if n <= 0 {
		return true, b.tokens
	}
	if b.tokens < n {
		return false, b.tokens
	}
	b.tokens -= n
	return true, b.tokens
}

// Reserve debits n tokens immediately, allowing the balance to go negative,
// and returns the earliest instant the caller may execute:
//
//	executeAt = now + max(0, (n - tokens) / ratePerSec)
//
// If the wait would exceed maxWait the reservation is refused and nothing is
// debited. maxWait < 0 means no wait limit. A request larger than capacity is
// always refused: the balance can never accumulate that far.
func (b *Bucket) Reserve(n float64, maxWait time.Duration) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	now := b.last
	if n <= 0 {
		return now, true
	}
	if n > b.capacity {
		return time.Time{}, false
	}
	var wait time.Duration
	if deficit := n - b.tokens; deficit > 0 {
		if b.ratePerSec <= 0 {
			return time.Time{}, false
		}
		wait = time.Duration(deficit / b.ratePerSec * float64(time.Second))
	}
	if maxWait >= 0 && wait > maxWait {
		return time.Time{}, false
	}
	b.tokens -= n
	return now.Add(wait), true
}

// Refund returns n tokens to the bucket, clamped to capacity. It undoes a
// reservation that will not execute.
func (b *Bucket) Refund(n float64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Tokens observes the bucket (triggering a refill) and returns the balance.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// State returns a snapshot taken after a refill observation.
func (b *Bucket) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return Snapshot{
		Capacity:   b.capacity,
		Tokens:     b.tokens,
		RatePerSec: b.ratePerSec,
		LastRefill: b.last,
	}
}

// Reset restores a full balance and restarts the refill clock.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.last = b.now()
}

// refillLocked advances the balance by elapsed time since the previous
// observation: tokens = min(capacity, tokens + elapsed * ratePerSec).
// A non-positive elapsed (clock anomaly) leaves the balance untouched.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	if b.ratePerSec <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
