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

// Reservation lifecycle: tokens are debited at reserve time (the balance may
// go negative), the caller executes at or after executeAt, and unexecuted
// reservations are refunded at expiry. A reservation pins the shard it was
// made on so seed rotations never strand it.
package ratelimit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrReservationUnknown means the id was never issued or already used.
	ErrReservationUnknown = errors.New("reservation unknown")
	// ErrReservationNotReady means now < executeAt; the reservation stays
	// valid.
	ErrReservationNotReady = errors.New("reservation not ready")
	// ErrReservationExpired means the execution window lapsed; tokens were
	// refunded.
	ErrReservationExpired = errors.New("reservation expired")
)

// Reservation is a future-token grant. Single use: executing or cancelling
// removes it.
type Reservation struct {
	ID        string
	Key       string
	Count     float64
	ExecuteAt time.Time
	ExpiresAt time.Time
	ShardID   int
}

// Reserve debits count credits on key's primary shard and returns the grant,
// or refuses when the funding wait would exceed maxWait (maxWait < 0 means
// unlimited).
func (l *Limiter) Reserve(key string, count float64, maxWait time.Duration) (Reservation, bool) {
	l.maybeRebalance()
	l.sweepExpired()

	p, _ := l.route(key)
	executeAt, ok := l.shards[p].Reserve(count, maxWait)
	if !ok {
		return Reservation{}, false
	}
	r := Reservation{
		ID:        uuid.NewString(),
		Key:       key,
		Count:     count,
		ExecuteAt: executeAt,
		ExpiresAt: executeAt.Add(l.opts.ReservationGrace),
		ShardID:   p,
	}
	l.reservations.Store(r.ID, r)
	l.resCount.Add(1)
	return r, true
}

// ExecuteReservation consumes the grant. The tokens were debited at reserve
// time, so success returns an allowed decision without touching the bucket.
// Distinct failures: unknown id, not ready yet (grant kept), expired (grant
// removed and refunded).
func (l *Limiter) ExecuteReservation(id string) (Decision, error) {
	v, ok := l.reservations.Load(id)
	if !ok {
		return Decision{}, ErrReservationUnknown
	}
	r := v.(Reservation)
	now := l.now()
	if now.Before(r.ExecuteAt) {
		return Decision{ShardID: r.ShardID}, ErrReservationNotReady
	}
	if now.After(r.ExpiresAt) {
		l.expire(r)
		return Decision{ShardID: r.ShardID}, ErrReservationExpired
	}
	if _, loaded := l.reservations.LoadAndDelete(id); !loaded {
		// Raced with the expiry sweep.
		return Decision{ShardID: r.ShardID}, ErrReservationExpired
	}
	l.resCount.Add(-1)
	l.counts[r.ShardID].admitted.Add(1)
	l.allowed.Add(1)
	return Decision{
		Allowed:   true,
		ShardID:   r.ShardID,
		Remaining: l.shards[r.ShardID].Tokens(),
	}, nil
}

// CancelReservation refunds an unexecuted grant. Returns false for unknown
// or already-consumed ids.
func (l *Limiter) CancelReservation(id string) bool {
	v, loaded := l.reservations.LoadAndDelete(id)
	if !loaded {
		return false
	}
	r := v.(Reservation)
	l.resCount.Add(-1)
	l.shards[r.ShardID].Refund(r.Count)
	return true
}

// expire removes one reservation, refunds its tokens, and notifies the
// expiry hook. Loses the race gracefully when the grant was consumed
// concurrently.
func (l *Limiter) expire(r Reservation) {
	if _, loaded := l.reservations.LoadAndDelete(r.ID); !loaded {
		return
	}
	l.resCount.Add(-1)
	l.shards[r.ShardID].Refund(r.Count)
	if l.opts.OnReservationExpired != nil {
		l.opts.OnReservationExpired(r)
	}
}

// sweepInterval bounds how often call paths scan for expired reservations.
const sweepInterval = time.Second

// sweepExpired lazily reaps lapsed reservations. It runs at most once per
// sweepInterval and only while reservations exist; call paths and Status
// drive it, no background timer.
func (l *Limiter) sweepExpired() {
	if l.resCount.Load() == 0 {
		return
	}
	now := l.now()
	next := l.nextSweep.Load()
	if now.UnixNano() < next {
		return
	}
	if !l.nextSweep.CompareAndSwap(next, now.Add(sweepInterval).UnixNano()) {
		return
	}
	l.reservations.Range(func(_, v any) bool {
		r := v.(Reservation)
		if now.After(r.ExpiresAt) {
			l.expire(r)
		}
		return true
	})
}
