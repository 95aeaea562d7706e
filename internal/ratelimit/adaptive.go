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

// Adaptive rebalancing: per-shard call counts are sampled each rebalance
// window; when the (max-min)/avg ratio crosses the threshold, one of the two
// route seeds rotates and the window restarts. Existing reservations keep
// their pinned shard and drain there; only new routing sees the new seed.
package ratelimit

import (
	"math"

	"github.com/sirupsen/logrus"

	"vocabforge/internal/telemetry"
)

// maybeRebalance runs the imbalance check when the rebalance interval has
// elapsed. Evaluated on call paths only; exactly one caller wins each
// window via CAS on the window timestamp.
func (l *Limiter) maybeRebalance() {
	if !l.opts.Adaptive || len(l.shards) < 2 {
		return
	}
	now := l.now().UnixNano()
	last := l.lastRebalance.Load()
	if now-last < int64(l.opts.RebalanceInterval) {
		return
	}
	if !l.lastRebalance.CompareAndSwap(last, now) {
		return
	}

	// Drain the window's load counters while reading them.
	var minL, maxL, sum int64
	minL = math.MaxInt64
	for i := range l.counts {
		n := l.counts[i].load.Swap(0)
		sum += n
		if n < minL {
			minL = n
		}
		if n > maxL {
			maxL = n
		}
	}
	if sum == 0 {
		l.imbalance.Store(math.Float64bits(0))
		return
	}
	avg := float64(sum) / float64(len(l.shards))
	ratio := float64(maxL-minL) / avg
	l.imbalance.Store(math.Float64bits(ratio))
	telemetry.SetImbalance(ratio)

	if ratio <= l.opts.RebalanceThreshold {
		return
	}

	// Rotate one seed per event, alternating between the two.
	n := l.rotated.Add(1)
	if n%2 == 1 {
		l.seed1.Store(splitmix64(l.seed1.Load() ^ uint64(now)))
	} else {
		l.seed2.Store(splitmix64(l.seed2.Load() ^ uint64(now)))
	}
	telemetry.ObserveRebalance()
	logrus.WithFields(logrus.Fields{
		"imbalance": ratio,
		"rotation":  n,
	}).Info("rate limiter rotated a route seed")
}

// splitmix64 is the standard 64-bit mixer; good enough to derive fresh
// route seeds from old ones.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
