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

// Aggregation over collected records: per-fingerprint groups, category and
// severity breakdowns, trend buckets, and impact scoring.
package faults

import (
	"sort"
	"sync"
	"time"
)

// retention bounds the trend buckets kept in memory.
const trendRetention = 24 * time.Hour

// affectedCap bounds the distinct-item set tracked per fingerprint.
const affectedCap = 4096

// FingerprintStats is the aggregate for one logical failure.
type FingerprintStats struct {
	Fingerprint string
	Kind        string
	Category    Category
	Severity    Severity
	Count       int64
	// Affected counts distinct "position" context values, approximating how
	// many items the failure touched.
	Affected  int64
	FirstSeen time.Time
	LastSeen  time.Time
	Sample    string
	// Impact = Count * severity weight * max(1, Affected).
	Impact int64
}

// TrendPoint is one bucket of the trend series.
type TrendPoint struct {
	Start time.Time
	Count int64
}

// Report summarizes collected failures over a window.
type Report struct {
	Window       time.Duration
	Total        int64
	ByCategory   map[Category]int64
	BySeverity   map[Severity]int64
	Fingerprints []FingerprintStats
	Trend        []TrendPoint
}

type fingerprintAgg struct {
	stats    FingerprintStats
	affected map[string]struct{}
	events   []time.Time // bounded; trimmed against trendRetention
}

type aggregator struct {
	mu     sync.Mutex
	byFP   map[string]*fingerprintAgg
	minute map[int64]int64 // unix-minute -> count
}

func (a *aggregator) init() {
	a.byFP = make(map[string]*fingerprintAgg)
	a.minute = make(map[int64]int64)
}

func (a *aggregator) observe(e *Error) {
	fp := e.Fingerprint()
	a.mu.Lock()
	defer a.mu.Unlock()

	g := a.byFP[fp]
	if g == nil {
		g = &fingerprintAgg{
			stats: FingerprintStats{
				Fingerprint: fp,
				Kind:        e.Kind,
				Category:    e.Category,
				Severity:    e.Severity,
				FirstSeen:   e.Time,
				Sample:      e.Message,
			},
			affected: make(map[string]struct{}),
		}
		a.byFP[fp] = g
	}
	g.stats.Count++
	g.stats.LastSeen = e.Time
	if e.Severity > g.stats.Severity {
		g.stats.Severity = e.Severity
	}
	if pos, ok := e.Context["position"]; ok && len(g.affected) < affectedCap {
		g.affected[pos] = struct{}{}
	}
	g.events = append(g.events, e.Time)

	min := e.Time.Truncate(time.Minute).Unix()
	a.minute[min]++
	a.pruneLocked(e.Time)
}

func (a *aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-trendRetention).Truncate(time.Minute).Unix()
	for m := range a.minute {
		if m < cutoff {
			delete(a.minute, m)
		}
	}
}

// report builds a snapshot for the trailing window at the given trend
// granularity. topN bounds the fingerprint list; 0 means all.
func (a *aggregator) report(now time.Time, window, granularity time.Duration, topN int) Report {
	if granularity <= 0 {
		granularity = time.Minute
	}
	cutoff := now.Add(-window)

	a.mu.Lock()
	defer a.mu.Unlock()

	r := Report{
		Window:     window,
		ByCategory: make(map[Category]int64),
		BySeverity: make(map[Severity]int64),
	}

	for _, g := range a.byFP {
		// Count only events inside the window; trim the slice as we go so it
		// stays bounded by retention.
		kept := g.events[:0]
		var inWindow int64
		for _, ts := range g.events {
			if now.Sub(ts) <= trendRetention {
				kept = append(kept, ts)
			}
			if ts.After(cutoff) {
				inWindow++
			}
		}
		g.events = kept
		if inWindow == 0 {
			continue
		}
		st := g.stats
		st.Count = inWindow
		st.Affected = int64(len(g.affected))
		affected := st.Affected
		if affected < 1 {
			affected = 1
		}
		st.Impact = st.Count * st.Severity.Weight() * affected
		r.Fingerprints = append(r.Fingerprints, st)
		r.Total += inWindow
		r.ByCategory[st.Category] += inWindow
		r.BySeverity[st.Severity] += inWindow
	}

	sort.Slice(r.Fingerprints, func(i, j int) bool {
		if r.Fingerprints[i].Impact != r.Fingerprints[j].Impact {
			return r.Fingerprints[i].Impact > r.Fingerprints[j].Impact
		}
		return r.Fingerprints[i].Fingerprint < r.Fingerprints[j].Fingerprint
	})
	if topN > 0 && len(r.Fingerprints) > topN {
		r.Fingerprints = r.Fingerprints[:topN]
	}

	// Trend buckets from minute counters, grouped to the granularity. Keys
	// are unix seconds at minute boundaries.
	bucketOf := func(sec int64) int64 {
		step := int64(granularity / time.Minute)
		if step <= 0 {
			step = 1
		}
		return (sec / 60 / step) * step * 60
	}
	buckets := make(map[int64]int64)
	cutoffMin := cutoff.Truncate(time.Minute).Unix()
	for m, n := range a.minute {
		if m >= cutoffMin {
			buckets[bucketOf(m)] += n
		}
	}
	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		r.Trend = append(r.Trend, TrendPoint{Start: time.Unix(k, 0), Count: buckets[k]})
	}
	return r
}

// Analytics produces a report over the trailing window with the given trend
// granularity. topN bounds the fingerprint list; 0 keeps all.
func (c *Collector) Analytics(window, granularity time.Duration, topN int) Report {
	return c.agg.report(time.Now(), window, granularity, topN)
}
