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

package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vocabforge/benchmarks"
	"vocabforge/internal/ratelimit"
	"vocabforge/pkg/tokenbucket"
)

type variantType string

const (
	variantSharded variantType = "sharded"
	variantSingle  variantType = "single"
	variantBucket  variantType = "bucket"
	variantAtomic  variantType = "atomic"
)

// unlimited stands in for "never run out" when no -rate is given, so the
// harness measures pure admission overhead instead of refusal behavior.
const unlimited = 1 << 60

type metrics struct {
	latencies []time.Duration
	longOps   int64 // ops slower than 5x median
}

// ---- Gates (hot path) implement the same interface ----

type gate interface {
	admit(key string, cost float64) bool
}

// shardedGate runs the full limiter path: two-choice routing, rebalance
// check, per-shard bucket consume. The single variant is the same code with
// one shard, which is what makes the A/B an apples-to-apples sharding test.
type shardedGate struct{ l *ratelimit.Limiter }

func newShardedGate(rate, burst, shards int, period time.Duration) *shardedGate {
	return &shardedGate{l: ratelimit.New(ratelimit.Options{
		Rate:   rate,
		Period: period,
		Burst:  burst,
		Shards: shards,
	})}
}

func (g *shardedGate) admit(key string, cost float64) bool {
	return g.l.TryAcquire(key, cost).Allowed
}

// bucketGate is one bucket for the whole budget: the leaf primitive without
// any routing above it. Key traffic is irrelevant; every op takes the same
// mutex.
type bucketGate struct{ b *tokenbucket.Bucket }

func newBucketGate(rate, burst int, period time.Duration) *bucketGate {
	return &bucketGate{b: tokenbucket.New(float64(burst), float64(rate)/period.Seconds())}
}

func (g *bucketGate) admit(_ string, cost float64) bool {
	ok, _ := g.b.TryConsume(cost)
	return ok
}

// atomicGate is the CAS floor. It has no refill; the budget is a fixed
// allowance that only drains.
type atomicGate struct{ a *benchmarks.AtomicLimiter }

func newAtomicGate(burst int) *atomicGate {
	return &atomicGate{a: benchmarks.NewAtomicLimiter(int64(burst))}
}

func (g *atomicGate) admit(_ string, cost float64) bool {
	return g.a.TryConsume(int64(cost))
}

// ---- Runner ----

func main() {
	var (
		variantStr = flag.String("variant", "sharded", "sharded|single|bucket|atomic")
		opCount    = flag.Int("ops", 200_000, "total operations across all goroutines")
		workers    = flag.Int("goroutines", 32, "concurrent workers")
		keysN      = flag.Int("keys", 4096, "number of distinct admission keys")
		zipfS      = flag.Float64("zipf", 0, "Zipf skew exponent (>1); 0 = uniform key traffic")
		maxCost    = flag.Int("max_cost", 1, "per-op credit cost drawn uniformly from [1,max_cost]")
		seed       = flag.Int64("seed", 1, "PRNG seed")

		// Budget
		rateFlag  = flag.Int("rate", 0, "admission budget per period; 0 = effectively unlimited")
		period    = flag.Duration("period", time.Second, "refill period")
		burstFlag = flag.Int("burst", 0, "aggregate capacity; 0 = rate")
		shards    = flag.Int("shards", 0, "shard count for the sharded variant; 0 = derive from rate")

		// Harness
		pprofOn       = flag.Bool("pprof", false, "enable pprof on localhost:6060")
		sampleEvery   = flag.Int("sample_every", 1, "record latency every N ops (1=all)")
		maxLatSamples = flag.Int("max_latency_samples", 200000, "cap on stored latency samples to bound memory; downsample if exceeded")
		duration      = flag.Duration("duration", 0, "run for this duration instead of a fixed -ops (0 to disable)")
	)
	flag.Parse()

	if *pprofOn {
		go func() { _ = http.ListenAndServe("localhost:6060", nil) }()
	}

	v := variantType(strings.ToLower(*variantStr))
	if v != variantSharded && v != variantSingle && v != variantBucket && v != variantAtomic {
		fmt.Println("-variant must be one of: sharded|single|bucket|atomic")
		os.Exit(2)
	}
	if *zipfS != 0 && *zipfS <= 1 {
		fmt.Println("-zipf must be > 1, or 0 for uniform traffic")
		os.Exit(2)
	}
	if *maxCost < 1 {
		fmt.Println("-max_cost must be >= 1")
		os.Exit(2)
	}
	if *keysN < 1 {
		fmt.Println("-keys must be >= 1")
		os.Exit(2)
	}

	rate := *rateFlag
	if rate <= 0 {
		rate = unlimited
	}
	burst := *burstFlag
	if burst <= 0 {
		burst = rate
	}

	keys := make([]string, *keysN)
	for i := 0; i < *keysN; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	var gt gate
	switch v {
	case variantSharded:
		gt = newShardedGate(rate, burst, *shards, *period)
	case variantSingle:
		gt = newShardedGate(rate, burst, 1, *period)
	case variantBucket:
		gt = newBucketGate(rate, burst, *period)
	case variantAtomic:
		gt = newAtomicGate(burst)
	}
	shardCount := 1
	if sg, ok := gt.(*shardedGate); ok {
		shardCount = sg.l.ShardCount()
	}

	// Pre-generate ops to avoid per-op RNG and allocations
	m := &metrics{latencies: make([]time.Duration, 0, *opCount)}
	opsPerWorker := *opCount / *workers
	if *duration > 0 {
		// For duration-based runs, pre-generate a small fixed slice and cycle over it
		opsPerWorker = 8192
	}
	opsKeys := make([][]string, *workers)
	opsCost := make([][]float64, *workers)
	for g := 0; g < *workers; g++ {
		rnd := rand.New(rand.NewSource(*seed + int64(g)*7919))
		var z *rand.Zipf
		if *zipfS > 1 && *keysN > 1 {
			z = rand.NewZipf(rnd, *zipfS, 1, uint64(*keysN-1))
		}
		ks := make([]string, opsPerWorker)
		cs := make([]float64, opsPerWorker)
		for i := 0; i < opsPerWorker; i++ {
			if z != nil {
				ks[i] = keys[int(z.Uint64())]
			} else {
				ks[i] = keys[rnd.Intn(len(keys))]
			}
			cs[i] = float64(1 + rnd.Intn(*maxCost))
		}
		opsKeys[g] = ks
		opsCost[g] = cs
	}

	// Run workers
	var wg sync.WaitGroup
	wg.Add(*workers)
	start := time.Now()
	// Duration-based mode if -duration > 0
	durationMode := *duration > 0
	deadline := time.Time{}
	if durationMode {
		deadline = start.Add(*duration)
	}
	var opsDone atomic.Int64
	var admitted atomic.Int64
	var refused atomic.Int64

	recordLatency := *maxLatSamples != 0

	latSlices := make([][]time.Duration, *workers)
	// Cap per-worker latency storage in duration mode using reservoir sampling
	capPerWorker := 0
	if recordLatency && *maxLatSamples > 0 {
		capPerWorker = *maxLatSamples / *workers
		if capPerWorker < 1 {
			capPerWorker = 1
		}
	}
	for g := 0; g < *workers; g++ {
		go func(id int) {
			defer wg.Done()
			ks := opsKeys[id]
			cs := opsCost[id]
			// preallocate sampled latencies for this worker if recording is enabled
			sample := *sampleEvery
			if sample <= 0 {
				sample = 1
			}
			var loc []time.Duration
			if recordLatency {
				if durationMode && capPerWorker > 0 {
					loc = make([]time.Duration, 0, capPerWorker)
				} else {
					loc = make([]time.Duration, 0, (len(ks)+sample-1)/sample)
				}
			}
			// rng for reservoir sampling
			var rndLoc *rand.Rand
			if durationMode && recordLatency && capPerWorker > 0 {
				rndLoc = rand.New(rand.NewSource(*seed + int64(id) + 12345))
			}
			totalSeen := 0
			if durationMode {
				// Run until deadline; cycle over pre-generated ops to avoid allocs
				for i := 0; ; i++ {
					if time.Now().After(deadline) {
						break
					}
					idx := i % len(ks)
					var ok bool
					if recordLatency && (sample == 1 || (i%sample) == 0) {
						t0 := time.Now()
						ok = gt.admit(ks[idx], cs[idx])
						d := time.Since(t0)
						if capPerWorker > 0 {
							totalSeen++
							if totalSeen <= capPerWorker {
								loc = append(loc, d)
							} else {
								j := rndLoc.Intn(totalSeen)
								if j < capPerWorker {
									loc[j] = d
								}
							}
						} else {
							loc = append(loc, d)
						}
					} else {
						ok = gt.admit(ks[idx], cs[idx])
					}
					if ok {
						admitted.Add(1)
					} else {
						refused.Add(1)
					}
					opsDone.Add(1)
				}
			} else {
				for i := 0; i < len(ks); i++ {
					var ok bool
					if recordLatency && (sample == 1 || (i%sample) == 0) {
						t0 := time.Now()
						ok = gt.admit(ks[i], cs[i])
						loc = append(loc, time.Since(t0))
					} else {
						ok = gt.admit(ks[i], cs[i])
					}
					if ok {
						admitted.Add(1)
					} else {
						refused.Add(1)
					}
					opsDone.Add(1)
				}
			}
			latSlices[id] = loc
		}(g)
	}
	wg.Wait()

	// Merge sampled latencies
	for i, ls := range latSlices {
		m.latencies = append(m.latencies, ls...)
		latSlices[i] = nil // free per-worker slice
	}
	// Downsample if exceeding cap to bound memory
	if *maxLatSamples > 0 && len(m.latencies) > *maxLatSamples {
		capN := *maxLatSamples
		reduced := make([]time.Duration, capN)
		step := float64(len(m.latencies)) / float64(capN)
		for j := 0; j < capN; j++ {
			idx := int(float64(j) * step)
			if idx >= len(m.latencies) {
				idx = len(m.latencies) - 1
			}
			reduced[j] = m.latencies[idx]
		}
		m.latencies = reduced
	}
	// Free pre-generated ops to reduce live memory footprint before stats
	opsKeys = nil
	opsCost = nil

	runDur := time.Since(start)

	// stats
	// Sort latencies once to compute quantiles without extra allocations
	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	idx50 := (len(m.latencies) - 1) * 50 / 100
	idx95 := (len(m.latencies) - 1) * 95 / 100
	idx99 := (len(m.latencies) - 1) * 99 / 100
	p50 := time.Duration(0)
	p95 := time.Duration(0)
	p99 := time.Duration(0)
	if len(m.latencies) > 0 {
		p50 = m.latencies[idx50]
		p95 = m.latencies[idx95]
		p99 = m.latencies[idx99]
	}
	med := p50
	thr := 5 * med
	for _, d := range m.latencies {
		if d > thr {
			m.longOps++
		}
	}
	// build latency histogram (ns/us/ms buckets)
	hist := buildLatencyHistogram(m.latencies)

	// Release latency samples before taking memory snapshot to reduce live Alloc
	m.latencies = nil
	// Encourage a GC so snapshot reflects released buffers
	runtime.GC()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	actualOps := opsDone.Load()
	fmt.Printf("Variant: %s  Ops: %d  Goroutines: %d  Keys: %d  Zipf: %g  MaxCost: %d\n", v, actualOps, *workers, *keysN, *zipfS, *maxCost)
	fmt.Printf("Duration: %s  Ops/sec: %s\n", runDur.Round(time.Millisecond), humanRate(float64(actualOps)/runDur.Seconds()))
	// Print latencies with adaptive precision to avoid clamped zeros
	fmt.Printf("Latency p50: %sµs  p95: %sµs  p99: %sµs\n", formatMicros(med), formatMicros(p95), formatMicros(p99))
	fmt.Println("Latency histogram (non-zero buckets):")
	for _, b := range hist {
		fmt.Printf("  %s: %d\n", b.label, b.count)
	}
	fmt.Printf("Admitted: %s (%s/sec)  Refused: %s (%s/sec)\n",
		humanInt(admitted.Load()), humanRate(float64(admitted.Load())/runDur.Seconds()),
		humanInt(refused.Load()), humanRate(float64(refused.Load())/runDur.Seconds()))
	fmt.Printf("Memory: Alloc=%s  TotalAlloc=%s  Sys=%s  NumGC=%d\n",
		humanBytes(ms.Alloc), humanBytes(ms.TotalAlloc), humanBytes(ms.Sys), ms.NumGC)
	fmt.Printf("Contention (long ops >5× median): %d\n", m.longOps)

	// Machine-readable one-line summary for scripts
	fmt.Printf("Summary: variant=%s ops=%d duration_ns=%d goroutines=%d keys=%d zipf=%g max_cost=%d rate=%d burst=%d shards=%d p50_ns=%d p95_ns=%d p99_ns=%d admitted=%d refused=%d\n",
		v, actualOps, runDur.Nanoseconds(), *workers, *keysN, *zipfS, *maxCost, rate, burst, shardCount, int64(med), int64(p95), int64(p99), admitted.Load(), refused.Load())

	// Variant-specific detail
	switch g := gt.(type) {
	case *shardedGate:
		st := g.l.Status()
		fmt.Printf("Shards: %d  Imbalance: %.2f  SeedRotations: %d  Reservations: %d\n",
			len(st.Shards), st.ImbalanceRatio, st.SeedRotations, st.Reservations)
		if len(st.Shards) <= 8 {
			for _, sh := range st.Shards {
				fmt.Printf("  shard %2d: tokens=%.6g admitted=%s refused=%s load=%s\n",
					sh.ID, sh.Tokens, humanInt(sh.Admitted), humanInt(sh.Refused), humanInt(sh.Load))
			}
		}
	case *bucketGate:
		fmt.Printf("Bucket: tokens=%.6g of %d\n", g.b.Tokens(), burst)
	case *atomicGate:
		fmt.Printf("Atomic: available=%s of %s\n", humanInt(g.a.Available()), humanInt(int64(burst)))
	}
}

// ---- Helpers ----

type histBucket struct {
	label  string
	lo, hi time.Duration
	count  int64
}

func buildLatencyHistogram(durations []time.Duration) []histBucket {
	b := []histBucket{
		{"<100ns", 0, 100 * time.Nanosecond, 0},
		{"100–200ns", 100 * time.Nanosecond, 200 * time.Nanosecond, 0},
		{"200–500ns", 200 * time.Nanosecond, 500 * time.Nanosecond, 0},
		{"0.5–1µs", 500 * time.Nanosecond, 1 * time.Microsecond, 0},
		{"1–2µs", 1 * time.Microsecond, 2 * time.Microsecond, 0},
		{"2–5µs", 2 * time.Microsecond, 5 * time.Microsecond, 0},
		{"5–10µs", 5 * time.Microsecond, 10 * time.Microsecond, 0},
		{"10–20µs", 10 * time.Microsecond, 20 * time.Microsecond, 0},
		{"20–50µs", 20 * time.Microsecond, 50 * time.Microsecond, 0},
		{"50–100µs", 50 * time.Microsecond, 100 * time.Microsecond, 0},
		{"0.1–0.2ms", 100 * time.Microsecond, 200 * time.Microsecond, 0},
		{"0.2–0.5ms", 200 * time.Microsecond, 500 * time.Microsecond, 0},
		{"0.5–1ms", 500 * time.Microsecond, 1 * time.Millisecond, 0},
		{"1–2ms", 1 * time.Millisecond, 2 * time.Millisecond, 0},
		{"2–5ms", 2 * time.Millisecond, 5 * time.Millisecond, 0},
		{"5–10ms", 5 * time.Millisecond, 10 * time.Millisecond, 0},
		{">=10ms", 10 * time.Millisecond, time.Duration(1<<63 - 1), 0},
	}
	for _, d := range durations {
		for i := range b {
			if d >= b[i].lo && d < b[i].hi {
				b[i].count++
				break
			}
		}
	}
	// Return only non-zero buckets
	out := make([]histBucket, 0, len(b))
	for _, x := range b {
		if x.count > 0 {
			out = append(out, x)
		}
	}
	return out
}

// formatMicros returns a string with microseconds value using adaptive precision
// to avoid clamped zeros for sub-microsecond durations.
func formatMicros(d time.Duration) string {
	us := float64(d) / 1e3 // d is ns
	if us < 1 {
		return fmt.Sprintf("%.3f", us)
	}
	if us < 100 {
		return fmt.Sprintf("%.1f", us)
	}
	return fmt.Sprintf("%.0f", us)
}

func humanInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := ""
	if strings.HasPrefix(s, "-") {
		neg = "-"
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i != 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return neg + string(out)
}

func humanRate(x float64) string {
	if x >= 1_000_000 {
		return fmt.Sprintf("%.1fM", x/1_000_000)
	}
	if x >= 1_000 {
		return fmt.Sprintf("%.1fk", x/1_000)
	}
	return fmt.Sprintf("%.0f", x)
}

func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	d := float64(b)
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	i := 0
	for d >= unit && i < len(units)-1 {
		d /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", d, units[i])
}
