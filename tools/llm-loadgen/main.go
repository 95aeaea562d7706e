// llm-loadgen is a tiny, dependency-free load generator for the model
// service endpoint (cmd/llm-sim, or anything speaking the same contract).
// It reuses HTTP connections (keep-alive) and supports concurrency so soak
// scripts run fast on Windows (Git Bash), Ubuntu (WSL), and macOS without
// relying on external tools.
//
// Modes:
//   - single: send N requests for a single term
//   - skew:   approximate 80/20 hot/cold term mix without PRNG: send the hot
//     term 4/5 of the time, round-robin cold terms otherwise
//
// Usage examples:
//
//	llm-loadgen -base=http://127.0.0.1:8089/v1 -mode=single -term=하다 -n=5000 -c=16
//	llm-loadgen -base=http://127.0.0.1:8089/v1 -mode=skew -hot_term=하다 -cold_terms=50 -n=8000 -c=16
//
// Notes:
//   - Each request POSTs one stage payload; -stage=mix alternates stages.
//   - Prints a one-line summary with duration, throughput, and per-status counts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vocabforge/internal/llm"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeSkew   modeType = "skew"
)

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8089/v1", "Service base URL including scheme and host")
		apiKey  = flag.String("api-key", "loadgen", "Bearer token sent with each request")
		model   = flag.String("model", "sim-model", "Model name sent with each request")
		stageS  = flag.String("stage", "mix", "Stage to request: stage1|stage2|mix")
		modeS   = flag.String("mode", string(modeSingle), "Mode: single|skew")
		term    = flag.String("term", "하다", "Term for single mode")
		hotTerm = flag.String("hot_term", "하다", "Hot term for skew mode")
		coldN   = flag.Int("cold_terms", 50, "Number of cold terms to round-robin in skew mode")
		N       = flag.Int("n", 5000, "Total requests to send")
		conc    = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic skew: hotEvery=5 means 4/5 go to the hot term, 1/5 to a cold term.
		hotEvery = flag.Int("hot_every", 5, "Skew period (all but 1 of this period go to hot; minimum 2)")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeSkew {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|skew)\n", *modeS)
		os.Exit(2)
	}
	st := strings.ToLower(*stageS)
	if st != "stage1" && st != "stage2" && st != "mix" {
		fmt.Fprintf(os.Stderr, "unknown -stage=%s (want stage1|stage2|mix)\n", *stageS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeSkew {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_terms must be > 0 in skew mode")
			os.Exit(2)
		}
		if *hotEvery < 2 { // at least 1 hot : 1 cold
			*hotEvery = 2
		}
	}

	endpoint := strings.TrimRight(*base, "/") + "/messages"

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var ok, throttled, failed int64

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				atomic.AddInt64(&failed, int64(count-i))
				return
			default:
			}
			t := *term
			if m == modeSkew {
				// 80/20-ish deterministic skew: (i+id)%hotEvery != 0 => hot term
				if ((i + id) % *hotEvery) != 0 {
					t = *hotTerm
				} else {
					t = fmt.Sprintf("cold-%d", ((i+id)%*coldN)+1)
				}
			}
			stage := llm.StageAnalysis
			switch st {
			case "stage2":
				stage = llm.StageCards
			case "mix":
				if (i+id)%2 == 1 {
					stage = llm.StageCards
				}
			}
			body := llm.Request{
				RequestID: fmt.Sprintf("lg-%d-%d", id, i),
				Model:     *model,
				Stage:     stage,
				Term:      t,
				Type:      "noun",
			}
			if stage == llm.StageCards {
				body.Analysis = `{"notes":"loadgen"}`
			}
			b, _ := json.Marshal(body)
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+*apiKey)
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusOK:
				atomic.AddInt64(&ok, 1)
			case resp.StatusCode == http.StatusTooManyRequests:
				atomic.AddInt64(&throttled, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s stage=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s ok=%d throttled=%d failed=%d\n",
		m, st, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops,
		atomic.LoadInt64(&ok), atomic.LoadInt64(&throttled), atomic.LoadInt64(&failed))
}
