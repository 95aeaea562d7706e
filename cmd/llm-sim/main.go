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

// Command llm-sim is a stand-in for the external model service, for local
// runs and soak tests without burning tokens.
//
// It serves the same POST {base}/messages contract internal/llm speaks:
// stage1 requests get a JSON analysis, stage2 requests get a JSON card
// array that vocab.ParseFlashcards accepts. Latency, jitter, a failure
// rate, and periodic 429 throttling are all injectable, so the limiter,
// breaker, and retry layers can be exercised for real:
//
//	go run ./cmd/llm-sim -http :8089 -latency 200ms -jitter 100ms -fail-rate 0.05 -throttle-every 50
//	VOCABFORGE_API_URL=http://127.0.0.1:8089/v1 go run ./cmd/vocabforge process -i words.tsv
//
// Prometheus metrics are exposed on GET /metrics and a liveness probe on
// GET /healthz. Responses are deterministic for a given term, so cache
// hit ratios measured against the sim are meaningful.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vocabforge/internal/llm"
	"vocabforge/internal/vocab"
)

type simulator struct {
	latency       time.Duration
	jitter        time.Duration
	failRate      float64
	throttleEvery int64
	retryAfter    time.Duration

	count atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand

	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

func main() {
	httpAddr := flag.String("http", ":8089", "HTTP listen address")
	latency := flag.Duration("latency", 200*time.Millisecond, "base response latency")
	jitter := flag.Duration("jitter", 100*time.Millisecond, "uniform extra latency on top of the base")
	failRate := flag.Float64("fail-rate", 0, "probability a request answers 500 (0..1)")
	throttleEvery := flag.Int64("throttle-every", 0, "every Nth request answers 429; 0 disables")
	retryAfter := flag.Duration("retry-after", time.Second, "Retry-After hint sent with 429s")
	seed := flag.Int64("seed", 0, "RNG seed; 0 uses the clock")
	flag.Parse()

	if *failRate < 0 {
		*failRate = 0
	}
	if *failRate > 1 {
		*failRate = 1
	}
	if *latency < 0 {
		*latency = 0
	}
	if *jitter < 0 {
		*jitter = 0
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	s := &simulator{
		latency:       *latency,
		jitter:        *jitter,
		failRate:      *failRate,
		throttleEvery: *throttleEvery,
		retryAfter:    *retryAfter,
		rng:           rand.New(rand.NewSource(*seed)),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmsim_requests_total",
			Help: "Requests by stage and outcome.",
		}, []string{"stage", "outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmsim_request_seconds",
			Help:    "Time spent serving one request, injected latency included.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	prometheus.DefaultRegisterer.MustRegister(s.requests, s.duration)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		log.Printf("llm-sim listening on %s (latency=%s jitter=%s fail-rate=%.2f throttle-every=%d seed=%d)",
			*httpAddr, *latency, *jitter, *failRate, *throttleEvery, *seed)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("llm-sim shutting down after %d requests", s.count.Load())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func (s *simulator) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.duration.Observe(time.Since(start).Seconds()) }()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "POST only")
		return
	}
	var req llm.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.requests.WithLabelValues("unknown", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	stage := string(req.Stage)

	if !s.sleep(r) {
		s.requests.WithLabelValues(stage, "abandoned").Inc()
		return
	}

	n := s.count.Add(1)
	if s.throttleEvery > 0 && n%s.throttleEvery == 0 {
		s.requests.WithLabelValues(stage, "throttled").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "simulated throttle")
		return
	}
	if s.failRate > 0 && s.rand() < s.failRate {
		s.requests.WithLabelValues(stage, "failed").Inc()
		writeError(w, http.StatusInternalServerError, "server_error", "simulated failure")
		return
	}

	var content string
	switch req.Stage {
	case llm.StageAnalysis:
		content = analysisFor(req)
	case llm.StageCards:
		content = cardsFor(req)
	default:
		s.requests.WithLabelValues(stage, "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown stage "+stage)
		return
	}

	s.requests.WithLabelValues(stage, "ok").Inc()
	resp := llm.Response{
		RequestID: req.RequestID,
		Model:     req.Model,
		Content:   content,
		Usage: llm.Usage{
			InputTokens:  int64(req.PromptSize() / 4),
			OutputTokens: int64(len(content) / 4),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// sleep injects the configured latency, honoring client disconnects.
func (s *simulator) sleep(r *http.Request) bool {
	d := s.latency
	if s.jitter > 0 {
		d += time.Duration(s.rand() * float64(s.jitter))
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *simulator) rand() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// analysisFor fabricates a deterministic stage-1 payload for a term.
func analysisFor(req llm.Request) string {
	analysis := map[string]any{
		"term":     req.Term,
		"type":     req.Type,
		"meanings": []string{fmt.Sprintf("primary sense of %s", req.Term)},
		"register": "neutral",
		"notes":    "simulated analysis",
	}
	b, _ := json.Marshal(analysis)
	return string(b)
}

// cardsFor fabricates stage-2 cards in exactly the shape
// vocab.ParseFlashcards accepts. Terms with an even rune count get a second
// card, so multi-card handling gets exercised without randomness.
func cardsFor(req llm.Request) string {
	tags := []string{"sim"}
	if req.Type != "" {
		tags = append(tags, req.Type)
	}
	cards := []vocab.Flashcard{{
		TermNumber: 1,
		Tab:        "Meaning",
		Front:      req.Term,
		Back:       fmt.Sprintf("primary sense of %s", req.Term),
		Tags:       tags,
	}}
	if len([]rune(req.Term))%2 == 0 {
		cards = append(cards, vocab.Flashcard{
			TermNumber: 1,
			Tab:        "Usage",
			Front:      fmt.Sprintf("%s (example)", req.Term),
			Back:       fmt.Sprintf("%s used in a simulated sentence.", req.Term),
			Tags:       tags,
		})
	}
	b, _ := json.Marshal(cards)
	return string(b)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{"error": map[string]string{"type": typ, "message": msg}}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error payload: %v", err)
	}
}
