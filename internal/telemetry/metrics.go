// Package telemetry exposes process-wide Prometheus metrics for the pipeline
// and an optional HTTP endpoint serving /metrics plus a JSON /status
// snapshot. All record functions are safe for hot paths; labels are bounded
// (stage names, outcome names, tiers), never raw keys.
package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_items_total",
		Help: "Pipeline items by terminal outcome (success, cached, failed, cancelled)",
	}, []string{"outcome"})

	llmCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_llm_calls_total",
		Help: "External LLM calls by stage and result",
	}, []string{"stage", "result"})

	llmTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_llm_tokens_total",
		Help: "Token usage reported by the LLM service, by direction",
	}, []string{"direction"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vocabforge_stage_duration_seconds",
		Help:    "Wall time of one stage call including retries",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_cache_hits_total",
		Help: "Cache hits by tier (l1, l2, flight)",
	}, []string{"tier"})

	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vocabforge_cache_misses_total",
		Help: "Lookups that fell through both tiers",
	})

	cacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_cache_evictions_total",
		Help: "Entries evicted by tier",
	}, []string{"tier"})

	rateDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vocabforge_rate_denials_total",
		Help: "Rate limiter refusals after both shard choices",
	})

	shardImbalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocabforge_shard_imbalance_ratio",
		Help: "(max-min)/avg shard load over the current sampling window",
	})

	rebalancesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vocabforge_shard_rebalances_total",
		Help: "Adaptive seed rotations performed by the rate limiter",
	})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocabforge_breaker_state",
		Help: "Circuit state: 0 closed, 1 open, 2 half-open, 3 isolated",
	})

	breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_breaker_transitions_total",
		Help: "Breaker state transitions by destination state",
	}, []string{"to"})

	retryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vocabforge_retry_attempts_total",
		Help: "Retry attempts beyond the first try",
	})

	poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocabforge_pool_in_use",
		Help: "Connections currently owned by callers",
	})

	poolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocabforge_pool_idle",
		Help: "Connections idle in the pool",
	})

	queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vocabforge_query_duration_seconds",
		Help:    "Relational store query wall time",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	slowQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vocabforge_slow_queries_total",
		Help: "Queries exceeding the slow-query threshold",
	})

	errorRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vocabforge_error_records_total",
		Help: "Collected error records by category",
	}, []string{"category"})

	flushRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vocabforge_flush_batch_rows",
		Help:    "Rows per background flush batch (errors, audit)",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
)

func init() {
	// Register eagerly. Harmless when no endpoint is exposed.
	prometheus.MustRegister(
		itemsTotal, llmCallsTotal, llmTokensTotal, stageDuration,
		cacheHitsTotal, cacheMissesTotal, cacheEvictionsTotal,
		rateDenialsTotal, shardImbalance, rebalancesTotal,
		breakerState, breakerTransitionsTotal, retryAttemptsTotal,
		poolInUse, poolIdle, queryDuration, slowQueriesTotal,
		errorRecordsTotal, flushRows,
	)
}

func ObserveItem(outcome string) { itemsTotal.WithLabelValues(outcome).Inc() }

func ObserveLLMCall(stage, result string, d time.Duration) {
	llmCallsTotal.WithLabelValues(stage, result).Inc()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func AddTokens(input, output int64) {
	if input > 0 {
		llmTokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		llmTokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

func ObserveCacheHit(tier string) { cacheHitsTotal.WithLabelValues(tier).Inc() }
func ObserveCacheMiss()           { cacheMissesTotal.Inc() }
func ObserveEviction(tier string) { cacheEvictionsTotal.WithLabelValues(tier).Inc() }

func ObserveRateDenial()        { rateDenialsTotal.Inc() }
func SetImbalance(r float64)    { shardImbalance.Set(r) }
func ObserveRebalance()         { rebalancesTotal.Inc() }
func SetBreakerState(s float64) { breakerState.Set(s) }

func ObserveBreakerTransition(to string) {
	breakerTransitionsTotal.WithLabelValues(to).Inc()
}

func ObserveRetryAttempt() { retryAttemptsTotal.Inc() }

func SetPoolGauges(inUse, idle int) {
	poolInUse.Set(float64(inUse))
	poolIdle.Set(float64(idle))
}

func ObserveQuery(d time.Duration, slow bool) {
	queryDuration.Observe(d.Seconds())
	if slow {
		slowQueriesTotal.Inc()
	}
}

func ObserveErrorRecord(category string) {
	errorRecordsTotal.WithLabelValues(category).Inc()
}

func ObserveFlushBatch(rows int) {
	if rows > 0 {
		flushRows.Observe(float64(rows))
	}
}

// StatusFunc supplies the /status snapshot. Implementations should be cheap;
// the handler calls it per request.
type StatusFunc func() any

// Serve exposes /metrics and /status on addr in a background goroutine and
// returns the server for graceful shutdown. statusFn may be nil.
func Serve(addr string, statusFn StatusFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if statusFn == nil {
			w.Write([]byte(`{}`))
			return
		}
		if err := json.NewEncoder(w).Encode(statusFn()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warnf("metrics endpoint on %s stopped", addr)
		}
	}()
	return server
}
