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

// Package config holds the single configuration object for the pipeline.
// Values are read once at startup from VOCABFORGE_* environment variables;
// command-line flags may override fields before Validate. Nothing rereads
// the environment at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration. Field groups mirror the major
// subsystems.
type Config struct {
	// External LLM service.
	APIBaseURL  string
	APIKey      string
	Model       string
	HTTPTimeout time.Duration

	// Rate limiter.
	RatePerPeriod      int           // aggregate requests per RatePeriod
	RatePeriod         time.Duration // default one minute
	Burst              int
	MaxShards          int
	AcquireWait        time.Duration // max blocking wait inside acquire
	Adaptive           bool
	RebalanceEvery     time.Duration
	RebalanceThreshold float64

	// Circuit breaker.
	FailureThreshold float64
	MinThroughput    int
	SamplingDuration time.Duration
	BreakDuration    time.Duration
	MaxBreak         time.Duration
	BreakGenerator   string // fixed | linear | exponential | adaptive

	// Retry.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64

	// Cache.
	CacheDir        string
	CacheMaxEntries int
	CacheMaxBytes   int64
	CacheDiskBytes  int64
	CacheTTL        time.Duration
	CachePolicy     string // lru | lfu | fifo | ttl
	CacheCodec      string // zstd | snappy | none
	WriteThrough    bool

	// Relational store.
	DBPath         string
	PoolMin        int
	PoolMax        int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	SlowQuery      time.Duration

	// Pipeline.
	Concurrency       int
	QuotaTokensPerDay int64
	CostPer1KInput    float64
	CostPer1KOutput   float64

	// Audit sink for limiter shard snapshots: none | log | file | redis.
	AuditSink string
	AuditPath string // JSONL log path for the file sink
	RedisAddr string

	// Observability.
	MetricsAddr string // empty disables the HTTP endpoint
	LogLevel    string
	LogFormat   string // text | json
}

// Load reads the environment once and returns the configuration with
// defaults applied. It does not validate; call Validate after flag
// overrides.
func Load() *Config {
	return &Config{
		APIBaseURL:  envStr("VOCABFORGE_API_URL", "https://api.openrouter.ai/v1"),
		APIKey:      envStr("VOCABFORGE_API_KEY", ""),
		Model:       envStr("VOCABFORGE_MODEL", "claude-sonnet"),
		HTTPTimeout: envDur("VOCABFORGE_HTTP_TIMEOUT", 60*time.Second),

		RatePerPeriod:      envInt("VOCABFORGE_RATE", 600),
		RatePeriod:         envDur("VOCABFORGE_RATE_PERIOD", time.Minute),
		Burst:              envInt("VOCABFORGE_BURST", 20),
		MaxShards:          envInt("VOCABFORGE_MAX_SHARDS", 32),
		AcquireWait:        envDur("VOCABFORGE_ACQUIRE_WAIT", 10*time.Second),
		Adaptive:           envBool("VOCABFORGE_ADAPTIVE_SHARDS", true),
		RebalanceEvery:     envDur("VOCABFORGE_REBALANCE_EVERY", 30*time.Second),
		RebalanceThreshold: envFloat("VOCABFORGE_REBALANCE_THRESHOLD", 1.5),

		FailureThreshold: envFloat("VOCABFORGE_FAILURE_THRESHOLD", 0.5),
		MinThroughput:    envInt("VOCABFORGE_MIN_THROUGHPUT", 10),
		SamplingDuration: envDur("VOCABFORGE_SAMPLING_DURATION", 30*time.Second),
		BreakDuration:    envDur("VOCABFORGE_BREAK_DURATION", 5*time.Second),
		MaxBreak:         envDur("VOCABFORGE_MAX_BREAK", 2*time.Minute),
		BreakGenerator:   envStr("VOCABFORGE_BREAK_GENERATOR", "exponential"),

		MaxAttempts:  envInt("VOCABFORGE_MAX_ATTEMPTS", 3),
		InitialDelay: envDur("VOCABFORGE_INITIAL_DELAY", 500*time.Millisecond),
		MaxDelay:     envDur("VOCABFORGE_MAX_DELAY", 30*time.Second),
		Jitter:       envFloat("VOCABFORGE_JITTER", 0.2),

		CacheDir:        envStr("VOCABFORGE_CACHE_DIR", defaultCacheDir()),
		CacheMaxEntries: envInt("VOCABFORGE_CACHE_ENTRIES", 10000),
		CacheMaxBytes:   envInt64("VOCABFORGE_CACHE_BYTES", 256<<20),
		CacheDiskBytes:  envInt64("VOCABFORGE_CACHE_DISK_BYTES", 1<<30),
		CacheTTL:        envDur("VOCABFORGE_CACHE_TTL", 30*24*time.Hour),
		CachePolicy:     envStr("VOCABFORGE_CACHE_POLICY", "lru"),
		CacheCodec:      envStr("VOCABFORGE_CACHE_CODEC", "zstd"),
		WriteThrough:    envBool("VOCABFORGE_WRITE_THROUGH", false),

		DBPath:         envStr("VOCABFORGE_DB", "vocabforge.db"),
		PoolMin:        envInt("VOCABFORGE_POOL_MIN", 2),
		PoolMax:        envInt("VOCABFORGE_POOL_MAX", 5),
		AcquireTimeout: envDur("VOCABFORGE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
		IdleTimeout:    envDur("VOCABFORGE_POOL_IDLE_TIMEOUT", 5*time.Minute),
		HealthInterval: envDur("VOCABFORGE_POOL_HEALTH_INTERVAL", 30*time.Second),
		SlowQuery:      envDur("VOCABFORGE_SLOW_QUERY", 100*time.Millisecond),

		Concurrency:       envInt("VOCABFORGE_CONCURRENCY", 20),
		QuotaTokensPerDay: envInt64("VOCABFORGE_DAILY_TOKEN_BUDGET", 0),
		CostPer1KInput:    envFloat("VOCABFORGE_COST_INPUT_1K", 0.003),
		CostPer1KOutput:   envFloat("VOCABFORGE_COST_OUTPUT_1K", 0.015),

		AuditSink: envStr("VOCABFORGE_AUDIT_SINK", "none"),
		AuditPath: envStr("VOCABFORGE_AUDIT_PATH", "vocabforge-audit.jsonl"),
		RedisAddr: envStr("VOCABFORGE_REDIS_ADDR", "localhost:6379"),

		MetricsAddr: envStr("VOCABFORGE_METRICS_ADDR", ""),
		LogLevel:    envStr("VOCABFORGE_LOG_LEVEL", "info"),
		LogFormat:   envStr("VOCABFORGE_LOG_FORMAT", "text"),
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.RatePerPeriod <= 0 {
		return fmt.Errorf("rate must be positive, got %d", c.RatePerPeriod)
	}
	if c.RatePeriod <= 0 {
		return fmt.Errorf("rate period must be positive, got %v", c.RatePeriod)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be positive, got %d", c.Burst)
	}
	if c.PoolMin < 0 || c.PoolMax <= 0 || c.PoolMin > c.PoolMax {
		return fmt.Errorf("pool sizes invalid: min=%d max=%d", c.PoolMin, c.PoolMax)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("failure threshold must be in (0,1], got %g", c.FailureThreshold)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be in [0,1], got %g", c.Jitter)
	}
	switch c.CachePolicy {
	case "lru", "lfu", "fifo", "ttl":
	default:
		return fmt.Errorf("unknown cache policy %q", c.CachePolicy)
	}
	switch c.CacheCodec {
	case "zstd", "snappy", "none":
	default:
		return fmt.Errorf("unknown cache codec %q", c.CacheCodec)
	}
	switch c.BreakGenerator {
	case "fixed", "linear", "exponential", "adaptive":
	default:
		return fmt.Errorf("unknown break generator %q", c.BreakGenerator)
	}
	switch c.AuditSink {
	case "none", "log", "file", "redis":
	default:
		return fmt.Errorf("unknown audit sink %q", c.AuditSink)
	}
	if c.AuditSink == "file" && c.AuditPath == "" {
		return fmt.Errorf("file audit sink needs an audit path")
	}
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/vocabforge"
	}
	return ".vocabforge-cache"
}

// ---- env helpers ----

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
