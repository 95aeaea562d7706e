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

package pipeline

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"vocabforge/internal/breaker"
	"vocabforge/internal/cache"
	"vocabforge/internal/config"
	"vocabforge/internal/faults"
	"vocabforge/internal/llm"
	"vocabforge/internal/ratelimit"
	"vocabforge/internal/retry"
	"vocabforge/internal/store"
	"vocabforge/internal/telemetry"
)

// Runtime owns every long-lived subsystem the pipeline runs on. Build one
// with NewRuntime, hand its Deps to an Orchestrator, and Close it when the
// process winds down.
type Runtime struct {
	Cfg       *config.Config
	Store     *store.Store
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Retry     retry.Policy
	LLM       *llm.Client
	Collector *faults.Collector
	Quota     *Quota

	audit     *ratelimit.AuditWorker
	auditSink ratelimit.AuditSink
	metrics   *http.Server
}

// NewRuntime opens the database, builds the cache, limiter, breaker, and
// client from cfg, seeds the daily token quota from recorded usage, and
// starts background maintenance. Callers must Close the runtime; on error
// nothing is left running.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	st, err := store.Open(ctx, store.Options{
		Path: cfg.DBPath,
		Pool: store.PoolOptions{
			MinSize:             cfg.PoolMin,
			MaxSize:             cfg.PoolMax,
			AcquireTimeout:      cfg.AcquireTimeout,
			IdleTimeout:         cfg.IdleTimeout,
			HealthCheckInterval: cfg.HealthInterval,
		},
		Exec: store.ExecutorOptions{SlowQueryThreshold: cfg.SlowQuery},
	})
	if err != nil {
		return nil, err
	}

	policy, err := cache.ParsePolicy(cfg.CachePolicy)
	if err != nil {
		st.Close()
		return nil, err
	}
	codec, err := cache.CodecByName(cfg.CacheCodec)
	if err != nil {
		st.Close()
		return nil, err
	}
	cch, err := cache.New(cache.Options{
		L1: cache.L1Options{
			MaxEntries: cfg.CacheMaxEntries,
			MaxBytes:   cfg.CacheMaxBytes,
			Policy:     policy,
		},
		L2: cache.L2Options{
			Dir:      cfg.CacheDir,
			MaxBytes: cfg.CacheDiskBytes,
			Codec:    codec,
		},
		DefaultTTL:   cfg.CacheTTL,
		WriteThrough: cfg.WriteThrough,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	gen, err := breaker.GeneratorByName(cfg.BreakGenerator, cfg.BreakDuration)
	if err != nil {
		cch.Close()
		st.Close()
		return nil, err
	}

	rt := &Runtime{
		Cfg:   cfg,
		Store: st,
		Cache: cch,
		Limiter: ratelimit.New(ratelimit.Options{
			Rate:               cfg.RatePerPeriod,
			Period:             cfg.RatePeriod,
			Burst:              cfg.Burst,
			MaxShards:          cfg.MaxShards,
			MaxWait:            cfg.AcquireWait,
			Adaptive:           cfg.Adaptive,
			RebalanceInterval:  cfg.RebalanceEvery,
			RebalanceThreshold: cfg.RebalanceThreshold,
		}),
		Breaker: breaker.New(breaker.Options{
			Name:             "llm",
			FailureThreshold: cfg.FailureThreshold,
			MinThroughput:    cfg.MinThroughput,
			SamplingDuration: cfg.SamplingDuration,
			BreakDuration:    cfg.BreakDuration,
			MaxBreak:         cfg.MaxBreak,
			Generator:        gen,
		}),
		Retry: retry.Policy{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Jitter:       cfg.Jitter,
		},
		LLM: llm.New(llm.Options{
			BaseURL: cfg.APIBaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.HTTPTimeout,
		}),
	}

	rt.Collector = faults.NewCollector(faults.CollectorOptions{Sink: st})
	rt.Collector.Start()

	sink, err := ratelimit.BuildAuditSink(cfg.AuditSink, cfg.RedisAddr, cfg.AuditPath)
	if err != nil {
		rt.Collector.Stop()
		cch.Close()
		st.Close()
		return nil, err
	}
	rt.auditSink = sink
	// A nil sink still gets a worker: its hygiene loop reaps expired
	// reservations while the limiter is idle.
	rt.audit = ratelimit.NewAuditWorker(rt.Limiter, sink, ratelimit.AuditWorkerOptions{})
	rt.audit.Start()

	if cfg.QuotaTokensPerDay > 0 {
		totals, err := st.UsageSince(ctx, midnight(time.Now()))
		if err != nil {
			rt.audit.Stop()
			rt.Collector.Stop()
			cch.Close()
			st.Close()
			return nil, err
		}
		spent := totals.InputTokens + totals.OutputTokens
		collector := rt.Collector
		rt.Quota = NewQuota(cfg.QuotaTokensPerDay, spent, func(spent int64) {
			logrus.WithFields(logrus.Fields{
				"spent":  spent,
				"budget": cfg.QuotaTokensPerDay,
			}).Warn("runtime: daily token budget exhausted")
			collector.Collect(faults.New(faults.System, faults.Critical,
				"quota_exhausted", "daily token budget exhausted: %d of %d spent",
				spent, cfg.QuotaTokensPerDay))
		})
		logrus.WithFields(logrus.Fields{
			"budget": cfg.QuotaTokensPerDay,
			"spent":  spent,
		}).Info("runtime: daily token quota armed")
	}

	if cfg.MetricsAddr != "" {
		rt.metrics = telemetry.Serve(cfg.MetricsAddr, rt.status)
	}

	cch.Start()
	logrus.WithFields(logrus.Fields{
		"db":          cfg.DBPath,
		"cache_dir":   cfg.CacheDir,
		"shards":      rt.Limiter.ShardCount(),
		"concurrency": cfg.Concurrency,
	}).Info("runtime: ready")
	return rt, nil
}

// Deps bundles the runtime's subsystems for an Orchestrator.
func (r *Runtime) Deps() Deps {
	return Deps{
		Caller:   r.LLM,
		Cache:    r.Cache,
		Limiter:  r.Limiter,
		Breaker:  r.Breaker,
		Retry:    r.Retry,
		Archive:  r.Store,
		Reporter: r.Collector,
		Quota:    r.Quota,
	}
}

// status feeds the /status endpoint.
func (r *Runtime) status() any {
	type quotaStatus struct {
		Budget    int64 `json:"budget"`
		Spent     int64 `json:"spent"`
		Remaining int64 `json:"remaining"`
		Exhausted bool  `json:"exhausted"`
	}
	payload := struct {
		Limiter ratelimit.Status `json:"limiter"`
		Breaker breaker.Snapshot `json:"breaker"`
		Cache   cache.Stats      `json:"cache"`
		Pool    store.PoolStats  `json:"pool"`
		Quota   *quotaStatus     `json:"quota,omitempty"`
	}{
		Limiter: r.Limiter.Status(),
		Breaker: r.Breaker.Snapshot(),
		Cache:   r.Cache.Stats(),
		Pool:    r.Store.PoolStats(),
	}
	if r.Quota != nil {
		payload.Quota = &quotaStatus{
			Budget:    r.Quota.Budget(),
			Spent:     r.Quota.Spent(),
			Remaining: r.Quota.Remaining(),
			Exhausted: r.Quota.Exhausted(),
		}
	}
	return payload
}

// Close winds the runtime down: the metrics listener first so status
// readers stop seeing half-closed subsystems, then background workers,
// then a final cache metadata sync into the store before the tiers and
// the database close. The first failure wins; later steps still run.
func (r *Runtime) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.metrics != nil {
		keep(r.metrics.Shutdown(ctx))
	}
	if r.audit != nil {
		r.audit.Stop()
	}
	// The worker's final flush has run; a closable sink (the file sink) can
	// now drain its buffer.
	if c, ok := r.auditSink.(io.Closer); ok {
		keep(c.Close())
	}
	if r.Collector != nil {
		r.Collector.Stop()
	}

	meta := r.Cache.Metadata()
	rows := make([]store.CacheMetaRow, len(meta))
	for i, m := range meta {
		rows[i] = store.CacheMetaRow{
			Key:       m.Key,
			Tier:      m.Tier,
			Tags:      m.Tags,
			CreatedAt: m.CreatedAt,
			ExpiresAt: m.ExpiresAt,
			HitCount:  m.HitCount,
			SizeBytes: m.SizeBytes,
			Hot:       m.Hot,
		}
	}
	if err := r.Store.SyncCacheMetadata(ctx, rows); err != nil {
		logrus.WithError(err).Warn("runtime: cache metadata sync failed")
		keep(err)
	}

	keep(r.Cache.Close())
	keep(r.Store.Close())
	return firstErr
}

// midnight is the start of t's calendar day in its own location.
func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
