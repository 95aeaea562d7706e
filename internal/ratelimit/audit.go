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

// Optional audit trail: a background worker snapshots per-shard admission
// deltas and commits them to an external sink with idempotent batch ids.
// Rate-limiter state itself never persists across restarts; the audit trail
// is observational only.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vocabforge/internal/telemetry"
)

// AuditEntry is one shard's delta since the previous committed snapshot.
// CommitID makes retried commits idempotent at the sink.
type AuditEntry struct {
	ShardID  int
	Admitted int64
	Refused  int64
	Tokens   float64
	CommitID string
}

// AuditSink persists audit batches. Implementations must treat a duplicate
// CommitID for the same shard as a no-op so retries are safe.
type AuditSink interface {
	CommitBatch(ctx context.Context, entries []AuditEntry) error
}

// AuditWorkerOptions tunes the background worker. Zero values take defaults.
type AuditWorkerOptions struct {
	// CommitThreshold is the high watermark: a shard whose combined delta
	// reaches it becomes eligible to commit. Default 100.
	CommitThreshold int64
	// LowWatermark re-arms a shard only after its delta falls back under
	// this value, preventing commit flapping around the threshold. 0
	// disables hysteresis.
	LowWatermark int64
	// Interval is the scan cadence. Default 5s.
	Interval time.Duration
	// MaxAge bounds how long an uncommitted remainder may sit before it is
	// flushed regardless of thresholds. It is also the backstop cadence
	// while hysteresis suppresses threshold commits. Default 30s.
	MaxAge time.Duration
	// CommitTimeout bounds one sink call. Default 5s.
	CommitTimeout time.Duration
}

func (o *AuditWorkerOptions) withDefaults() {
	if o.CommitThreshold <= 0 {
		o.CommitThreshold = 100
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * time.Second
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 5 * time.Second
	}
}

// AuditWorker runs two background loops: a commit loop persisting shard
// deltas through the sink, and a hygiene loop that reaps expired
// reservations while the limiter is idle. A nil sink disables the commit
// loop but keeps hygiene running.
type AuditWorker struct {
	limiter *Limiter
	sink    AuditSink
	opts    AuditWorkerOptions

	// Bookkeeping below is touched only by the worker goroutine.
	lastAdmitted []int64
	lastRefused  []int64
	firstDelta   []time.Time // when the oldest uncommitted delta appeared
	armed        []bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewAuditWorker creates a worker bound to the limiter.
func NewAuditWorker(l *Limiter, sink AuditSink, opts AuditWorkerOptions) *AuditWorker {
	opts.withDefaults()
	s := l.ShardCount()
	w := &AuditWorker{
		limiter:      l,
		sink:         sink,
		opts:         opts,
		lastAdmitted: make([]int64, s),
		lastRefused:  make([]int64, s),
		firstDelta:   make([]time.Time, s),
		armed:        make([]bool, s),
		stopChan:     make(chan struct{}),
	}
	for i := range w.armed {
		w.armed[i] = true
	}
	return w
}

// Start launches the background loops.
func (w *AuditWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweepLoop()
	}()
	if w.sink == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.commitLoop()
	}()
}

// Stop halts the loops after a final flush of non-zero deltas. Safe to call
// multiple times.
func (w *AuditWorker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

func (w *AuditWorker) commitLoop() {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runCommitCycle(false)
		case <-w.stopChan:
			// Final flush commits every remainder, thresholds ignored.
			w.runCommitCycle(true)
			return
		}
	}
}

// runCommitCycle collects eligible shard deltas and persists them as one
// batch. final forces every non-zero delta out.
func (w *AuditWorker) runCommitCycle(final bool) {
	now := time.Now()
	var entries []AuditEntry
	var shardIdx []int

	for i := 0; i < w.limiter.ShardCount(); i++ {
		admitted := w.limiter.counts[i].admitted.Load()
		refused := w.limiter.counts[i].refused.Load()
		dA := admitted - w.lastAdmitted[i]
		dR := refused - w.lastRefused[i]
		delta := dA + dR
		if delta == 0 {
			w.firstDelta[i] = time.Time{}
		} else if w.firstDelta[i].IsZero() {
			w.firstDelta[i] = now
		}

		should := final && delta != 0
		if !should && delta >= w.opts.CommitThreshold {
			if w.opts.LowWatermark <= 0 || w.armed[i] {
				should = true
			}
		} else if !should && w.opts.LowWatermark > 0 && !w.armed[i] && delta <= w.opts.LowWatermark {
			// Backlog drained below the low watermark: re-arm.
			w.armed[i] = true
		}
		if !should && delta != 0 && now.Sub(w.firstDelta[i]) >= w.opts.MaxAge {
			should = true
		}
		if !should {
			continue
		}
		entries = append(entries, AuditEntry{
			ShardID:  i,
			Admitted: dA,
			Refused:  dR,
			Tokens:   w.limiter.shards[i].Tokens(),
			CommitID: uuid.NewString(),
		})
		shardIdx = append(shardIdx, i)
	}

	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.CommitTimeout)
	err := w.sink.CommitBatch(ctx, entries)
	cancel()
	if err != nil {
		logrus.WithError(err).Error("audit commit batch failed; deltas retained for retry")
		return
	}
	for n, i := range shardIdx {
		w.lastAdmitted[i] += entries[n].Admitted
		w.lastRefused[i] += entries[n].Refused
		w.firstDelta[i] = time.Time{}
		// Disarm only after a successful commit so a failing sink keeps the
		// shard eligible to retry next cycle.
		w.armed[i] = false
	}
	telemetry.ObserveFlushBatch(len(entries))
}

// sweepLoop keeps reservation expiry moving while no admission calls are
// arriving.
func (w *AuditWorker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.limiter.sweepExpired()
		case <-w.stopChan:
			return
		}
	}
}

// LogAuditSink writes batches to the structured log. It lets deployments
// exercise the audit path without external infrastructure.
type LogAuditSink struct{}

func (LogAuditSink) CommitBatch(ctx context.Context, entries []AuditEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	for _, e := range entries {
		logrus.WithFields(logrus.Fields{
			"shard":    e.ShardID,
			"admitted": e.Admitted,
			"refused":  e.Refused,
			"tokens":   fmt.Sprintf("%.2f", e.Tokens),
			"commit":   e.CommitID,
		}).Info("audit commit")
	}
	return nil
}

// BuildAuditSink selects a sink implementation by name: "log", "file",
// "redis", or "none" (nil sink). path is only used by the file sink,
// redisAddr only by the redis sink.
func BuildAuditSink(kind, redisAddr, path string) (AuditSink, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "log":
		return LogAuditSink{}, nil
	case "file":
		return NewFileAuditSink(path)
	case "redis":
		return NewRedisAuditSink(NewGoRedisEvaler(redisAddr), 0), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", kind)
	}
}
