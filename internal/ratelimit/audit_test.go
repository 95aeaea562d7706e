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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memAuditSink records committed batches; the first fail calls error out.
type memAuditSink struct {
	mu      sync.Mutex
	batches [][]AuditEntry
	fail    int
	calls   int
}

func (s *memAuditSink) CommitBatch(ctx context.Context, entries []AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return errors.New("sink unavailable")
	}
	cp := append([]AuditEntry(nil), entries...)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *memAuditSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *memAuditSink) totalAdmitted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.batches {
		for _, e := range b {
			n += e.Admitted
		}
	}
	return n
}

func admitN(t *testing.T, l *Limiter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if d := l.TryAcquire(fmt.Sprintf("key-%d", i), 1); !d.Allowed {
			t.Fatalf("admission %d refused while seeding audit traffic", i+1)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAuditCommitsAtThreshold(t *testing.T) {
	l := New(Options{Rate: 1000, Burst: 1000, Shards: 1})
	sink := &memAuditSink{}
	w := NewAuditWorker(l, sink, AuditWorkerOptions{
		CommitThreshold: 5,
		Interval:        10 * time.Millisecond,
	})
	admitN(t, l, 5)
	w.Start()
	defer w.Stop()

	waitFor(t, func() bool { return sink.batchCount() >= 1 }, "no audit batch committed")

	sink.mu.Lock()
	batch := sink.batches[0]
	sink.mu.Unlock()
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	e := batch[0]
	if e.ShardID != 0 || e.Admitted != 5 || e.Refused != 0 {
		t.Errorf("entry = %+v, want shard 0 with 5 admitted", e)
	}
	if e.CommitID == "" {
		t.Error("entry missing commit id")
	}
}

func TestAuditFinalFlushOnStop(t *testing.T) {
	l := New(Options{Rate: 1000, Burst: 1000, Shards: 1})
	sink := &memAuditSink{}
	w := NewAuditWorker(l, sink, AuditWorkerOptions{
		CommitThreshold: 1000,
		Interval:        time.Hour, // only the final flush can commit
	})
	w.Start()
	admitN(t, l, 3)
	w.Stop()

	if got := sink.batchCount(); got != 1 {
		t.Fatalf("batches after stop = %d, want 1", got)
	}
	if got := sink.totalAdmitted(); got != 3 {
		t.Errorf("final flush admitted = %d, want 3", got)
	}
}

func TestAuditRetainsDeltaWhenSinkFails(t *testing.T) {
	l := New(Options{Rate: 1000, Burst: 1000, Shards: 1})
	sink := &memAuditSink{fail: 1}
	w := NewAuditWorker(l, sink, AuditWorkerOptions{
		CommitThreshold: 5,
		Interval:        10 * time.Millisecond,
	})
	admitN(t, l, 5)
	w.Start()
	defer w.Stop()

	waitFor(t, func() bool { return sink.batchCount() >= 1 }, "retry after sink failure never landed")

	// The failed attempt must not advance the committed watermark: exactly
	// one delivered batch carrying the full delta.
	if got := sink.totalAdmitted(); got != 5 {
		t.Errorf("delivered admitted = %d, want 5 (no loss, no double count)", got)
	}
}

func TestAuditHysteresisAndMaxAge(t *testing.T) {
	l := New(Options{Rate: 1000, Burst: 1000, Shards: 1})
	sink := &memAuditSink{}
	w := NewAuditWorker(l, sink, AuditWorkerOptions{
		CommitThreshold: 5,
		LowWatermark:    2,
		Interval:        time.Hour, // cycles driven by hand
		MaxAge:          50 * time.Millisecond,
	})

	admitN(t, l, 5)
	w.runCommitCycle(false)
	if got := sink.batchCount(); got != 1 {
		t.Fatalf("armed threshold commit: batches = %d, want 1", got)
	}

	// Disarmed now: a fresh backlog at the threshold must be suppressed.
	admitN(t, l, 5)
	w.runCommitCycle(false)
	if got := sink.batchCount(); got != 1 {
		t.Fatalf("hysteresis breached: batches = %d, want still 1", got)
	}

	// MaxAge is the backstop while suppressed.
	time.Sleep(60 * time.Millisecond)
	w.runCommitCycle(false)
	if got := sink.batchCount(); got != 2 {
		t.Fatalf("max-age flush: batches = %d, want 2", got)
	}

	// Empty cycle drains the backlog below the low watermark and re-arms.
	w.runCommitCycle(false)
	admitN(t, l, 5)
	w.runCommitCycle(false)
	if got := sink.batchCount(); got != 3 {
		t.Fatalf("re-armed threshold commit: batches = %d, want 3", got)
	}
	if got := sink.totalAdmitted(); got != 15 {
		t.Errorf("total admitted = %d, want 15", got)
	}
}

func TestAuditStopIdempotentAndNilSink(t *testing.T) {
	l := New(Options{Rate: 100, Burst: 100})
	w := NewAuditWorker(l, nil, AuditWorkerOptions{Interval: 10 * time.Millisecond})
	w.Start()
	w.Stop()
	w.Stop()
}

// fakeEvaler emulates the SETNX-guarded Lua script in memory.
type fakeEvaler struct {
	mu      sync.Mutex
	markers map[string]bool
	hashes  map[string]map[string]int64
}

func newFakeEvaler() *fakeEvaler {
	return &fakeEvaler{markers: map[string]bool{}, hashes: map[string]map[string]int64{}}
}

func (f *fakeEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	marker, hash := keys[0], keys[1]
	if f.markers[marker] {
		return int64(0), nil
	}
	f.markers[marker] = true
	h := f.hashes[hash]
	if h == nil {
		h = map[string]int64{}
		f.hashes[hash] = h
	}
	h["admitted"] += args[0].(int64)
	h["refused"] += args[1].(int64)
	return int64(1), nil
}

func TestRedisAuditSinkIdempotent(t *testing.T) {
	ev := newFakeEvaler()
	sink := NewRedisAuditSink(ev, time.Minute)

	batch := []AuditEntry{{ShardID: 0, Admitted: 5, Refused: 2, Tokens: 1.5, CommitID: "c-1"}}
	if err := sink.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	// Replay with the same commit id: totals must not move.
	if err := sink.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("replayed CommitBatch() error = %v", err)
	}
	h := ev.hashes[AuditHashKey(0)]
	if h["admitted"] != 5 || h["refused"] != 2 {
		t.Errorf("totals after replay = %d/%d, want 5/2", h["admitted"], h["refused"])
	}

	// A new commit id applies on top.
	next := []AuditEntry{{ShardID: 0, Admitted: 3, Refused: 0, Tokens: 0.5, CommitID: "c-2"}}
	if err := sink.CommitBatch(context.Background(), next); err != nil {
		t.Fatalf("second CommitBatch() error = %v", err)
	}
	if h["admitted"] != 8 {
		t.Errorf("admitted after second commit = %d, want 8", h["admitted"])
	}
}

func TestBuildAuditSink(t *testing.T) {
	if s, err := BuildAuditSink("none", "", ""); err != nil || s != nil {
		t.Errorf("BuildAuditSink(none) = %v, %v, want nil, nil", s, err)
	}
	s, err := BuildAuditSink("log", "", "")
	if err != nil {
		t.Fatalf("BuildAuditSink(log) error = %v", err)
	}
	if err := s.CommitBatch(context.Background(), []AuditEntry{{ShardID: 0, Admitted: 1}}); err != nil {
		t.Errorf("log sink CommitBatch() error = %v", err)
	}
	fs, err := BuildAuditSink("file", "", filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("BuildAuditSink(file) error = %v", err)
	}
	if c, ok := fs.(*FileAuditSink); !ok {
		t.Errorf("BuildAuditSink(file) = %T, want *FileAuditSink", fs)
	} else {
		c.Close()
	}
	if _, err := BuildAuditSink("carrier-pigeon", "", ""); err == nil {
		t.Error("BuildAuditSink(carrier-pigeon) succeeded, want error")
	}
}
