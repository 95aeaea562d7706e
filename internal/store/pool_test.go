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

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	db, err := sql.Open("sqlite3", DSN(filepath.Join(t.TempDir(), "pool.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := NewPool(db, opts)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		db.Close()
	})
	return p
}

func TestPoolStartWarmsToMin(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 2, MaxSize: 5})

	s := p.Stats()
	if s.Size != 2 || s.Idle != 2 || s.InUse != 0 {
		t.Errorf("stats after start = %+v, want size=2 idle=2 in_use=0", s)
	}
	if s.Created != 2 {
		t.Errorf("Created = %d, want 2", s.Created)
	}
}

func TestPoolAcquireReusesWarmConnection(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 1, MaxSize: 3})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := p.Stats().InUse; got != 1 {
		t.Errorf("InUse = %d, want 1", got)
	}
	pc.Release()

	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer pc2.Release()
	if pc2 != pc {
		t.Error("warm connection was not reused")
	}
	if got := p.Stats().Created; got != 1 {
		t.Errorf("Created = %d, want 1 (no extra dial)", got)
	}
}

func TestPoolExhaustionTimesOutThenHandsOff(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 2, MaxSize: 5, AcquireTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	conns := make([]*PooledConn, 0, 5)
	for i := 0; i < 5; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		conns = append(conns, pc)
	}
	if s := p.Stats(); s.Size != 5 || s.InUse != 5 {
		t.Fatalf("stats at capacity = %+v, want size=5 in_use=5", s)
	}

	// Sixth acquire finds nothing and must refuse only after the full wait.
	start := time.Now()
	_, err := p.Acquire(ctx)
	elapsed := time.Since(start)
	var pte *PoolTimeoutError
	if !errors.As(err, &pte) {
		t.Fatalf("error = %v, want PoolTimeoutError", err)
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("refused after %v, want >= 200ms", elapsed)
	}
	if pte.Stats.InUse != 5 {
		t.Errorf("error stats in_use = %d, want 5", pte.Stats.InUse)
	}
	if got := p.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
	if got := p.Stats().Size; got > 5 {
		t.Errorf("Size = %d, exceeded max", got)
	}

	// A release while someone waits is a direct handoff.
	type got struct {
		pc *PooledConn
		at time.Time
	}
	ch := make(chan got, 1)
	go func() {
		pc, err := p.Acquire(ctx)
		if err != nil {
			ch <- got{}
			return
		}
		ch <- got{pc: pc, at: time.Now()}
	}()
	time.Sleep(50 * time.Millisecond) // let the acquirer enqueue

	released := time.Now()
	conns[0].Release()
	g := <-ch
	if g.pc == nil {
		t.Fatal("waiting acquirer got no connection")
	}
	if g.pc != conns[0] {
		t.Error("waiter received a different connection than the one released")
	}
	if wait := g.at.Sub(released); wait > 100*time.Millisecond {
		t.Errorf("handoff took %v, want well under the acquire timeout", wait)
	}
	g.pc.Release()
	for _, pc := range conns[1:] {
		pc.Release()
	}
}

func TestPoolBrokenConnectionDestroyedOnRelease(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 2, MaxSize: 5})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.MarkBroken()
	pc.Release()

	s := p.Stats()
	if s.Destroyed != 1 {
		t.Errorf("Destroyed = %d, want 1", s.Destroyed)
	}
	if s.Size != 1 {
		t.Errorf("Size = %d, want 1 after destroying the broken connection", s.Size)
	}

	// The pool dials a replacement on demand.
	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after destroy: %v", err)
	}
	defer pc2.Release()
	if pc2 == pc {
		t.Error("destroyed connection came back")
	}
}

func TestPoolWaiterRetriesWhenBrokenConnReleased(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 1, MaxSize: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ch := make(chan error, 1)
	go func() {
		pc2, err := p.Acquire(ctx)
		if err == nil {
			pc2.Release()
		}
		ch <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Destroying the only connection must still unblock the waiter: the
	// freed slot lets it dial a fresh one.
	pc.MarkBroken()
	pc.Release()

	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("waiter error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never unblocked after broken release")
	}
	if got := p.Stats().Created; got != 2 {
		t.Errorf("Created = %d, want 2", got)
	}
}

func TestPoolAcquireHonorsContextCancel(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 1, MaxSize: 1, AcquireTimeout: 5 * time.Second})

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pc.Release()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		ch <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-ch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestPoolAcquireAfterClose(t *testing.T) {
	db, err := sql.Open("sqlite3", DSN(filepath.Join(t.TempDir(), "pool.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	p := NewPool(db, PoolOptions{MinSize: 1, MaxSize: 2})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after close = %v, want ErrPoolClosed", err)
	}
}

func TestPoolReaperHoldsTheFloor(t *testing.T) {
	p := newTestPool(t, PoolOptions{
		MinSize:             1,
		MaxSize:             3,
		IdleTimeout:         10 * time.Millisecond,
		HealthCheckInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	conns := make([]*PooledConn, 0, 3)
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		conns = append(conns, pc)
	}
	for _, pc := range conns {
		pc.Release()
	}
	if got := p.Stats().Size; got != 3 {
		t.Fatalf("Size = %d, want 3 before reaping", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := p.Stats()
		if s.Size < 1 {
			t.Fatalf("Size = %d, dropped below the floor", s.Size)
		}
		if s.Size == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Size = %d, want reaped to 1", p.Stats().Size)
}

func TestPoolStaleConnectionPingedNotDestroyed(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, PoolOptions{MinSize: 1, MaxSize: 2, Now: clock.Now})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.Release()

	// Past the fast-check window the next acquire pings first; a healthy
	// connection survives.
	clock.Advance(fastCheckWindow + time.Second)
	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire stale: %v", err)
	}
	defer pc2.Release()
	if pc2 != pc {
		t.Error("healthy stale connection was not reused")
	}
	if got := p.Stats().HealthFailures; got != 0 {
		t.Errorf("HealthFailures = %d, want 0", got)
	}
}

func TestPoolStatementCacheReuse(t *testing.T) {
	p := newTestPool(t, PoolOptions{MinSize: 1, MaxSize: 1})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pc.Release()

	if _, err := pc.prepared(ctx, "SELECT 1"); err != nil {
		t.Fatalf("prepared: %v", err)
	}
	if _, err := pc.prepared(ctx, "SELECT 1"); err != nil {
		t.Fatalf("prepared again: %v", err)
	}
	if got := pc.stmts.Len(); got != 1 {
		t.Errorf("statement cache entries = %d, want 1", got)
	}
	if _, err := pc.prepared(ctx, "SELECT 2"); err != nil {
		t.Fatalf("prepared other: %v", err)
	}
	if got := pc.stmts.Len(); got != 2 {
		t.Errorf("statement cache entries = %d, want 2", got)
	}
}
