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

// Package store wraps SQLite behind a bounded connection pool, a query
// executor with a result cache and savepoint-nested transactions, and an
// advisory query optimizer. Higher layers speak to the Store facade; the
// pool and executor are exported for the pieces that need raw access.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vocabforge/internal/telemetry"
)

// ErrPoolClosed is returned by Acquire after Close has begun.
var ErrPoolClosed = errors.New("store: pool is closed")

// fastCheckWindow is how recently a connection must have been used for
// release-to-acquire reuse to skip the ping.
const fastCheckWindow = 30 * time.Second

// PoolOptions configures a connection pool. Zero values select defaults.
type PoolOptions struct {
	// MinSize is the floor the maintenance loop keeps the pool at.
	// Default 2.
	MinSize int

	// MaxSize caps total connections, in use plus idle. Default 5.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits for a free
	// connection before failing with a PoolTimeoutError. Default 5s.
	AcquireTimeout time.Duration

	// IdleTimeout is how long an idle connection may sit unused before
	// the maintenance loop closes it. Default 5m.
	IdleTimeout time.Duration

	// HealthCheckInterval is the maintenance loop period. Default 30s.
	HealthCheckInterval time.Duration

	// StmtCacheSize bounds each connection's prepared statement cache.
	// Default 64.
	StmtCacheSize int

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MinSize <= 0 {
		o.MinSize = 2
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 5
	}
	if o.MinSize > o.MaxSize {
		o.MinSize = o.MaxSize
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.StmtCacheSize <= 0 {
		o.StmtCacheSize = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// PoolStats is a point-in-time snapshot of pool state and counters.
type PoolStats struct {
	Size    int `json:"size"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiters int `json:"waiters"`

	Created        int64 `json:"created"`
	Destroyed      int64 `json:"destroyed"`
	Acquires       int64 `json:"acquires"`
	Timeouts       int64 `json:"timeouts"`
	HealthFailures int64 `json:"health_failures"`
}

// PoolTimeoutError reports an Acquire that found no connection within
// the timeout. It carries the pool state at the moment of failure so
// the caller can log something actionable.
type PoolTimeoutError struct {
	Wait  time.Duration
	Stats PoolStats
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("store: no connection after %s (in_use=%d idle=%d waiters=%d)",
		e.Wait, e.Stats.InUse, e.Stats.Idle, e.Stats.Waiters)
}

// PooledConn is one managed connection. It owns a bounded LRU of
// prepared statements; eviction and connection close finalize the
// statements it holds.
type PooledConn struct {
	pool  *Pool
	conn  *sql.Conn
	stmts *lru.Cache[string, *sql.Stmt]

	createdAt time.Time
	lastUsed  time.Time
	uses      int64
	broken    atomic.Bool
}

// MarkBroken flags the connection so Release destroys it instead of
// returning it to the idle set.
func (pc *PooledConn) MarkBroken() { pc.broken.Store(true) }

// Release returns the connection to its pool.
func (pc *PooledConn) Release() { pc.pool.Release(pc) }

// prepared returns a statement for text, preparing and caching it on
// first use. The cache keys on the exact statement text; two texts
// that differ only in literals are distinct statements.
func (pc *PooledConn) prepared(ctx context.Context, text string) (*sql.Stmt, error) {
	if st, ok := pc.stmts.Get(text); ok {
		return st, nil
	}
	st, err := pc.conn.PrepareContext(ctx, text)
	if err != nil {
		return nil, err
	}
	pc.stmts.Add(text, st)
	return st, nil
}

func (pc *PooledConn) closeAll() {
	pc.stmts.Purge() // eviction callback closes each statement
	if err := pc.conn.Close(); err != nil {
		logrus.WithError(err).Debug("store: closing pooled connection")
	}
}

// Pool hands out SQLite connections between MinSize and MaxSize,
// health-checks them, and reaps idle ones. Waiters receive released
// connections by direct handoff, so a release unblocks an acquirer
// without a polling delay.
type Pool struct {
	db   *sql.DB
	opts PoolOptions

	mu      sync.Mutex
	idle    []*PooledConn // front is coldest, back is most recently released
	waiters []chan *PooledConn
	size    int
	closed  bool

	created        atomic.Int64
	destroyed      atomic.Int64
	acquires       atomic.Int64
	timeouts       atomic.Int64
	healthFailures atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewPool wraps db. The pool does not open connections until Start.
func NewPool(db *sql.DB, opts PoolOptions) *Pool {
	opts = opts.withDefaults()
	// database/sql must never cap below us or close idles behind our back.
	db.SetMaxOpenConns(opts.MaxSize)
	db.SetMaxIdleConns(opts.MaxSize)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	return &Pool{
		db:       db,
		opts:     opts,
		stopChan: make(chan struct{}),
	}
}

// Start warms the pool to MinSize and launches the maintenance loop.
func (p *Pool) Start(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.size >= p.opts.MinSize {
			p.mu.Unlock()
			break
		}
		p.size++
		p.mu.Unlock()

		pc, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			return errors.Wrap(err, "store: warming pool")
		}
		p.mu.Lock()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.maintainLoop()

	logrus.WithFields(logrus.Fields{
		"min": p.opts.MinSize,
		"max": p.opts.MaxSize,
	}).Info("store: connection pool started")
	p.publishGauges()
	return nil
}

// Acquire returns a connection, waiting up to AcquireTimeout for one to
// free up. A released connection is handed directly to the oldest
// waiter.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadline := time.NewTimer(p.opts.AcquireTimeout)
	defer deadline.Stop()

	for {
		pc, wait, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if pc != nil {
			p.leased(pc)
			return pc, nil
		}

		select {
		case pc := <-wait:
			if pc != nil {
				p.leased(pc)
				return pc, nil
			}
			// A slot freed without a connection to hand over; loop
			// and create one.
		case <-deadline.C:
			p.abandonWaiter(wait)
			p.timeouts.Add(1)
			return nil, &PoolTimeoutError{Wait: p.opts.AcquireTimeout, Stats: p.Stats()}
		case <-ctx.Done():
			p.abandonWaiter(wait)
			return nil, ctx.Err()
		}
	}
}

// tryAcquire returns exactly one of: a connection, a waiter channel, or
// an error.
func (p *Pool) tryAcquire(ctx context.Context) (*PooledConn, chan *PooledConn, error) {
	for {
		now := p.opts.Now()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			fresh := now.Sub(pc.lastUsed) <= fastCheckWindow
			p.mu.Unlock()
			if fresh {
				return pc, nil, nil
			}
			// Stale: the fast path does not apply, ping before reuse.
			if err := pc.conn.PingContext(ctx); err == nil && !pc.broken.Load() {
				return pc, nil, nil
			}
			p.healthFailures.Add(1)
			p.destroy(pc)
			continue
		}

		if p.size < p.opts.MaxSize {
			p.size++ // reserve the slot before the blocking open
			p.mu.Unlock()
			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				p.wakeOne(nil)
				return nil, nil, errors.Wrap(err, "store: opening connection")
			}
			return pc, nil, nil
		}

		ch := make(chan *PooledConn, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()
		return nil, ch, nil
	}
}

// Release validates the connection and either hands it to a waiter,
// returns it to the idle set, or destroys it.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}
	pc.lastUsed = p.opts.Now()
	pc.uses++

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	if pc.broken.Load() {
		p.mu.Unlock()
		p.healthFailures.Add(1)
		p.destroy(pc)
		// The slot freed; a waiter may now create a replacement.
		p.wakeOne(nil)
		p.publishGauges()
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- pc // buffered; an abandoned waiter drains it back
		p.publishGauges()
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	p.publishGauges()
}

// Stats snapshots the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{
		Size:    p.size,
		Idle:    len(p.idle),
		InUse:   p.size - len(p.idle),
		Waiters: len(p.waiters),
	}
	p.mu.Unlock()
	s.Created = p.created.Load()
	s.Destroyed = p.destroyed.Load()
	s.Acquires = p.acquires.Load()
	s.Timeouts = p.timeouts.Load()
	s.HealthFailures = p.healthFailures.Load()
	return s
}

// Close stops the maintenance loop, fails pending waiters, and closes
// idle connections. Connections in use are closed as they are released.
func (p *Pool) Close() error {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return nil
	}
	close(p.stopChan)
	p.wg.Wait()

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil // wakes the waiter, which then sees closed
	}
	for _, pc := range idle {
		p.destroy(pc)
	}
	logrus.Info("store: connection pool closed")
	return nil
}

// ---- internals ----

func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	stmts, err := lru.NewWithEvict[string, *sql.Stmt](p.opts.StmtCacheSize, func(_ string, st *sql.Stmt) {
		st.Close()
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	now := p.opts.Now()
	p.created.Add(1)
	return &PooledConn{
		pool:      p,
		conn:      conn,
		stmts:     stmts,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// destroy closes pc and gives back its slot.
func (p *Pool) destroy(pc *PooledConn) {
	pc.closeAll()
	p.destroyed.Add(1)
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
}

// wakeOne delivers pc (possibly nil, meaning "a slot freed") to the
// oldest waiter, if any. Returns whether a waiter took it.
func (p *Pool) wakeOne(pc *PooledConn) bool {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return false
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	ch <- pc
	return true
}

// abandonWaiter removes ch from the queue. If a release already popped
// ch, its send is guaranteed, so wait for it and put the connection
// back.
func (p *Pool) abandonWaiter(ch chan *PooledConn) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	if pc := <-ch; pc != nil {
		p.Release(pc)
	}
}

func (p *Pool) leased(pc *PooledConn) {
	p.acquires.Add(1)
	p.publishGauges()
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	inUse := p.size - len(p.idle)
	idle := len(p.idle)
	p.mu.Unlock()
	telemetry.SetPoolGauges(inUse, idle)
}

func (p *Pool) maintainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.maintain()
		case <-p.stopChan:
			return
		}
	}
}

// maintain reaps idle connections past IdleTimeout without dropping the
// pool below MinSize, pings the idle survivors, and tops the pool back
// up to MinSize.
func (p *Pool) maintain() {
	now := p.opts.Now()

	p.mu.Lock()
	var victims []*PooledConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if now.Sub(pc.lastUsed) > p.opts.IdleTimeout && p.size-len(victims) > p.opts.MinSize {
			victims = append(victims, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	check := make([]*PooledConn, len(kept))
	copy(check, kept)
	p.mu.Unlock()

	for _, pc := range victims {
		p.destroy(pc)
	}
	if len(victims) > 0 {
		logrus.WithField("reaped", len(victims)).Debug("store: reaped idle connections")
	}

	// Full health pass over survivors that sat idle past the fast window.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pc := range check {
		if now.Sub(pc.lastUsed) <= fastCheckWindow {
			continue
		}
		if err := pc.conn.PingContext(ctx); err != nil {
			p.healthFailures.Add(1)
			if p.removeIdle(pc) {
				p.destroy(pc)
			}
		}
	}

	// Top back up to the floor.
	for {
		p.mu.Lock()
		if p.closed || p.size >= p.opts.MinSize {
			p.mu.Unlock()
			break
		}
		p.size++
		p.mu.Unlock()

		pc, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			logrus.WithError(err).Warn("store: pool top-up failed")
			break
		}
		if p.wakeOne(pc) {
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroy(pc)
			break
		}
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	p.publishGauges()
}

// removeIdle takes pc out of the idle set if it is still there,
// reporting whether the caller now owns it.
func (p *Pool) removeIdle(pc *PooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.idle {
		if c == pc {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}
