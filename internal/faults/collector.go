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

// This file implements the collector: a bounded in-memory buffer of error
// records with synchronous subscriber hooks and an asynchronous flush into a
// persistent sink.
package faults

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink receives flushed batches. The relational store provides the real one;
// tests use in-memory fakes.
type Sink interface {
	WriteErrors(ctx context.Context, batch []*Error) error
}

// Handler observes records synchronously at collection time. Handlers must be
// fast; they run on the collecting goroutine.
type Handler func(*Error)

// CategoryHandler wraps h so it only fires for records of category c.
func CategoryHandler(c Category, h Handler) Handler {
	return func(e *Error) {
		if e.Category == c {
			h(e)
		}
	}
}

// CollectorOptions configures a Collector. Zero values take defaults.
type CollectorOptions struct {
	// BufferSize bounds the unflushed record buffer. Overflow drops the
	// oldest record and increments the dropped counter. Default 1000.
	BufferSize int
	// FlushInterval is the periodic flush cadence. Default 5s.
	FlushInterval time.Duration
	// FlushThreshold triggers an immediate flush when the pending count
	// reaches it. Default 64.
	FlushThreshold int
	// FlushTimeout bounds one sink write. Default 5s.
	FlushTimeout time.Duration
	// Sink persists flushed batches. Nil disables persistence; records are
	// still aggregated for analytics.
	Sink Sink
}

func (o *CollectorOptions) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 64
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
}

// Collector buffers categorized failures, notifies subscribers, keeps
// aggregates for analytics, and flushes batches to the sink in the
// background. Collect never blocks on I/O.
type Collector struct {
	opts CollectorOptions

	mu       sync.Mutex
	pending  []*Error
	handlers []Handler

	worstCat Category
	worstSev Severity
	seen     bool

	agg     aggregator
	dropped atomic.Uint64

	kick     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
	started  uint32
}

// NewCollector creates a collector. Call Start to launch the flush loop.
func NewCollector(opts CollectorOptions) *Collector {
	opts.withDefaults()
	c := &Collector{
		opts:     opts,
		pending:  make([]*Error, 0, opts.BufferSize),
		kick:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	c.agg.init()
	return c
}

// Subscribe registers a synchronous handler for every collected record.
func (c *Collector) Subscribe(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Collect records one failure: aggregates it, invokes handlers, and queues it
// for flushing. Nil records are ignored.
func (c *Collector) Collect(e *Error) {
	if e == nil {
		return
	}
	c.mu.Lock()
	if !c.seen || e.Severity > c.worstSev {
		c.worstSev = e.Severity
	}
	if !c.seen {
		c.worstCat = e.Category
	} else {
		c.worstCat = Worse(c.worstCat, e.Category)
	}
	c.seen = true

	if len(c.pending) >= c.opts.BufferSize {
		// Drop oldest to keep the buffer bounded.
		copy(c.pending, c.pending[1:])
		c.pending = c.pending[:len(c.pending)-1]
		c.dropped.Add(1)
	}
	c.pending = append(c.pending, e)
	handlers := c.handlers
	pendingLen := len(c.pending)
	c.mu.Unlock()

	c.agg.observe(e)

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("panic", r).Error("error handler panicked")
				}
			}()
			h(e)
		}()
	}

	if pendingLen >= c.opts.FlushThreshold {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the background flush loop. Safe to call once.
func (c *Collector) Start() {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.flushLoop()
	}()
}

// Stop flushes remaining records and halts the loop. Safe to call multiple
// times.
func (c *Collector) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	if atomic.LoadUint32(&c.started) == 1 {
		c.wg.Wait()
	} else {
		c.flush()
	}
}

// Dropped returns the number of records lost to buffer overflow.
func (c *Collector) Dropped() uint64 { return c.dropped.Load() }

// Pending returns the number of records awaiting flush.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Worst reports the most severe category and severity observed so far. ok is
// false when nothing has been collected.
func (c *Collector) Worst() (cat Category, sev Severity, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worstCat, c.worstSev, c.seen
}

func (c *Collector) flushLoop() {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.kick:
			c.flush()
		case <-c.stopChan:
			// Final flush commits everything still pending.
			c.flush()
			return
		}
	}
}

// flush hands the pending batch to the sink. On sink failure the batch is
// requeued ahead of newer records, bounded by BufferSize.
func (c *Collector) flush() {
	if c.opts.Sink == nil {
		c.mu.Lock()
		c.pending = c.pending[:0]
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make([]*Error, 0, c.opts.BufferSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushTimeout)
	err := c.opts.Sink.WriteErrors(ctx, batch)
	cancel()
	if err == nil {
		return
	}
	logrus.WithError(err).Warnf("error flush failed, requeueing %d records", len(batch))
	c.mu.Lock()
	merged := append(batch, c.pending...)
	if over := len(merged) - c.opts.BufferSize; over > 0 {
		merged = merged[over:]
		c.dropped.Add(uint64(over))
	}
	c.pending = merged
	c.mu.Unlock()
}
