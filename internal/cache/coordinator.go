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

package cache

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"vocabforge/internal/telemetry"
)

// Options configures the two-tier cache.
type Options struct {
	L1 L1Options
	// L2 is enabled when its Dir is non-empty.
	L2 L2Options
	// DefaultTTL applies when Set and GetOrCompute receive ttl <= 0.
	// Default 30 days.
	DefaultTTL time.Duration
	// WriteThrough also writes the file tier on every Set, instead of only
	// at demotion.
	WriteThrough bool
	// RefreshInterval is the refresh-ahead scan cadence. Default 30s.
	RefreshInterval time.Duration
	// RefreshWindow refreshes entries whose remaining TTL fell below it.
	// Default 5m.
	RefreshWindow time.Duration
	// RefreshActiveWithin limits refresh to entries accessed this recently.
	// Default 10m.
	RefreshActiveWithin time.Duration
	// WarmParallelism bounds concurrent warm loads. Default 8.
	WarmParallelism int
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 30 * 24 * time.Hour
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.RefreshWindow <= 0 {
		o.RefreshWindow = 5 * time.Minute
	}
	if o.RefreshActiveWithin <= 0 {
		o.RefreshActiveWithin = 10 * time.Minute
	}
	if o.WarmParallelism <= 0 {
		o.WarmParallelism = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Cache coordinates the tiers: L1 in front, file tier behind it, a
// singleflight group suppressing compute stampedes, and optional
// refresh-ahead for entries nearing expiry.
type Cache struct {
	opts Options
	l1   *L1
	l2   *L2 // nil when disabled

	group singleflight.Group

	promotions atomic.Int64
	demotions  atomic.Int64
	computes   atomic.Int64
	shared     atomic.Int64
	refreshes  atomic.Int64

	refreshStop chan struct{}
	refreshDone chan struct{}
	closed      atomic.Bool
}

// New builds the cache. The file tier index rebuilds from disk here; Start
// launches its background sweeper.
func New(opts Options) (*Cache, error) {
	opts.withDefaults()
	c := &Cache{opts: opts}

	if opts.L2.Dir != "" {
		opts.L2.Now = opts.Now
		l2, err := NewL2(opts.L2)
		if err != nil {
			return nil, err
		}
		c.l2 = l2
	}

	opts.L1.Now = opts.Now
	opts.L1.OnEvict = func(e *Entry, expired bool) {
		telemetry.ObserveEviction("l1")
		if expired || c.l2 == nil {
			return
		}
		// Demotion: the entry changes tiers instead of dying.
		if err := c.l2.Write(e); err != nil {
			logrus.WithError(err).WithField("key", e.Key).Warn("cache: demotion failed")
			return
		}
		c.demotions.Add(1)
	}
	c.l1 = NewL1(opts.L1)
	return c, nil
}

// Start launches background maintenance (file tier sweeper).
func (c *Cache) Start() {
	if c.l2 != nil {
		c.l2.Start()
	}
}

// Get returns the cached value for key. A file-tier hit promotes the entry
// into memory and removes the file copy.
func (c *Cache) Get(key string) ([]byte, bool) {
	if e, ok := c.l1.Get(key); ok {
		telemetry.ObserveCacheHit("l1")
		return e.Value, true
	}
	if c.l2 == nil {
		telemetry.ObserveCacheMiss()
		return nil, false
	}
	e, ok, err := c.l2.Read(key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("cache: file tier read failed")
	}
	if !ok {
		telemetry.ObserveCacheMiss()
		return nil, false
	}
	e.Touch(c.opts.Now())
	c.l1.Set(e)
	c.l2.Delete(key)
	c.promotions.Add(1)
	telemetry.ObserveCacheHit("l2")
	return e.Value, true
}

// Set stores value under key with the given ttl (<= 0 uses DefaultTTL).
func (c *Cache) Set(key string, value []byte, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	e := newEntry(key, value, ttl, tags, c.opts.Now())
	c.l1.Set(e)
	if c.opts.WriteThrough && c.l2 != nil {
		if err := c.l2.Write(e); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("cache: write-through failed")
		}
	}
}

// GetOrCompute returns the cached value or computes it once per key across
// concurrent callers. Waiters abandoned by their own context return its
// error while the flight completes for the rest.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Double-check: a racing flight may have landed the value already.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		c.computes.Add(1)
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl, tags...)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key string) bool {
	inL1 := c.l1.Delete(key)
	inL2 := c.l2 != nil && c.l2.Delete(key)
	return inL1 || inL2
}

// DeleteByTag removes every entry carrying tag from both tiers and returns
// the count.
func (c *Cache) DeleteByTag(tag string) int {
	n := c.l1.DeleteByTag(tag)
	if c.l2 != nil {
		n += c.l2.DeleteByTag(tag)
	}
	return n
}

// StartRefreshAhead begins background refresh of entries that are both
// recently used and close to expiry, so hot keys never take a miss. The
// loader recomputes one key's value.
func (c *Cache) StartRefreshAhead(loader func(ctx context.Context, key string) ([]byte, error)) {
	if c.refreshStop != nil {
		return
	}
	c.refreshStop = make(chan struct{})
	c.refreshDone = make(chan struct{})
	go func() {
		defer close(c.refreshDone)
		ticker := time.NewTicker(c.opts.RefreshInterval)
		defer ticker.Stop()
		sem := make(chan struct{}, 4)
		for {
			select {
			case <-ticker.C:
				for _, key := range c.refreshCandidates() {
					select {
					case sem <- struct{}{}:
					case <-c.refreshStop:
						return
					}
					go func(key string) {
						defer func() { <-sem }()
						c.refreshOne(key, loader)
					}(key)
				}
			case <-c.refreshStop:
				return
			}
		}
	}()
}

// refreshCandidates lists keys whose remaining TTL fell inside the refresh
// window and which saw a hit recently enough to stay worth keeping warm.
func (c *Cache) refreshCandidates() []string {
	now := c.opts.Now()
	var keys []string
	c.l1.Range(func(e *Entry) bool {
		if e.ExpiresAt.IsZero() {
			return true
		}
		remaining := e.TTLRemaining(now)
		if remaining > 0 && remaining <= c.opts.RefreshWindow &&
			now.Sub(e.LastAccess()) <= c.opts.RefreshActiveWithin {
			keys = append(keys, e.Key)
		}
		return true
	})
	return keys
}

// refreshOne recomputes a single key, deduplicated against user-facing
// flights on the same key.
func (c *Cache) refreshOne(key string, loader func(ctx context.Context, key string) ([]byte, error)) {
	e, ok := c.l1.Peek(key)
	if !ok {
		return
	}
	ttl := e.ExpiresAt.Sub(e.CreatedAt)
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		v, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl, e.Tags...)
		c.refreshes.Add(1)
		return v, nil
	})
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("cache: refresh-ahead failed")
	}
}

// Warm bulk-loads keys that are not already cached, with bounded
// parallelism. Individual load failures are logged and skipped; the count
// of entries actually loaded is returned.
func (c *Cache) Warm(ctx context.Context, keys []string, loader func(ctx context.Context, key string) ([]byte, error)) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.WarmParallelism)
	var warmed atomic.Int64
	for _, key := range keys {
		if _, ok := c.l1.Peek(key); ok {
			continue
		}
		if c.l2 != nil && c.l2.Contains(key) {
			continue
		}
		key := key
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			v, err := loader(gctx, key)
			if err != nil {
				logrus.WithError(err).WithField("key", key).Warn("cache: warm load failed")
				return nil
			}
			c.Set(key, v, 0)
			warmed.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(warmed.Load()), err
}

// Stats aggregates both tiers and the coordinator's own counters.
type Stats struct {
	L1         L1Stats  `json:"l1"`
	L2         *L2Stats `json:"l2,omitempty"`
	Promotions int64    `json:"promotions"`
	Demotions  int64    `json:"demotions"`
	Computes   int64    `json:"computes"`
	Shared     int64    `json:"shared"`
	Refreshes  int64    `json:"refreshes"`
}

func (c *Cache) Stats() Stats {
	s := Stats{
		L1:         c.l1.Stats(),
		Promotions: c.promotions.Load(),
		Demotions:  c.demotions.Load(),
		Computes:   c.computes.Load(),
		Shared:     c.shared.Load(),
		Refreshes:  c.refreshes.Load(),
	}
	if c.l2 != nil {
		l2 := c.l2.Stats()
		s.L2 = &l2
	}
	return s
}

// Metadata lists every live entry across both tiers, memory winning when a
// key briefly appears in both (write-through). Sorted by key so mirrors are
// deterministic.
func (c *Cache) Metadata() []EntryMeta {
	metas := c.l1.Metadata()
	if c.l2 != nil {
		seen := make(map[string]struct{}, len(metas))
		for _, m := range metas {
			seen[m.Key] = struct{}{}
		}
		for _, m := range c.l2.Metadata() {
			if _, dup := seen[m.Key]; !dup {
				metas = append(metas, m)
			}
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Key < metas[j].Key })
	return metas
}

// Close stops background work and flushes surviving memory entries to the
// file tier so a restart finds them.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.refreshStop != nil {
		close(c.refreshStop)
		<-c.refreshDone
	}
	if c.l2 == nil {
		return nil
	}
	now := c.opts.Now()
	var flushErr error
	c.l1.Range(func(e *Entry) bool {
		if e.Expired(now) {
			return true
		}
		if err := c.l2.Write(e); err != nil && flushErr == nil {
			flushErr = err
		}
		return true
	})
	c.l2.Stop()
	return flushErr
}
