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
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// L1Options configures the memory tier. Zero values take defaults.
type L1Options struct {
	// MaxEntries bounds the entry count. Default 10000.
	MaxEntries int
	// MaxBytes bounds the byte budget. Default 256 MiB.
	MaxBytes int64
	// Policy picks eviction victims. Default LRU.
	Policy Policy
	// HotThreshold is the hit count at which an entry becomes exempt from
	// eviction while colder entries exist. Default 5.
	HotThreshold int64
	// Shards is rounded up to a power of two. Default 16.
	Shards int
	// OnEvict observes entries leaving the tier involuntarily; expired
	// marks dead data (not worth demoting). Called outside shard locks.
	OnEvict func(e *Entry, expired bool)
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *L1Options) withDefaults() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 256 << 20
	}
	if o.Policy == "" {
		o.Policy = LRU
	}
	if o.HotThreshold <= 0 {
		o.HotThreshold = 5
	}
	if o.Shards <= 0 {
		o.Shards = 16
	}
	o.Shards = pow2(o.Shards)
	if o.Now == nil {
		o.Now = time.Now
	}
}

type l1shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// L1 is the sharded in-memory tier. Safe for concurrent use; no shard lock
// is held while OnEvict runs.
type L1 struct {
	opts   L1Options
	shards []*l1shard
	mask   uint64

	count atomic.Int64
	bytes atomic.Int64

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	tagMu sync.Mutex
	tags  map[string]map[string]struct{}
}

// NewL1 builds the memory tier.
func NewL1(opts L1Options) *L1 {
	opts.withDefaults()
	c := &L1{
		opts:   opts,
		shards: make([]*l1shard, opts.Shards),
		mask:   uint64(opts.Shards - 1),
		tags:   make(map[string]map[string]struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &l1shard{entries: make(map[string]*Entry)}
	}
	return c
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

func (c *L1) shardFor(key string) *l1shard {
	return c.shards[hashKey(key)&c.mask]
}

// Get returns the live entry for key, bumping its access metadata. Expired
// entries are removed on sight and reported as misses.
func (c *L1) Get(key string) (*Entry, bool) {
	now := c.opts.Now()
	sh := c.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok && e.Expired(now) {
		delete(sh.entries, key)
		sh.mu.Unlock()
		c.drop(e)
		c.expirations.Add(1)
		c.misses.Add(1)
		if c.opts.OnEvict != nil {
			c.opts.OnEvict(e, true)
		}
		return nil, false
	}
	sh.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e.Touch(now)
	c.hits.Add(1)
	return e, true
}

// Peek returns the entry without touching access metadata or expiring it.
func (c *L1) Peek(key string) (*Entry, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	sh.mu.Unlock()
	return e, ok
}

// Set inserts or replaces the entry, then evicts until the tier fits its
// budgets again.
func (c *L1) Set(e *Entry) {
	sh := c.shardFor(e.Key)
	sh.mu.Lock()
	old, replaced := sh.entries[e.Key]
	sh.entries[e.Key] = e
	sh.mu.Unlock()

	if replaced {
		c.bytes.Add(e.Size() - old.Size())
		c.retag(old, e)
	} else {
		c.count.Add(1)
		c.bytes.Add(e.Size())
		c.addTags(e)
	}
	c.evictToFit(int(hashKey(e.Key) & c.mask))
}

// Delete removes key without demotion.
func (c *L1) Delete(key string) bool {
	sh := c.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
	if ok {
		c.drop(e)
	}
	return ok
}

// DeleteByTag removes every entry carrying tag and returns how many went.
func (c *L1) DeleteByTag(tag string) int {
	c.tagMu.Lock()
	set := c.tags[tag]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	c.tagMu.Unlock()

	removed := 0
	for _, key := range keys {
		sh := c.shardFor(key)
		sh.mu.Lock()
		e, ok := sh.entries[key]
		// The index may lag a replace that dropped the tag.
		if ok && e.hasTag(tag) {
			delete(sh.entries, key)
		} else {
			ok = false
		}
		sh.mu.Unlock()
		if ok {
			c.drop(e)
			removed++
		}
	}
	return removed
}

// Range calls fn for a snapshot of every live entry; fn runs outside shard
// locks. Returning false stops the walk.
func (c *L1) Range(fn func(e *Entry) bool) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		snapshot := make([]*Entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			snapshot = append(snapshot, e)
		}
		sh.mu.Unlock()
		for _, e := range snapshot {
			if !fn(e) {
				return
			}
		}
	}
}

func (c *L1) Len() int     { return int(c.count.Load()) }
func (c *L1) Bytes() int64 { return c.bytes.Load() }

// L1Stats is a point-in-time counter snapshot.
type L1Stats struct {
	Entries     int   `json:"entries"`
	Bytes       int64 `json:"bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

func (c *L1) Stats() L1Stats {
	return L1Stats{
		Entries:     c.Len(),
		Bytes:       c.Bytes(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// Metadata snapshots every live entry's bookkeeping.
func (c *L1) Metadata() []EntryMeta {
	metas := make([]EntryMeta, 0, c.Len())
	c.Range(func(e *Entry) bool {
		hits := e.HitCount()
		metas = append(metas, EntryMeta{
			Key:       e.Key,
			Tier:      "l1",
			Tags:      e.Tags,
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
			HitCount:  hits,
			SizeBytes: e.Size(),
			Hot:       hits >= c.opts.HotThreshold,
		})
		return true
	})
	return metas
}

// ---- eviction ----

// evictToFit evicts victims until both budgets hold, preferring the shard
// that just grew.
func (c *L1) evictToFit(start int) {
	for c.count.Load() > int64(c.opts.MaxEntries) || c.bytes.Load() > c.opts.MaxBytes {
		if !c.evictOne(start) {
			return
		}
	}
}

// evictOne removes a single victim. The first pass honors the hot-entry
// exemption; when every candidate is hot the second pass ignores it, so the
// budget always wins.
func (c *L1) evictOne(start int) bool {
	now := c.opts.Now()
	for pass := 0; pass < 2; pass++ {
		skipHot := pass == 0
		for i := 0; i < len(c.shards); i++ {
			sh := c.shards[(start+i)&int(c.mask)]
			victim, expired := sh.takeVictim(c.opts.Policy, c.opts.HotThreshold, skipHot, now)
			if victim == nil {
				continue
			}
			c.drop(victim)
			if expired {
				c.expirations.Add(1)
			} else {
				c.evictions.Add(1)
			}
			if c.opts.OnEvict != nil {
				c.opts.OnEvict(victim, expired)
			}
			return true
		}
	}
	return false
}

// takeVictim picks and removes the shard's best victim under the policy.
// Expired entries win outright.
func (s *l1shard) takeVictim(p Policy, hot int64, skipHot bool, now time.Time) (victim *Entry, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Entry
	for _, e := range s.entries {
		if e.Expired(now) {
			best = e
			expired = true
			break
		}
		if skipHot && e.HitCount() >= hot {
			continue
		}
		if best == nil || p.better(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	delete(s.entries, best.Key)
	return best, expired
}

// ---- accounting ----

// drop rolls an entry out of the counters and the tag index.
func (c *L1) drop(e *Entry) {
	c.count.Add(-1)
	c.bytes.Add(-e.Size())
	c.removeTags(e)
}

func (c *L1) addTags(e *Entry) {
	if len(e.Tags) == 0 {
		return
	}
	c.tagMu.Lock()
	for _, t := range e.Tags {
		set := c.tags[t]
		if set == nil {
			set = make(map[string]struct{})
			c.tags[t] = set
		}
		set[e.Key] = struct{}{}
	}
	c.tagMu.Unlock()
}

func (c *L1) removeTags(e *Entry) {
	if len(e.Tags) == 0 {
		return
	}
	c.tagMu.Lock()
	for _, t := range e.Tags {
		if set := c.tags[t]; set != nil {
			delete(set, e.Key)
			if len(set) == 0 {
				delete(c.tags, t)
			}
		}
	}
	c.tagMu.Unlock()
}

func (c *L1) retag(old, fresh *Entry) {
	c.removeTags(old)
	c.addTags(fresh)
}

func pow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return x + 1
}
