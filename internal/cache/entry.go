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

// Package cache is a two-tier cache: a bounded in-memory tier with pluggable
// eviction, and a compressed file tier underneath it. An entry lives in one
// tier at a time: promotion removes the file copy, eviction from memory
// demotes to disk.
package cache

import (
	"sync/atomic"
	"time"
)

// entryOverhead approximates per-entry bookkeeping bytes beyond key and
// value, used for the byte budget.
const entryOverhead = 120

// Entry is one cached record. Key, Value, Tags, CreatedAt and ExpiresAt are
// immutable after creation; access metadata uses atomics so reads never take
// the shard lock twice.
type Entry struct {
	Key       string
	Value     []byte
	Tags      []string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry

	lastAccess atomic.Int64 // unix nanos
	hits       atomic.Int64
}

// newEntry stamps creation and first-access time.
func newEntry(key string, value []byte, ttl time.Duration, tags []string, now time.Time) *Entry {
	e := &Entry{
		Key:       key,
		Value:     value,
		Tags:      tags,
		CreatedAt: now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	e.lastAccess.Store(now.UnixNano())
	return e
}

// Expired reports whether the entry's TTL has lapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Touch records a hit.
func (e *Entry) Touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
	e.hits.Add(1)
}

// HitCount returns the number of recorded hits.
func (e *Entry) HitCount() int64 { return e.hits.Load() }

// LastAccess returns the most recent hit or creation time.
func (e *Entry) LastAccess() time.Time {
	return time.Unix(0, e.lastAccess.Load())
}

// Size is the entry's contribution to the byte budget.
func (e *Entry) Size() int64 {
	return int64(len(e.Key)+len(e.Value)) + entryOverhead
}

// TTLRemaining returns the time left before expiry, or 0 for entries
// without one.
func (e *Entry) TTLRemaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

func (e *Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EntryMeta is a flattened description of one live entry, for offline
// inspection. Tier is "l1" or "l2"; file-tier rows carry no hit counts
// because those live with the in-memory entry.
type EntryMeta struct {
	Key       string
	Tier      string
	Tags      []string
	CreatedAt time.Time
	ExpiresAt time.Time
	HitCount  int64
	SizeBytes int64
	Hot       bool
}
