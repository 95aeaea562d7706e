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

import "fmt"

// Policy selects eviction victims in the memory tier. Expired entries are
// always preferred over any policy choice.
type Policy string

const (
	// LRU evicts the least recently accessed entry.
	LRU Policy = "lru"
	// LFU evicts the entry with the fewest hits, oldest access breaking ties.
	LFU Policy = "lfu"
	// FIFO evicts the oldest entry by creation time.
	FIFO Policy = "fifo"
	// TTL evicts the entry closest to expiry; entries without one rank last.
	TTL Policy = "ttl"
)

// ParsePolicy resolves a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case LRU, LFU, FIFO, TTL:
		return Policy(s), nil
	case "":
		return LRU, nil
	default:
		return "", fmt.Errorf("unknown cache policy %q", s)
	}
}

// better reports whether a is a better victim than b under the policy.
func (p Policy) better(a, b *Entry) bool {
	switch p {
	case LFU:
		ah, bh := a.HitCount(), b.HitCount()
		if ah != bh {
			return ah < bh
		}
		return a.lastAccess.Load() < b.lastAccess.Load()
	case FIFO:
		return a.CreatedAt.Before(b.CreatedAt)
	case TTL:
		switch {
		case a.ExpiresAt.IsZero():
			return false
		case b.ExpiresAt.IsZero():
			return true
		default:
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
	default: // LRU
		return a.lastAccess.Load() < b.lastAccess.Load()
	}
}
