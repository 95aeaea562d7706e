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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// auditLuaScript applies one shard delta exactly once. The commit marker is
// SETNX-guarded so a replayed batch (same CommitID) leaves the hash
// untouched. Returns 1 when applied, 0 when the marker already existed.
const auditLuaScript = `
local marker = KEYS[1]
local hash = KEYS[2]
if redis.call("SETNX", marker, 1) == 1 then
  redis.call("EXPIRE", marker, tonumber(ARGV[4]))
  redis.call("HINCRBY", hash, "admitted", tonumber(ARGV[1]))
  redis.call("HINCRBY", hash, "refused", tonumber(ARGV[2]))
  redis.call("HSET", hash, "tokens", ARGV[3])
  return 1
end
return 0
`

// RedisEvaler is the narrow slice of the Redis API the audit sink needs.
// Tests substitute an in-memory implementation.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// AuditHashKey is the Redis hash holding a shard's running totals.
func AuditHashKey(shardID int) string {
	return fmt.Sprintf("vocabforge:audit:shard:{%d}", shardID)
}

// AuditMarkerKey is the idempotency marker for one commit of one shard. The
// hash tag keeps marker and hash in the same cluster slot.
func AuditMarkerKey(shardID int, commitID string) string {
	return fmt.Sprintf("vocabforge:audit:commit:{%d}:%s", shardID, commitID)
}

// RedisAuditSink commits batches through the Lua script, one entry at a
// time. Partial failure returns the first error; already-applied entries are
// protected by their markers on retry.
type RedisAuditSink struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewRedisAuditSink wraps the client. markerTTL <= 0 defaults to 24h, long
// enough to cover any plausible retry horizon.
func NewRedisAuditSink(client RedisEvaler, markerTTL time.Duration) *RedisAuditSink {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisAuditSink{client: client, markerTTL: markerTTL}
}

func (s *RedisAuditSink) CommitBatch(ctx context.Context, entries []AuditEntry) error {
	ttl := int(s.markerTTL / time.Second)
	for _, e := range entries {
		keys := []string{AuditMarkerKey(e.ShardID, e.CommitID), AuditHashKey(e.ShardID)}
		res, err := s.client.Eval(ctx, auditLuaScript, keys,
			e.Admitted, e.Refused, fmt.Sprintf("%.4f", e.Tokens), ttl)
		if err != nil {
			return fmt.Errorf("audit commit shard %d: %w", e.ShardID, err)
		}
		if applied, ok := res.(int64); ok && applied == 0 {
			logrus.WithFields(logrus.Fields{
				"shard":  e.ShardID,
				"commit": e.CommitID,
			}).Debug("audit commit already applied, skipping")
		}
	}
	return nil
}

// GoRedisEvaler adapts a real go-redis client to RedisEvaler.
type GoRedisEvaler struct {
	client *redis.Client
}

// NewGoRedisEvaler connects to a single Redis instance.
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.client.Eval(ctx, script, keys, args...).Result()
}
