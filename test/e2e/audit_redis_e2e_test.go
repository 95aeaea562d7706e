//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vocabforge/internal/ratelimit"
)

const redisAddr = "127.0.0.1:6379"

// TestRedisAuditIdempotentCommitE2E verifies the real Redis adapter applies a
// commit exactly once: replaying a batch with the same commit id must leave
// the shard hash untouched. Requires a Redis at 127.0.0.1:6379.
func TestRedisAuditIdempotentCommitE2E(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on %s: %v", redisAddr, err)
	}

	// Clean slate for the one shard hash this test touches. Commit markers
	// are made unique per run instead, so stale markers cannot interfere.
	hashKey := ratelimit.AuditHashKey(0)
	_ = rc.Del(context.Background(), hashKey).Err()

	sink := ratelimit.NewRedisAuditSink(ratelimit.NewGoRedisEvaler(redisAddr), time.Hour)
	batch := []ratelimit.AuditEntry{{
		ShardID:  0,
		Admitted: 5,
		Refused:  2,
		Tokens:   1.5,
		CommitID: fmt.Sprintf("e2e-%d", time.Now().UnixNano()),
	}}

	if err := sink.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}
	// Replay the identical batch: the SETNX marker must swallow it.
	if err := sink.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("replayed CommitBatch failed: %v", err)
	}

	admitted, err := hgetInt(rc, hashKey, "admitted")
	if err != nil {
		t.Fatalf("read shard hash: %v", err)
	}
	refused, err := hgetInt(rc, hashKey, "refused")
	if err != nil {
		t.Fatalf("read shard hash: %v", err)
	}
	if admitted != 5 || refused != 2 {
		t.Fatalf("shard totals = %d/%d, want 5/2 (replay must not double-book)", admitted, refused)
	}
}

// TestRedisAuditWorkerE2E drives a real limiter and audit worker against
// Redis: after admissions and a final flush, the per-shard hashes must add
// up to the number of admitted calls.
func TestRedisAuditWorkerE2E(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on %s: %v", redisAddr, err)
	}

	const shards = 2
	for i := 0; i < shards; i++ {
		_ = rc.Del(context.Background(), ratelimit.AuditHashKey(i)).Err()
	}

	l := ratelimit.New(ratelimit.Options{
		Rate:   100000,
		Period: time.Second,
		Burst:  100000,
		Shards: shards,
	})
	sink := ratelimit.NewRedisAuditSink(ratelimit.NewGoRedisEvaler(redisAddr), time.Hour)
	w := ratelimit.NewAuditWorker(l, sink, ratelimit.AuditWorkerOptions{
		CommitThreshold: 1,
		Interval:        20 * time.Millisecond,
	})
	w.Start()

	admitted := 0
	for i := 0; i < 120; i++ {
		if l.TryAcquire(fmt.Sprintf("key-%d", i), 1).Allowed {
			admitted++
		}
	}
	if admitted != 120 {
		t.Fatalf("admitted %d of 120 with an oversized budget", admitted)
	}

	// Let a few commit cycles run, then force the final flush.
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	total := int64(0)
	for i := 0; i < shards; i++ {
		n, err := hgetInt(rc, ratelimit.AuditHashKey(i), "admitted")
		if err != nil {
			t.Fatalf("read shard %d hash: %v", i, err)
		}
		total += n
	}
	if total != int64(admitted) {
		t.Fatalf("redis admitted total = %d, want %d", total, admitted)
	}
}

// hgetInt reads one integer field from a hash, treating a missing field as 0.
func hgetInt(rc *redis.Client, key, field string) (int64, error) {
	s, err := rc.HGet(context.Background(), key, field).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
