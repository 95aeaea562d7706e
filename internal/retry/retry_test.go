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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"vocabforge/internal/breaker"
	"vocabforge/internal/faults"
)

// captureSleep records scheduled delays instead of sleeping.
type captureSleep struct {
	delays []time.Duration
}

func (c *captureSleep) sleep(ctx context.Context, d time.Duration) error {
	c.delays = append(c.delays, d)
	return nil
}

func transient(msg string) *faults.Error {
	return faults.New(faults.Transient, faults.Medium, "llm_unavailable", msg)
}

func TestDoFirstTrySuccess(t *testing.T) {
	calls := 0
	p := Policy{OnRetry: func(int, time.Duration, error) {
		t.Error("OnRetry fired for a first-try success")
	}}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Do() = %v after %d calls, want nil after 1", err, calls)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	cs := &captureSleep{}
	var retries []int
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Jitter:       -1,
		OnRetry: func(attempt int, d time.Duration, err error) {
			retries = append(retries, attempt)
		},
		Sleep: cs.sleep,
	}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transient("503")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
	}
	// Deterministic schedule without jitter: 1ms then 2ms.
	if len(cs.delays) != 2 || cs.delays[0] != time.Millisecond || cs.delays[1] != 2*time.Millisecond {
		t.Errorf("delays = %v, want [1ms 2ms]", cs.delays)
	}
}

func TestDoPermanentReturnsImmediately(t *testing.T) {
	calls := 0
	perm := faults.New(faults.Permanent, faults.Critical, "auth_rejected", "401 unauthorized")
	p := Policy{MaxAttempts: 5, Sleep: (&captureSleep{}).sleep}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return perm
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors must not retry)", calls)
	}
	if !errors.Is(err, perm) {
		t.Errorf("Do() = %v, want the original error", err)
	}
}

func TestDoCircuitOpenNotRetried(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, Sleep: (&captureSleep{}).sleep}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &breaker.OpenError{State: breaker.StateOpen, RecoverAt: time.Now().Add(time.Minute)}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (circuit refusals must not retry)", calls)
	}
	if !breaker.IsOpen(err) {
		t.Errorf("Do() = %v, want the breaker refusal preserved", err)
	}
}

func TestDoExhaustionAnnotatesAttempts(t *testing.T) {
	exhausted := 0
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Sleep:        (&captureSleep{}).sleep,
		OnExhausted: func(attempts int, err error) {
			exhausted = attempts
		},
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return transient("still down")
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after exhaustion")
	}
	if exhausted != 3 {
		t.Errorf("OnExhausted attempts = %d, want 3", exhausted)
	}
	fe, ok := faults.From(err)
	if !ok {
		t.Fatalf("Do() = %v, taxonomy lost", err)
	}
	if fe.Context["attempts"] != "3" {
		t.Errorf("attempts context = %q, want \"3\"", fe.Context["attempts"])
	}
	if c, _ := faults.CategoryOf(err); c != faults.Transient {
		t.Errorf("category = %v, want transient (chain preserved)", c)
	}
}

func TestDoHintRaisesDelay(t *testing.T) {
	cs := &captureSleep{}
	p := Policy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Jitter:       -1,
		Sleep:        cs.sleep,
	}
	hinted := transient("429 too many requests").WithRetryAfter(2 * time.Second)
	calls := 0
	p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return hinted
		}
		return nil
	})
	if len(cs.delays) != 1 {
		t.Fatalf("delays = %v, want exactly one", cs.delays)
	}
	// The 2s hint overrides the 1ms computed backoff.
	if cs.delays[0] != 2*time.Second {
		t.Errorf("delay = %v, want 2s (hint wins)", cs.delays[0])
	}
}

func TestDoHintCappedByMaxDelay(t *testing.T) {
	cs := &captureSleep{}
	p := Policy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     30 * time.Millisecond,
		Jitter:       -1,
		Sleep:        cs.sleep,
	}
	hinted := transient("429").WithRetryAfter(10 * time.Second)
	calls := 0
	p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return hinted
		}
		return nil
	})
	if len(cs.delays) != 1 || cs.delays[0] != 30*time.Millisecond {
		t.Errorf("delays = %v, want [30ms] (cap beats hint)", cs.delays)
	}
}

func TestDoCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	p := Policy{MaxAttempts: 3, InitialDelay: 5 * time.Second}
	start := time.Now()
	err := p.Do(ctx, func(ctx context.Context) error {
		return transient("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, want prompt abort", elapsed)
	}
}

func TestRetryableGate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", transient("503"), true},
		{"degraded", faults.New(faults.Degraded, faults.Low, "cache_miss_storm", "slow path"), true},
		{"permanent", faults.New(faults.Permanent, faults.Medium, "bad_request", "400"), false},
		{"business", faults.New(faults.Business, faults.Medium, "empty_item", "no definition"), false},
		{"system", faults.New(faults.System, faults.High, "quota_exhausted", "daily budget spent"), false},
		{"breaker open", &breaker.OpenError{State: breaker.StateOpen}, false},
		{"cancelled", context.Canceled, false},
		{"bare timeout", context.DeadlineExceeded, true},
		{"unknown", errors.New("mystery"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
