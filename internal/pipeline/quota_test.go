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

package pipeline

import (
	"sync"
	"testing"

	"vocabforge/internal/faults"
)

func TestQuota_CrossingFiresOnceAndSticks(t *testing.T) {
	var mu sync.Mutex
	var firedWith []int64
	q := NewQuota(1000, 0, func(spent int64) {
		mu.Lock()
		firedWith = append(firedWith, spent)
		mu.Unlock()
	})

	q.Add(400)
	if q.Exhausted() {
		t.Fatal("exhausted below budget")
	}
	if q.Remaining() != 600 {
		t.Fatalf("Remaining = %d, want 600", q.Remaining())
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Add(100)
		}()
	}
	wg.Wait()

	if !q.Exhausted() {
		t.Fatal("not exhausted after overspend")
	}
	if len(firedWith) != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", len(firedWith))
	}
	if q.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0 after overspend", q.Remaining())
	}
}

func TestQuota_PreloadedSpendCountsAgainstBudget(t *testing.T) {
	fired := false
	q := NewQuota(500, 600, func(int64) { fired = true })
	if !q.Exhausted() || !fired {
		t.Fatal("a day already over budget must start exhausted")
	}
}

func TestQuota_NilMeansUnlimited(t *testing.T) {
	q := NewQuota(0, 99999, nil)
	if q != nil {
		t.Fatal("budget <= 0 should produce a nil guard")
	}
	q.Add(1 << 40)
	if q.Exhausted() {
		t.Fatal("nil guard can never exhaust")
	}
	if q.Remaining() != -1 || q.Spent() != 0 || q.Budget() != 0 {
		t.Fatal("nil guard accessors should report unlimited")
	}
}

func TestQuotaFault_IsSystemCritical(t *testing.T) {
	q := NewQuota(10, 20, nil)
	fe := quotaFault(q)
	if fe.Category != faults.System || fe.Severity != faults.Critical {
		t.Fatalf("quota fault = %s/%s, want system/critical", fe.Category, fe.Severity)
	}
	if fe.Recoverable {
		t.Fatal("quota exhaustion must not be retryable")
	}
}
