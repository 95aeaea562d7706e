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
	"sync/atomic"

	"vocabforge/internal/faults"
)

// Quota is the daily token budget guard. Spending starts from what the
// usage table already records for the day, so restarts cannot double the
// budget. A nil *Quota means unlimited and every method is nil-safe.
type Quota struct {
	budget int64
	spent  atomic.Int64

	exhausted atomic.Bool
	once      sync.Once
	onSpent   func(spent int64)
}

// NewQuota builds a guard for budget tokens with alreadySpent consumed.
// budget <= 0 means unlimited and returns nil. onSpent fires once, at the
// moment the budget is crossed.
func NewQuota(budget, alreadySpent int64, onSpent func(spent int64)) *Quota {
	if budget <= 0 {
		return nil
	}
	q := &Quota{budget: budget, onSpent: onSpent}
	q.spent.Store(alreadySpent)
	if alreadySpent >= budget {
		q.markExhausted()
	}
	return q
}

// Add records tokens spent by one call. Crossing the budget flips the guard
// permanently for this process; in-flight work finishes but nothing new
// starts.
func (q *Quota) Add(tokens int64) {
	if q == nil || tokens <= 0 {
		return
	}
	if q.spent.Add(tokens) >= q.budget {
		q.markExhausted()
	}
}

func (q *Quota) markExhausted() {
	if q.exhausted.CompareAndSwap(false, true) {
		q.once.Do(func() {
			if q.onSpent != nil {
				q.onSpent(q.spent.Load())
			}
		})
	}
}

// Exhausted reports whether the budget is spent.
func (q *Quota) Exhausted() bool {
	return q != nil && q.exhausted.Load()
}

// Spent returns tokens consumed today, 0 when unlimited.
func (q *Quota) Spent() int64 {
	if q == nil {
		return 0
	}
	return q.spent.Load()
}

// Remaining returns tokens left, or -1 when unlimited.
func (q *Quota) Remaining() int64 {
	if q == nil {
		return -1
	}
	left := q.budget - q.spent.Load()
	if left < 0 {
		return 0
	}
	return left
}

// Budget returns the configured budget, 0 when unlimited.
func (q *Quota) Budget() int64 {
	if q == nil {
		return 0
	}
	return q.budget
}

// quotaFault builds the system fault raised for work refused by the guard.
func quotaFault(q *Quota) *faults.Error {
	return faults.New(faults.System, faults.Critical, "quota_exhausted",
		"daily token budget spent (%d of %d)", q.Spent(), q.Budget())
}
