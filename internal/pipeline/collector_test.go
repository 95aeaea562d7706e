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
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestCollector_EmitsInInputOrderDespiteArrivalOrder(t *testing.T) {
	const n = 50
	var emitted []int
	col := newCollector(n, func(r *Result) {
		emitted = append(emitted, r.Index)
	})

	// Post from concurrent goroutines in a shuffled order.
	order := rand.Perm(n)
	var wg sync.WaitGroup
	for _, idx := range order {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			col.put(&Result{Index: idx, Position: idx + 1})
		}(idx)
	}
	wg.Wait()
	slots := col.wait()

	if len(emitted) != n {
		t.Fatalf("emitted %d results, want %d", len(emitted), n)
	}
	for i, idx := range emitted {
		if idx != i {
			t.Fatalf("emission %d carried index %d, want %d (order broken)", i, idx, i)
		}
	}
	for i, r := range slots {
		if r == nil || r.Index != i {
			t.Fatalf("slot %d = %+v, want filled with index %d", i, r, i)
		}
	}
}

func TestCollector_HoldsEmissionUntilGapFills(t *testing.T) {
	var emitted []int
	col := newCollector(3, func(r *Result) { emitted = append(emitted, r.Index) })

	col.put(&Result{Index: 2})
	col.put(&Result{Index: 1})
	// Give the consumer a chance to (wrongly) emit out of order.
	time.Sleep(20 * time.Millisecond)
	col.put(&Result{Index: 0})
	col.wait()

	want := []int{0, 1, 2}
	for i := range want {
		if emitted[i] != want[i] {
			t.Fatalf("emitted = %v, want %v", emitted, want)
		}
	}
}

func TestCollector_NilEmitStillCompletes(t *testing.T) {
	col := newCollector(2, nil)
	col.put(&Result{Index: 1})
	col.put(&Result{Index: 0})
	slots := col.wait()
	if slots[0] == nil || slots[1] == nil {
		t.Fatal("slots not filled")
	}
}
