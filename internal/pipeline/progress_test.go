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
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestProgress_CadenceBoundsCallbacks(t *testing.T) {
	clk := newFakeClock()
	var fired []Snapshot
	// 1000 items: a percent step is 10 items.
	p := newProgress(1000, clk.Now, func(s Snapshot) { fired = append(fired, s) })

	// 9 observations with no time passing and no step crossed: silent.
	for i := 0; i < 9; i++ {
		p.observe(&Result{})
	}
	if len(fired) != 0 {
		t.Fatalf("fired %d times before any step or interval, want 0", len(fired))
	}

	// The 10th crosses the 1%% step.
	p.observe(&Result{})
	if len(fired) != 1 || fired[0].Done != 10 {
		t.Fatalf("after step crossing fired=%d (%+v), want 1 firing at done=10", len(fired), fired)
	}

	// Time passing alone also fires.
	clk.Advance(150 * time.Millisecond)
	p.observe(&Result{})
	if len(fired) != 2 || fired[1].Done != 11 {
		t.Fatalf("after interval fired=%d, want 2", len(fired))
	}

	// Immediately after, neither condition holds.
	p.observe(&Result{})
	if len(fired) != 2 {
		t.Fatalf("fired %d, want still 2", len(fired))
	}
}

func TestProgress_FinalObservationAlwaysFires(t *testing.T) {
	clk := newFakeClock()
	var last Snapshot
	p := newProgress(3, clk.Now, func(s Snapshot) { last = s })

	p.observe(&Result{})                                      // success
	p.observe(&Result{FromCache: true})                       // cached
	p.observe(&Result{Err: errForTest("boom"), Position: 3}) // failed

	if last.Done != 3 {
		t.Fatalf("final snapshot done=%d, want 3", last.Done)
	}
	if last.Succeeded != 1 || last.Cached != 1 || last.Failed != 1 {
		t.Fatalf("snapshot = %+v, want 1/1/1 split", last)
	}
}

func TestSnapshot_Percent(t *testing.T) {
	if p := (Snapshot{Total: 200, Done: 50}).Percent(); p != 25 {
		t.Errorf("Percent = %g, want 25", p)
	}
	if p := (Snapshot{}).Percent(); p != 100 {
		t.Errorf("empty batch Percent = %g, want 100", p)
	}
}

type errForTest string

func (e errForTest) Error() string { return string(e) }
