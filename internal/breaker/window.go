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

package breaker

import "time"

// outcome is one recorded call result.
type outcome struct {
	at      time.Time
	failure bool
}

// window holds call outcomes inside a rolling time span. Not safe for
// concurrent use; the breaker serializes access under its own lock.
type window struct {
	span time.Duration
	buf  []outcome
	head int
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) add(at time.Time, failure bool) {
	w.buf = append(w.buf, outcome{at: at, failure: failure})
}

// prune drops outcomes older than the span. The backing slice compacts once
// the dead prefix dominates it.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.head < len(w.buf) && !w.buf[w.head].at.After(cutoff) {
		w.head++
	}
	if w.head > len(w.buf)/2 && w.head > 32 {
		w.buf = append(w.buf[:0], w.buf[w.head:]...)
		w.head = 0
	}
}

// counts returns (successes, failures) currently inside the span.
func (w *window) counts(now time.Time) (succ, fail int) {
	w.prune(now)
	for _, o := range w.buf[w.head:] {
		if o.failure {
			fail++
		} else {
			succ++
		}
	}
	return succ, fail
}

func (w *window) reset() {
	w.buf = w.buf[:0]
	w.head = 0
}
