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

// collector restores input order over out-of-order worker completions.
// Workers post results on a channel sized for the whole batch, so a put
// never blocks; a single consumer goroutine slots each result by index and
// advances an emission cursor, calling emit strictly in input order. The
// consumer owning the slot array is what makes the slots race-free.
type collector struct {
	n       int
	results chan *Result
	done    chan struct{}
	slots   []*Result
}

// newCollector starts the consumer for a batch of n items. emit runs on the
// consumer goroutine, one call per item, in input order.
func newCollector(n int, emit func(*Result)) *collector {
	c := &collector{
		n:       n,
		results: make(chan *Result, n),
		done:    make(chan struct{}),
		slots:   make([]*Result, n),
	}
	go c.loop(emit)
	return c
}

// put hands one finished item to the consumer. Each index must be posted
// exactly once; the channel buffer holds the whole batch so workers never
// block here.
func (c *collector) put(r *Result) {
	c.results <- r
}

func (c *collector) loop(emit func(*Result)) {
	defer close(c.done)
	next := 0
	for received := 0; received < c.n; received++ {
		r := <-c.results
		c.slots[r.Index] = r
		for next < c.n && c.slots[next] != nil {
			if emit != nil {
				emit(c.slots[next])
			}
			next++
		}
	}
}

// wait blocks until every item has been posted and emitted. The slot array
// is safe to read afterwards.
func (c *collector) wait() []*Result {
	<-c.done
	return c.slots
}
