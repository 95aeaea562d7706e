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
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Snapshot is one progress observation.
type Snapshot struct {
	Total     int           `json:"total"`
	Done      int           `json:"done"`
	Succeeded int           `json:"succeeded"`
	Cached    int           `json:"cached"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Percent is completion in [0,100].
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Done) / float64(s.Total) * 100
}

// progress tracks batch completion and fires callbacks at a bounded
// cadence: at most every interval, plus whenever completion crosses another
// percent step, plus always on the final item. Observations arrive from the
// collector's consumer goroutine; Snapshot may be read from anywhere (the
// /status endpoint), hence the mutex.
type progress struct {
	mu        sync.Mutex
	total     int
	done      int
	succeeded int
	cached    int
	failed    int
	cancelled int

	start    time.Time
	lastFire time.Time
	lastStep int

	interval time.Duration
	step     int // items per percent step, >= 1
	now      func() time.Time
	fns      []func(Snapshot)
}

func newProgress(total int, now func() time.Time, fns ...func(Snapshot)) *progress {
	if now == nil {
		now = time.Now
	}
	step := total / 100
	if step < 1 {
		step = 1
	}
	return &progress{
		total:    total,
		start:    now(),
		interval: 100 * time.Millisecond,
		step:     step,
		now:      now,
		fns:      fns,
	}
}

// observe records one result and fires callbacks when due.
func (p *progress) observe(r *Result) {
	p.mu.Lock()
	p.done++
	switch r.Kind() {
	case OutcomeSuccess:
		p.succeeded++
	case OutcomeCached:
		p.cached++
	case OutcomeFailed:
		p.failed++
	case OutcomeCancelled:
		p.cancelled++
	}
	now := p.now()
	due := p.done == p.total ||
		now.Sub(p.lastFire) >= p.interval ||
		p.done/p.step > p.lastStep
	var snap Snapshot
	if due {
		p.lastFire = now
		p.lastStep = p.done / p.step
		snap = p.snapshotLocked(now)
	}
	p.mu.Unlock()

	if due {
		for _, fn := range p.fns {
			fn(snap)
		}
	}
}

// Snapshot returns the current counts.
func (p *progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(p.now())
}

func (p *progress) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Total:     p.total,
		Done:      p.done,
		Succeeded: p.succeeded,
		Cached:    p.cached,
		Failed:    p.failed,
		Cancelled: p.cancelled,
		Elapsed:   now.Sub(p.start),
	}
}

// ConsoleProgress returns a progress callback for w. On a terminal it
// rewrites a single status line; otherwise it logs a line per firing so
// piped output stays line-oriented.
func ConsoleProgress(w io.Writer) func(Snapshot) {
	f, isFile := w.(*os.File)
	if isFile && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return func(s Snapshot) {
			fmt.Fprintf(w, "\rprocessing %d/%d (%.0f%%)  ok=%d cached=%d failed=%d  %s ",
				s.Done, s.Total, s.Percent(), s.Succeeded, s.Cached, s.Failed,
				s.Elapsed.Truncate(100*time.Millisecond))
			if s.Done == s.Total {
				fmt.Fprintln(w)
			}
		}
	}
	return func(s Snapshot) {
		logrus.WithFields(logrus.Fields{
			"done":   s.Done,
			"total":  s.Total,
			"ok":     s.Succeeded,
			"cached": s.Cached,
			"failed": s.Failed,
		}).Info("batch progress")
	}
}
