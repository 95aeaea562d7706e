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

// Package breaker guards a downstream dependency with a circuit breaker.
// State transitions are evaluated lazily on call paths; no background timer
// runs. The lock is never held across the guarded operation, and at most one
// probe flies while half-open.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vocabforge/internal/faults"
	"vocabforge/internal/telemetry"
)

// State is the breaker's position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StateIsolated
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	case StateIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// gaugeValue maps states onto the breaker_state gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 0.5
	case StateOpen:
		return 1
	default:
		return 2
	}
}

// OpenError is the fail-fast refusal returned while the circuit is not
// admitting calls. RecoverAt is when the next probe becomes possible (zero
// while isolated: only Reset reopens an isolated circuit).
type OpenError struct {
	State     State
	RecoverAt time.Time
	Reason    string
}

func (e *OpenError) Error() string {
	switch e.State {
	case StateIsolated:
		return fmt.Sprintf("circuit isolated: %s", e.Reason)
	case StateHalfOpen:
		return "circuit half-open: probe in flight"
	default:
		return fmt.Sprintf("circuit open until %s", e.RecoverAt.Format(time.RFC3339))
	}
}

// IsOpen reports whether err is a breaker refusal.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Transition is one state change, kept in the bounded timeline.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Options configures a Breaker. Zero values take defaults.
type Options struct {
	// Name tags log lines when several breakers coexist.
	Name string
	// FailureThreshold is the windowed failure rate that trips the circuit.
	// Default 0.5.
	FailureThreshold float64
	// MinThroughput is the minimum number of windowed outcomes before the
	// rate is meaningful. Default 10.
	MinThroughput int
	// SamplingDuration is the rolling window span. Default 30s.
	SamplingDuration time.Duration
	// BreakDuration seeds the generator. Default 5s.
	BreakDuration time.Duration
	// MaxBreak caps any generated break. Default 2m.
	MaxBreak time.Duration
	// Generator produces the break for each consecutive open. Default
	// ExponentialBreak(BreakDuration).
	Generator BreakGenerator
	// ProbeTimeout bounds the half-open probe; a probe that outlives it
	// counts as a failure. Default 10s.
	ProbeTimeout time.Duration
	// Classify decides whether an error counts toward tripping. The default
	// counts everything except business (item-level) errors.
	Classify func(error) bool
	// OnTransition observes every state change, invoked outside the lock.
	OnTransition func(t Transition)
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 0.5
	}
	if o.MinThroughput <= 0 {
		o.MinThroughput = 10
	}
	if o.SamplingDuration <= 0 {
		o.SamplingDuration = 30 * time.Second
	}
	if o.BreakDuration <= 0 {
		o.BreakDuration = 5 * time.Second
	}
	if o.MaxBreak <= 0 {
		o.MaxBreak = 2 * time.Minute
	}
	if o.Generator == nil {
		o.Generator = ExponentialBreak(o.BreakDuration)
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.Classify == nil {
		o.Classify = defaultClassify
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// defaultClassify counts every error except business outcomes: a bad item is
// the caller's problem, not the dependency's.
func defaultClassify(err error) bool {
	if c, ok := faults.CategoryOf(err); ok && c == faults.Business {
		return false
	}
	return true
}

// timelineCap bounds the retained transition history.
const timelineCap = 64

// Breaker is safe for concurrent use.
type Breaker struct {
	opts Options

	mu             sync.Mutex
	state          State
	win            *window
	stateSince     time.Time
	recoverAt      time.Time
	attempt        int // consecutive opens, reset on close
	probing        bool
	isolatedReason string
	timeline       []Transition

	totalSuccess uint64
	totalFailure uint64
	breakdown    map[faults.Category]uint64
	lastFailure  string
}

// New builds a closed breaker.
func New(opts Options) *Breaker {
	opts.withDefaults()
	b := &Breaker{
		opts:       opts,
		state:      StateClosed,
		win:        newWindow(opts.SamplingDuration),
		stateSince: opts.Now(),
		breakdown:  make(map[faults.Category]uint64),
	}
	telemetry.SetBreakerState(StateClosed.gaugeValue())
	return b
}

// Do runs op under the breaker. Refusals return *OpenError without invoking
// op. The half-open probe runs with ProbeTimeout applied to its context.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	probe, tr, admitErr := b.admit()
	b.fire(tr)
	if admitErr != nil {
		return admitErr
	}

	opCtx := ctx
	if probe {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, b.opts.ProbeTimeout)
		defer cancel()
	}
	opErr := op(opCtx)

	tr = b.record(probe, opErr)
	b.fire(tr)
	return opErr
}

// State reports the current state after lazy time-based evaluation.
func (b *Breaker) State() State {
	b.mu.Lock()
	tr := b.evaluateLocked(b.opts.Now())
	s := b.state
	b.mu.Unlock()
	b.fire(tr)
	return s
}

// Isolate forces the circuit open until Reset, regardless of outcomes.
func (b *Breaker) Isolate(reason string) {
	b.mu.Lock()
	tr := b.transitionLocked(StateIsolated, reason)
	b.isolatedReason = reason
	b.probing = false
	b.mu.Unlock()
	b.fire(tr)
}

// Reset returns the circuit to closed and clears the window and the
// consecutive-open count. It is the only exit from isolation.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.transitionLocked(StateClosed, "manual reset")
	b.attempt = 0
	b.probing = false
	b.isolatedReason = ""
	b.win.reset()
	b.mu.Unlock()
	b.fire(tr)
}

// admit decides whether the caller may proceed. It returns probe=true when
// the caller holds the single half-open probe slot.
func (b *Breaker) admit() (probe bool, tr *Transition, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()
	tr = b.evaluateLocked(now)

	switch b.state {
	case StateClosed:
		return false, tr, nil
	case StateIsolated:
		return false, tr, &OpenError{State: StateIsolated, Reason: b.isolatedReason}
	case StateOpen:
		return false, tr, &OpenError{State: StateOpen, RecoverAt: b.recoverAt}
	default: // StateHalfOpen
		if b.probing {
			return false, tr, &OpenError{State: StateHalfOpen, RecoverAt: b.recoverAt}
		}
		b.probing = true
		return true, tr, nil
	}
}

// record folds one outcome back into the breaker.
func (b *Breaker) record(probe bool, opErr error) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()

	cancelled := faults.IsCancelled(opErr)
	failure := opErr != nil && !cancelled && b.opts.Classify(opErr)

	if opErr == nil {
		b.totalSuccess++
	} else if failure {
		b.totalFailure++
		if c, ok := faults.CategoryOf(opErr); ok {
			b.breakdown[c]++
		} else {
			b.breakdown[faults.System]++
		}
		b.lastFailure = opErr.Error()
	}

	if probe {
		b.probing = false
		if cancelled {
			// Caller walked away; the probe slot frees with no verdict.
			return nil
		}
		if failure {
			return b.openLocked(now, "probe failed")
		}
		b.attempt = 0
		b.win.reset()
		return b.transitionLocked(StateClosed, "probe succeeded")
	}

	if cancelled {
		return nil
	}
	b.win.add(now, failure)
	if b.state != StateClosed || !failure {
		return nil
	}
	succ, fail := b.win.counts(now)
	total := succ + fail
	if total < b.opts.MinThroughput {
		return nil
	}
	if rate := float64(fail) / float64(total); rate >= b.opts.FailureThreshold {
		return b.openLocked(now, fmt.Sprintf("failure rate %.2f over %d calls", rate, total))
	}
	return nil
}

// evaluateLocked applies time-based transitions: an elapsed break moves
// open to half-open.
func (b *Breaker) evaluateLocked(now time.Time) *Transition {
	if b.state == StateOpen && !now.Before(b.recoverAt) {
		b.probing = false
		return b.transitionLocked(StateHalfOpen, "break elapsed")
	}
	return nil
}

// openLocked trips the circuit for the generated break duration.
func (b *Breaker) openLocked(now time.Time, reason string) *Transition {
	b.attempt++
	d := b.opts.Generator(b.attempt)
	if d > b.opts.MaxBreak {
		d = b.opts.MaxBreak
	}
	if d < 0 {
		d = 0
	}
	b.recoverAt = now.Add(d)
	return b.transitionLocked(StateOpen, reason)
}

// transitionLocked moves to state to, records it on the bounded timeline,
// and returns the transition for hook delivery outside the lock.
func (b *Breaker) transitionLocked(to State, reason string) *Transition {
	if b.state == to {
		return nil
	}
	tr := Transition{From: b.state, To: to, At: b.opts.Now(), Reason: reason}
	b.state = to
	b.stateSince = tr.At
	b.timeline = append(b.timeline, tr)
	if len(b.timeline) > timelineCap {
		b.timeline = append(b.timeline[:0], b.timeline[len(b.timeline)-timelineCap:]...)
	}
	telemetry.SetBreakerState(to.gaugeValue())
	telemetry.ObserveBreakerTransition(to.String())
	return &tr
}

// fire delivers a transition to the hook and the log, outside the lock.
func (b *Breaker) fire(tr *Transition) {
	if tr == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"breaker": b.opts.Name,
		"from":    tr.From.String(),
		"to":      tr.To.String(),
		"reason":  tr.Reason,
	}).Warn("circuit transition")
	if b.opts.OnTransition != nil {
		b.opts.OnTransition(*tr)
	}
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Name          string            `json:"name,omitempty"`
	State         string            `json:"state"`
	Since         time.Time         `json:"since"`
	RecoverAt     time.Time         `json:"recover_at,omitempty"`
	Attempt       int               `json:"attempt"`
	WindowSuccess int               `json:"window_success"`
	WindowFailure int               `json:"window_failure"`
	FailureRate   float64           `json:"failure_rate"`
	TotalSuccess  uint64            `json:"total_success"`
	TotalFailure  uint64            `json:"total_failure"`
	Breakdown     map[string]uint64 `json:"breakdown,omitempty"`
	LastFailure   string            `json:"last_failure,omitempty"`
	Timeline      []Transition      `json:"timeline,omitempty"`
}

// Snapshot reports current state, windowed counts, lifetime totals, the
// error breakdown by category, and the recent transition timeline.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	now := b.opts.Now()
	tr := b.evaluateLocked(now)
	succ, fail := b.win.counts(now)
	s := Snapshot{
		Name:          b.opts.Name,
		State:         b.state.String(),
		Since:         b.stateSince,
		Attempt:       b.attempt,
		WindowSuccess: succ,
		WindowFailure: fail,
		TotalSuccess:  b.totalSuccess,
		TotalFailure:  b.totalFailure,
		LastFailure:   b.lastFailure,
	}
	if b.state == StateOpen {
		s.RecoverAt = b.recoverAt
	}
	if total := succ + fail; total > 0 {
		s.FailureRate = float64(fail) / float64(total)
	}
	if len(b.breakdown) > 0 {
		s.Breakdown = make(map[string]uint64, len(b.breakdown))
		for k, v := range b.breakdown {
			s.Breakdown[string(k)] = v
		}
	}
	s.Timeline = append(s.Timeline, b.timeline...)
	b.mu.Unlock()
	b.fire(tr)
	return s
}
