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

// Package retry re-runs failed operations under a category-aware policy.
// Only recoverable failures retry; permanent, business, and circuit-open
// refusals return immediately. A server-provided retry hint raises the
// computed backoff but the per-sleep cap always wins.
package retry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vocabforge/internal/breaker"
	"vocabforge/internal/faults"
	"vocabforge/internal/telemetry"
)

// Policy describes one retry discipline. The zero value takes defaults;
// Jitter < 0 disables randomization entirely.
type Policy struct {
	// MaxAttempts counts the first try. Default 3.
	MaxAttempts int
	// InitialDelay seeds the exponential schedule. Default 500ms.
	InitialDelay time.Duration
	// MaxDelay caps every sleep, hints included. Default 30s.
	MaxDelay time.Duration
	// Multiplier grows the schedule. Default 2.0.
	Multiplier float64
	// Jitter is the randomization factor in [0,1). Default 0.2.
	Jitter float64
	// RetryOn overrides the category-aware default.
	RetryOn func(error) bool
	// OnRetry observes each scheduled retry before its sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnExhausted fires once when the attempt budget runs out.
	OnExhausted func(attempts int, err error)
	// Sleep overrides the context-aware sleep (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p *Policy) withDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	} else if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.RetryOn == nil {
		p.RetryOn = Retryable
	}
	if p.Sleep == nil {
		p.Sleep = ctxSleep
	}
}

// Retryable is the default gate: circuit refusals never retry (the break
// already encodes when to come back), explicit taxonomy errors follow their
// Recoverable flag, bare timeouts count as transient, anything else does not
// retry.
func Retryable(err error) bool {
	if err == nil || breaker.IsOpen(err) || faults.IsCancelled(err) {
		return false
	}
	if fe, ok := faults.From(err); ok {
		return fe.Recoverable
	}
	if c, ok := faults.CategoryOf(err); ok {
		return c == faults.Transient || c == faults.Degraded
	}
	return false
}

// Do runs op until it succeeds, a non-retryable error appears, the attempt
// budget is spent, or ctx ends during a sleep.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.RandomizationFactor = p.Jitter
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall time
	bo.Reset()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !p.RetryOn(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			if p.OnExhausted != nil {
				p.OnExhausted(attempt, err)
			}
			return annotateAttempts(err, attempt)
		}

		delay := bo.NextBackOff()
		if hint := hintFrom(err); hint > delay {
			delay = hint
		}
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		telemetry.ObserveRetryAttempt()
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// hintFrom extracts a server-provided minimum wait, if the error carries one.
func hintFrom(err error) time.Duration {
	if fe, ok := faults.From(err); ok && fe.RetryAfter > 0 {
		return fe.RetryAfter
	}
	return 0
}

// annotateAttempts stamps the attempt count on the returned error without
// breaking its unwrap chain.
func annotateAttempts(err error, attempts int) error {
	if fe, ok := faults.From(err); ok {
		fe.WithContext("attempts", strconv.Itoa(attempts))
		return err
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// ctxSleep waits d or until ctx ends, whichever is first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
