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

// Package faults defines the error taxonomy shared by every layer: category,
// severity, recoverability, a stable fingerprint for grouping, and a context
// bag that layers enrich on the way up. A layer may add context but never
// reclassifies a lower layer's category.
package faults

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Category partitions failures by how the system reacts to them.
type Category string

const (
	// Transient failures (network, timeout, 5xx, rate-limited) are retryable.
	Transient Category = "transient"
	// Permanent failures (validation, auth, 4xx except 429) are not retried.
	Permanent Category = "permanent"
	// Degraded records a fallback taken; processing continues.
	Degraded Category = "degraded"
	// System failures are infrastructure-level (disk full, pool exhausted).
	System Category = "system"
	// Business failures violate a domain invariant for one item.
	Business Category = "business"
)

// Severity orders failures for alerting and exit-code selection.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Weight returns the multiplier used by impact scoring.
func (s Severity) Weight() int64 {
	switch s {
	case Critical:
		return 100
	case High:
		return 25
	case Medium:
		return 5
	default:
		return 1
	}
}

// DefaultSeverity is the severity a category carries absent a more specific
// condition.
func (c Category) DefaultSeverity() Severity {
	switch c {
	case System:
		return High
	case Degraded:
		return Low
	default:
		return Medium
	}
}

// Error is one categorized failure. It satisfies the error interface and
// wraps its cause, so errors.Is / errors.As traverse it.
type Error struct {
	ID          string
	Category    Category
	Severity    Severity
	Kind        string // stable machine name, e.g. "http_429", "pool_timeout"
	Message     string
	Recoverable bool
	// RetryAfter, when positive, is a hint from the failing service (429
	// Retry-After or a limiter refusal) acting as a lower bound on the next
	// retry sleep.
	RetryAfter time.Duration
	Time       time.Time
	Context    map[string]string

	template string // message with values unexpanded; part of the fingerprint
	location string // file:line of the raising site
	cause    error
}

// New creates an Error at the caller's location. template is kept verbatim
// for fingerprinting; the expanded message uses args.
func New(category Category, severity Severity, kind, template string, args ...any) *Error {
	return build(nil, category, severity, kind, template, args...)
}

// Wrap creates an Error whose cause is err. A nil err returns nil.
func Wrap(err error, category Category, severity Severity, kind, template string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return build(err, category, severity, kind, template, args...)
}

func build(cause error, category Category, severity Severity, kind, template string, args ...any) *Error {
	msg := template
	if len(args) > 0 {
		msg = fmt.Sprintf(template, args...)
	}
	return &Error{
		ID:          uuid.NewString(),
		Category:    category,
		Severity:    severity,
		Kind:        kind,
		Message:     msg,
		Recoverable: category == Transient || category == Degraded,
		Time:        time.Now(),
		template:    template,
		location:    callsite(),
		cause:       cause,
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Clone returns a record of the same logical failure with its own identity
// and context map. Annotate clones, not originals, when an error instance is
// shared across goroutines (singleflight waiters).
func (e *Error) Clone() *Error {
	cp := *e
	cp.ID = uuid.NewString()
	cp.Context = make(map[string]string, len(e.Context)+2)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	return &cp
}

// WithContext adds one key/value pair to the context bag and returns the
// receiver for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, 4)
	}
	e.Context[key] = value
	return e
}

// WithRetryAfter records a retry hint carried by the failure.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// Location returns the file:line where the error was raised.
func (e *Error) Location() string { return e.location }

// Fingerprint is a stable hash of (category, kind, location, message
// template). Instances of the same logical failure share a fingerprint
// regardless of the expanded message values.
func (e *Error) Fingerprint() string {
	h := fnv.New64a()
	h.Write([]byte(string(e.Category)))
	h.Write([]byte{0})
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write([]byte(e.location))
	h.Write([]byte{0})
	h.Write([]byte(e.template))
	return fmt.Sprintf("%016x", h.Sum64())
}

// From extracts the *Error from err's chain, if any.
func From(err error) (*Error, bool) {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CategoryOf reports err's category. Timeouts without an explicit taxonomy
// are transient; anything else unclassified reports false.
func CategoryOf(err error) (Category, bool) {
	if fe, ok := From(err); ok {
		return fe.Category, true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Transient, true
	}
	return "", false
}

// IsCancelled reports whether err stems from cooperative cancellation.
// Cancellation is an outcome, not a fault, and is never collected.
func IsCancelled(err error) bool {
	return stderrors.Is(err, context.Canceled)
}

// Worse returns the more severe of two categories for exit-code selection:
// system > permanent > business > transient > degraded.
func Worse(a, b Category) Category {
	rank := func(c Category) int {
		switch c {
		case System:
			return 4
		case Permanent:
			return 3
		case Business:
			return 2
		case Transient:
			return 1
		case Degraded:
			return 0
		default:
			return -1
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// callsite walks the captured stack past this package and formats the first
// external frame as file:line.
func callsite() string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	tr, ok := errors.New("callsite").(stackTracer)
	if !ok {
		return "unknown"
	}
	for _, f := range tr.StackTrace() {
		fn := fmt.Sprintf("%+s", f)
		if strings.Contains(fn, "internal/faults") {
			continue
		}
		return fmt.Sprintf("%v", f)
	}
	return "unknown"
}
