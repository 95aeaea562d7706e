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

// Package pipeline runs the two-stage flashcard flow: bounded worker
// fan-out over the input, each worker composing cache, rate limiter,
// circuit breaker and retry around the model calls, and an ordered
// collector that emits results in input order no matter how workers
// finish.
package pipeline

import (
	"time"

	"vocabforge/internal/faults"
	"vocabforge/internal/vocab"
)

// Outcome is the terminal state of one item.
type Outcome int

const (
	// OutcomeSuccess: both stages resolved, at least one via a fresh call.
	OutcomeSuccess Outcome = iota
	// OutcomeCached: the item finished without any external call.
	OutcomeCached
	// OutcomeFailed: a stage or a persistence step failed terminally.
	OutcomeFailed
	// OutcomeCancelled: the batch context ended before the item finished.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCached:
		return "cached"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is one item's terminal record. Index is the item's place in the
// input (emission order); Position is its stable identity from the word
// list. Exactly one Result per input item reaches the collector.
type Result struct {
	Index    int
	Position int
	Term     string

	Cards     []vocab.Flashcard
	Err       error
	FromCache bool

	Stage1 time.Duration
	Stage2 time.Duration

	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Kind classifies the result for counters and the batch summary.
func (r *Result) Kind() Outcome {
	switch {
	case r.Err == nil && r.FromCache:
		return OutcomeCached
	case r.Err == nil:
		return OutcomeSuccess
	case faults.IsCancelled(r.Err):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
