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

import (
	"fmt"
	"math"
	"time"
)

// BreakGenerator maps the consecutive open count (1 for the first trip) to
// the break duration before the next probe. The breaker clamps the result to
// MaxBreak.
type BreakGenerator func(attempt int) time.Duration

// FixedBreak returns base regardless of attempt.
func FixedBreak(base time.Duration) BreakGenerator {
	return func(int) time.Duration { return base }
}

// LinearBreak grows the break by base per consecutive open: base, 2*base,
// 3*base, ...
func LinearBreak(base time.Duration) BreakGenerator {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * base
	}
}

// ExponentialBreak grows the break by a factor of 1.5 per consecutive open:
// base, 1.5*base, 2.25*base, ...
func ExponentialBreak(base time.Duration) BreakGenerator {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	}
}

// AdaptiveBreak is piecewise: the first two opens wait base (fast recovery
// from blips), then the break doubles per open (a persistently failing
// dependency earns long pauses).
func AdaptiveBreak(base time.Duration) BreakGenerator {
	return func(attempt int) time.Duration {
		if attempt <= 2 {
			return base
		}
		return time.Duration(float64(base) * math.Pow(2, float64(attempt-2)))
	}
}

// GeneratorByName resolves a configured generator: "fixed", "linear",
// "exponential", or "adaptive".
func GeneratorByName(name string, base time.Duration) (BreakGenerator, error) {
	switch name {
	case "fixed":
		return FixedBreak(base), nil
	case "linear":
		return LinearBreak(base), nil
	case "", "exponential":
		return ExponentialBreak(base), nil
	case "adaptive":
		return AdaptiveBreak(base), nil
	default:
		return nil, fmt.Errorf("unknown break generator %q", name)
	}
}
