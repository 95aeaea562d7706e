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

// Package vocab holds the vocabulary domain types and the file adapters at
// the pipeline edges: the delimited-text reader on the way in and the TSV
// flashcard writer on the way out. Everything between those edges treats
// stage payloads as opaque bytes; only this package knows their shape.
package vocab

import (
	"fmt"
	"strings"
)

// Item is one vocabulary entry to process. Position is the 1-based input
// order and doubles as the stable identity for resume and output ordering.
type Item struct {
	Position int
	Term     string
	Type     string // normalized part-of-speech label, "unknown" when absent
}

// Flashcard is one generated card for a term. A term may expand to several
// cards (one per sense or per tab).
type Flashcard struct {
	TermNumber int      `json:"term_number"`
	Tab        string   `json:"tab"`
	Front      string   `json:"front"`
	Back       string   `json:"back"`
	Tags       []string `json:"tags,omitempty"`
	Honorific  string   `json:"honorific,omitempty"`
}

// Validate rejects cards that would produce unusable output rows.
func (c Flashcard) Validate() error {
	if c.TermNumber < 1 {
		return fmt.Errorf("term_number must be >= 1, got %d", c.TermNumber)
	}
	if strings.TrimSpace(c.Tab) == "" {
		return fmt.Errorf("card %d: empty tab", c.TermNumber)
	}
	if strings.TrimSpace(c.Front) == "" {
		return fmt.Errorf("card %d: empty front", c.TermNumber)
	}
	if strings.TrimSpace(c.Back) == "" {
		return fmt.Errorf("card %d: empty back", c.TermNumber)
	}
	return nil
}

// posLabels maps the abbreviated part-of-speech markers that appear in word
// lists to their full labels. Keys are compared after lowercasing and
// stripping a trailing period, so "N." and "n" both resolve to "noun".
var posLabels = map[string]string{
	"n":    "noun",
	"v":    "verb",
	"adj":  "adjective",
	"adv":  "adverb",
	"part": "particle",
	"det":  "determiner",
	"num":  "number",
	"intj": "interjection",
	"phr":  "phrase",
	"suf":  "suffix",
	"cnt":  "counter",
}

// NormalizeType expands an abbreviated part-of-speech marker to its full
// label. Unrecognized or empty markers normalize to "unknown" rather than
// failing the row; the type only steers prompt wording downstream.
func NormalizeType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "unknown"
	}
	if full, ok := posLabels[s]; ok {
		return full
	}
	// Already-expanded labels pass through unchanged.
	for _, full := range posLabels {
		if s == full {
			return s
		}
	}
	return "unknown"
}
