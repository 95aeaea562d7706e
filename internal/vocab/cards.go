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

package vocab

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseFlashcards decodes a card-generation response into flashcards. The
// model is asked for a bare JSON array, but responses wrapped in an object
// ({"cards": [...]}) or in a markdown code fence are tolerated since models
// drift on formatting. Every card is validated; one bad card rejects the
// whole payload so a half-usable response is never written out.
func ParseFlashcards(raw []byte) ([]Flashcard, error) {
	payload := stripFence(raw)

	var cards []Flashcard
	if err := json.Unmarshal(payload, &cards); err != nil {
		var wrapped struct {
			Cards []Flashcard `json:"cards"`
		}
		if err2 := json.Unmarshal(payload, &wrapped); err2 != nil || wrapped.Cards == nil {
			return nil, fmt.Errorf("card payload is not a JSON card array: %w", err)
		}
		cards = wrapped.Cards
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("card payload contains no cards")
	}
	for i, c := range cards {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("card %d/%d invalid: %w", i+1, len(cards), err)
		}
	}
	return cards, nil
}

// stripFence removes a surrounding markdown code fence (``` or ```json) if
// present and returns the inner payload.
func stripFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
