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
	"strings"
	"testing"
)

func TestNormalizeType_AbbreviationTable(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"n", "noun"},
		{"N.", "noun"},
		{"v", "verb"},
		{"adj", "adjective"},
		{"adv", "adverb"},
		{"part", "particle"},
		{"det", "determiner"},
		{"num", "number"},
		{"intj", "interjection"},
		{"phr", "phrase"},
		{"suf", "suffix"},
		{"cnt", "counter"},
		{"noun", "noun"}, // already expanded
		{"", "unknown"},
		{"xyz", "unknown"},
		{"  V  ", "verb"},
	}
	for _, tc := range cases {
		if got := NormalizeType(tc.in); got != tc.want {
			t.Errorf("NormalizeType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseItems_TabDelimited(t *testing.T) {
	in := "position\tterm\ttype\n1\t하다\tv\n2\t사람\tn\n\n# comment\n3\t안녕하세요\tphr\n"
	items, err := ParseItems(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	want := []Item{
		{Position: 1, Term: "하다", Type: "verb"},
		{Position: 2, Term: "사람", Type: "noun"},
		{Position: 3, Term: "안녕하세요", Type: "phrase"},
	}
	for i, it := range items {
		if it != want[i] {
			t.Errorf("item %d = %+v, want %+v", i, it, want[i])
		}
	}
}

func TestParseItems_CommaDelimitedWithoutType(t *testing.T) {
	items, err := ParseItems(strings.NewReader("1,hello\n2,world\n"))
	if err != nil {
		t.Fatalf("ParseItems: %v", err)
	}
	if len(items) != 2 || items[0].Type != "unknown" {
		t.Fatalf("got %+v, want 2 items with type unknown", items)
	}
}

func TestParseItems_RejectsBadRows(t *testing.T) {
	cases := []struct {
		name, in, wantSub string
	}{
		{"duplicate position", "1\ta\n1\tb\n", "duplicate position 1"},
		{"zero position", "0\ta\n", "must be positive"},
		{"negative position", "-3\ta\n", "must be positive"},
		{"empty term", "1\t \n", "empty term"},
		{"non-numeric position mid-file", "1\ta\nx\tb\n", "not an integer"},
		{"single column", "1\n", "at least position and term"},
		{"empty input", "\n# only comments\n", "no entries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseItems(strings.NewReader(tc.in))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestParseItems_PreservesInputOrderNotPositionOrder(t *testing.T) {
	items, err := ParseItems(strings.NewReader("5\tfive\n2\ttwo\n9\tnine\n"))
	if err != nil {
		t.Fatalf("ParseItems: %v", err)
	}
	got := []int{items[0].Position, items[1].Position, items[2].Position}
	if got[0] != 5 || got[1] != 2 || got[2] != 9 {
		t.Errorf("positions = %v, want file order [5 2 9]", got)
	}
}

func TestParseFlashcards_BareArray(t *testing.T) {
	raw := `[{"term_number":1,"tab":"Meaning","front":"하다","back":"to do","tags":["common"]},
	 {"term_number":2,"tab":"Usage","front":"하다","back":"숙제를 하다","honorific":"plain"}]`
	cards, err := ParseFlashcards([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFlashcards: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("got %d cards, want 2", len(cards))
	}
	if cards[0].Tab != "Meaning" || cards[1].Honorific != "plain" {
		t.Errorf("cards decoded wrong: %+v", cards)
	}
}

func TestParseFlashcards_WrappedAndFenced(t *testing.T) {
	wrapped := `{"cards":[{"term_number":1,"tab":"Meaning","front":"f","back":"b"}]}`
	if _, err := ParseFlashcards([]byte(wrapped)); err != nil {
		t.Errorf("wrapped object: %v", err)
	}
	fenced := "```json\n[{\"term_number\":1,\"tab\":\"Meaning\",\"front\":\"f\",\"back\":\"b\"}]\n```"
	if _, err := ParseFlashcards([]byte(fenced)); err != nil {
		t.Errorf("fenced array: %v", err)
	}
}

func TestParseFlashcards_RejectsInvalidCards(t *testing.T) {
	cases := []struct {
		name, raw string
	}{
		{"not json", "tell me about 하다"},
		{"empty array", "[]"},
		{"zero term number", `[{"term_number":0,"tab":"t","front":"f","back":"b"}]`},
		{"missing back", `[{"term_number":1,"tab":"t","front":"f","back":" "}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFlashcards([]byte(tc.raw)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
