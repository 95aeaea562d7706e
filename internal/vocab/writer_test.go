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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriter_HeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	cards := []Flashcard{
		{TermNumber: 1, Tab: "Meaning", Front: "하다", Back: "to do", Tags: []string{"common", "verb"}},
		{TermNumber: 2, Tab: "Usage", Front: "하다", Back: "숙제를 하다", Honorific: "plain"},
	}
	if err := w.WriteCards(7, "하다", cards); err != nil {
		t.Fatalf("WriteCards: %v", err)
	}
	if got := w.Rows(); got != 2 {
		t.Errorf("Rows() = %d, want 2", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows:\n%s", len(lines), data)
	}
	if lines[0] != Header {
		t.Errorf("header = %q, want %q", lines[0], Header)
	}
	first := strings.Split(lines[1], "\t")
	want := []string{"7", "하다", "1", "Meaning", "하다", "to do", "common;verb", ""}
	if len(first) != len(want) {
		t.Fatalf("row has %d columns, want %d: %q", len(first), len(want), lines[1])
	}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, first[i], want[i])
		}
	}
}

func TestWriter_SanitizesEmbeddedDelimiters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	cards := []Flashcard{{TermNumber: 1, Tab: "Meaning", Front: "a\tb", Back: "line1\nline2"}}
	if err := w.WriteCards(1, "term", cards); err != nil {
		t.Fatalf("WriteCards: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("embedded newline split the row: %d lines", len(lines))
	}
	if cols := strings.Count(lines[1], "\t"); cols != 7 {
		t.Errorf("row has %d tabs, want 7: %q", cols, lines[1])
	}
}

func TestWriter_SkipsEmptyCardSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteCards(1, "term", nil); err != nil {
		t.Fatalf("WriteCards(nil): %v", err)
	}
	if w.Rows() != 0 {
		t.Errorf("Rows() = %d, want 0", w.Rows())
	}
	w.Close()
}
