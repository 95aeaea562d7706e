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
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Header is the first line of every output file. Column order is part of
// the format and consumed verbatim by the flashcard import tooling.
const Header = "position\tterm\tterm_number\ttab\tfront\tback\ttags\thonorific"

// Writer is a buffered TSV sink for flashcards. It is safe for concurrent
// use, though the pipeline emits to it from a single ordered consumer.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	rows int64

	lastFlush time.Time
}

// NewWriter creates (or truncates) the file at path and writes the header.
// Call Close() when done.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, w: bufio.NewWriterSize(f, 1<<20 /*1MiB*/), path: path, lastFlush: time.Now()}
	if _, err := w.w.WriteString(Header + "\n"); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteCards appends one row per card for the given entry. Cell values are
// sanitized so a stray tab or newline in model output cannot corrupt the
// row structure.
func (w *Writer) WriteCards(position int, term string, cards []Flashcard) error {
	if len(cards) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range cards {
		row := strings.Join([]string{
			fmt.Sprintf("%d", position),
			sanitizeCell(term),
			fmt.Sprintf("%d", c.TermNumber),
			sanitizeCell(c.Tab),
			sanitizeCell(c.Front),
			sanitizeCell(c.Back),
			sanitizeCell(strings.Join(c.Tags, ";")),
			sanitizeCell(c.Honorific),
		}, "\t")
		if _, err := w.w.WriteString(row + "\n"); err != nil {
			return err
		}
		w.rows++
	}
	// Flush periodically to bound data loss on crash and keep the file
	// inspectable while a long batch runs.
	if time.Since(w.lastFlush) > 100*time.Millisecond {
		if err := w.w.Flush(); err != nil {
			return err
		}
		w.lastFlush = time.Now()
	}
	return nil
}

// Rows reports how many card rows have been written so far.
func (w *Writer) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Path returns the output file path.
func (w *Writer) Path() string { return w.path }

// Flush forces buffered data to be written to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFlush = time.Now()
	return w.w.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

var cellSanitizer = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func sanitizeCell(s string) string {
	return cellSanitizer.Replace(s)
}
