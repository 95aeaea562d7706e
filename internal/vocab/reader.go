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
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadItems loads a word list from path. See ParseItems for the accepted
// format.
func ReadItems(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	items, err := ParseItems(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

// ParseItems reads a delimited word list: one entry per line with columns
// position, term and an optional type. The delimiter is sniffed from the
// first data line (tab preferred, comma otherwise). Blank lines and lines
// starting with '#' are skipped, and a header line is tolerated. Rows are
// validated strictly: a malformed row fails the whole read so a bad input
// file is caught before any external call is made.
func ParseItems(r io.Reader) ([]Item, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		items []Item
		seen  = make(map[int]int) // position -> first line number
		delim string
		line  int
	)
	for scanner.Scan() {
		line++
		raw := strings.TrimRight(scanner.Text(), "\r\n")
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if delim == "" {
			if strings.ContainsRune(raw, '\t') {
				delim = "\t"
			} else {
				delim = ","
			}
		}
		fields := strings.Split(raw, delim)
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: want at least position and term, got %d column(s)", line, len(fields))
		}
		pos, err := strconv.Atoi(fields[0])
		if err != nil {
			// A single non-numeric first column at the top is a header.
			if len(items) == 0 && len(seen) == 0 && looksLikeHeader(fields[0]) {
				continue
			}
			return nil, fmt.Errorf("line %d: position %q is not an integer", line, fields[0])
		}
		if pos <= 0 {
			return nil, fmt.Errorf("line %d: position must be positive, got %d", line, pos)
		}
		if first, dup := seen[pos]; dup {
			return nil, fmt.Errorf("line %d: duplicate position %d (first seen on line %d)", line, pos, first)
		}
		seen[pos] = line
		term := fields[1]
		if term == "" {
			return nil, fmt.Errorf("line %d: empty term", line)
		}
		typ := ""
		if len(fields) > 2 {
			typ = fields[2]
		}
		items = append(items, Item{Position: pos, Term: term, Type: NormalizeType(typ)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no entries found")
	}
	return items, nil
}

func looksLikeHeader(first string) bool {
	switch strings.ToLower(first) {
	case "position", "pos", "#", "no", "index":
		return true
	}
	return false
}
