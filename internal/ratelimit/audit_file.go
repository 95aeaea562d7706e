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

package ratelimit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditRecord is one committed shard delta as it appears in the JSONL log.
type AuditRecord struct {
	ShardID     int       `json:"shard_id"`
	Admitted    int64     `json:"admitted"`
	Refused     int64     `json:"refused"`
	Tokens      float64   `json:"tokens"`
	CommitID    string    `json:"commit_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// fileAuditDedupeWindow bounds how many recent commit ids the sink remembers.
// Retries arrive within a few cycles, so a small window keeps duplicates out
// without growing forever.
const fileAuditDedupeWindow = 4096

// FileAuditSink appends commit batches to a JSONL log for offline audit and
// replay. It is safe for concurrent use and optimized for append-only
// workloads.
type FileAuditSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
	seen      map[string]struct{}
	order     []string
}

// NewFileAuditSink opens (or creates) the file at path in append mode with a
// buffered writer. Call Close() when done.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileAuditSink{
		f:         f,
		w:         bufio.NewWriterSize(f, 1<<20 /*1MiB*/),
		path:      path,
		lastFlush: time.Now(),
		seen:      make(map[string]struct{}),
	}, nil
}

// CommitBatch writes the entries as JSON lines. A duplicate CommitID for the
// same shard is a no-op, so a retried batch does not double-book deltas. On a
// write error the already-written prefix stays remembered and the error is
// returned; the worker retains its deltas and retries the remainder.
func (s *FileAuditSink) CommitBatch(ctx context.Context, entries []AuditEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	now := time.Now()
	for _, e := range entries {
		key := fmt.Sprintf("%d:%s", e.ShardID, e.CommitID)
		if _, dup := s.seen[key]; dup {
			continue
		}
		rec := AuditRecord{
			ShardID:     e.ShardID,
			Admitted:    e.Admitted,
			Refused:     e.Refused,
			Tokens:      e.Tokens,
			CommitID:    e.CommitID,
			CommittedAt: now,
		}
		if err := enc.Encode(&rec); err != nil {
			return err
		}
		s.remember(key)
	}
	// Flush periodically to bound data loss on crash and keep the log
	// tailable while a long run is in flight.
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		if err := s.w.Flush(); err != nil {
			return err
		}
		s.lastFlush = time.Now()
	}
	return nil
}

func (s *FileAuditSink) remember(key string) {
	if len(s.order) >= fileAuditDedupeWindow {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
}

// Path returns the log file path.
func (s *FileAuditSink) Path() string { return s.path }

// Flush forces buffered data to be written to disk.
func (s *FileAuditSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadAuditLog reads an entire audit log back as records. Unparsable lines
// (a torn tail after a crash) are skipped. Intended for replay and
// inspection tooling.
func ReadAuditLog(path string) ([]AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}
