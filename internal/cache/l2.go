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

package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vocabforge/internal/telemetry"
)

// fileMagic opens every tier file; bump the trailing digit on layout changes.
var fileMagic = [4]byte{'V', 'F', 'C', '1'}

// L2Options configures the file tier.
type L2Options struct {
	// Dir is the tier root. Files land under Dir/hh/hash where hh is the
	// first two hex digits of the key hash.
	Dir string
	// MaxBytes bounds total disk usage; oldest files go first when it
	// overflows. Default 1 GiB.
	MaxBytes int64
	// Codec compresses payloads. Default zstd.
	Codec Codec
	// SweepInterval is the expired-file sweep cadence. Default 5m.
	SweepInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *L2Options) withDefaults() {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 1 << 30
	}
	if o.Codec == nil {
		o.Codec = zstdCodec{}
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// fileMeta is the in-memory index record for one tier file.
type fileMeta struct {
	path      string
	size      int64
	createdAt time.Time
	expiresAt time.Time
	tags      []string
}

// L2 is the compressed file tier. The index rebuilds from a directory scan
// at startup, so the tier survives restarts.
type L2 struct {
	opts L2Options

	mu    sync.Mutex
	index map[string]*fileMeta
	bytes int64

	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64
	evicted atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewL2 opens (or creates) the tier rooted at opts.Dir and rebuilds the
// index from disk.
func NewL2(opts L2Options) (*L2, error) {
	opts.withDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache: file tier needs a directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create tier root: %w", err)
	}
	t := &L2{
		opts:     opts,
		index:    make(map[string]*fileMeta),
		stopChan: make(chan struct{}),
	}
	if err := t.scan(); err != nil {
		return nil, err
	}
	return t, nil
}

// Start launches the background expiry sweeper.
func (t *L2) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-t.stopChan:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call multiple times.
func (t *L2) Stop() {
	if !atomic.CompareAndSwapUint32(&t.stopped, 0, 1) {
		return
	}
	close(t.stopChan)
	t.wg.Wait()
}

// path maps a key to its tier file.
func (t *L2) path(key string) string {
	hex := fmt.Sprintf("%016x", hashKey(key))
	return filepath.Join(t.opts.Dir, hex[:2], hex)
}

// Write persists the entry: encode, temp file, fsync, rename. The budget is
// enforced after the write, oldest files first.
func (t *L2) Write(e *Entry) error {
	blob, err := encodeFile(e, t.opts.Codec)
	if err != nil {
		return err
	}
	dst := t.path(e.Key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("cache: create bucket dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".w*")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	if _, err := tmp.Write(blob); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write %s: %w", e.Key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: publish %s: %w", e.Key, err)
	}

	meta := &fileMeta{
		path:      dst,
		size:      int64(len(blob)),
		createdAt: e.CreatedAt,
		expiresAt: e.ExpiresAt,
		tags:      e.Tags,
	}
	t.mu.Lock()
	if old, ok := t.index[e.Key]; ok {
		t.bytes -= old.size
	}
	t.index[e.Key] = meta
	t.bytes += meta.size
	t.enforceBudgetLocked()
	t.mu.Unlock()
	return nil
}

// Read loads the entry for key, or (nil, false, nil) on a clean miss.
// Expired and corrupt files are removed on sight.
func (t *L2) Read(key string) (*Entry, bool, error) {
	t.mu.Lock()
	meta, ok := t.index[key]
	t.mu.Unlock()
	if !ok {
		t.misses.Add(1)
		return nil, false, nil
	}

	blob, err := os.ReadFile(meta.path)
	if err != nil {
		t.forget(key)
		if os.IsNotExist(err) {
			t.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: read %s: %w", key, err)
	}
	e, err := decodeFile(blob)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("cache: dropping corrupt tier file")
		t.remove(key)
		t.misses.Add(1)
		return nil, false, nil
	}
	if e.Key != key {
		// Hash collision landed two keys on one file; the stored key wins.
		t.misses.Add(1)
		return nil, false, nil
	}
	if e.Expired(t.opts.Now()) {
		t.remove(key)
		t.expired.Add(1)
		t.misses.Add(1)
		return nil, false, nil
	}
	t.hits.Add(1)
	return e, true, nil
}

// Contains reports whether key has an unexpired file, without touching hit
// or miss counters.
func (t *L2) Contains(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, ok := t.index[key]
	if !ok {
		return false
	}
	return meta.expiresAt.IsZero() || t.opts.Now().Before(meta.expiresAt)
}

// Delete removes key's file, reporting whether one existed.
func (t *L2) Delete(key string) bool {
	t.mu.Lock()
	_, ok := t.index[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.remove(key)
	return true
}

// DeleteByTag removes every file whose entry carries tag.
func (t *L2) DeleteByTag(tag string) int {
	t.mu.Lock()
	keys := make([]string, 0)
	for k, m := range t.index {
		for _, mt := range m.tags {
			if mt == tag {
				keys = append(keys, k)
				break
			}
		}
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.remove(k)
	}
	return len(keys)
}

func (t *L2) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

func (t *L2) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// L2Stats is a point-in-time counter snapshot.
type L2Stats struct {
	Files   int   `json:"files"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Expired int64 `json:"expired"`
	Evicted int64 `json:"evicted"`
}

func (t *L2) Stats() L2Stats {
	return L2Stats{
		Files:   t.Len(),
		Bytes:   t.Bytes(),
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
		Expired: t.expired.Load(),
		Evicted: t.evicted.Load(),
	}
}

// Metadata snapshots the index. Hit counts travel with the in-memory entry,
// not the file, so file rows report zero.
func (t *L2) Metadata() []EntryMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	metas := make([]EntryMeta, 0, len(t.index))
	for key, m := range t.index {
		metas = append(metas, EntryMeta{
			Key:       key,
			Tier:      "l2",
			Tags:      m.tags,
			CreatedAt: m.createdAt,
			ExpiresAt: m.expiresAt,
			SizeBytes: m.size,
		})
	}
	return metas
}

// ---- maintenance ----

// sweep removes expired files.
func (t *L2) sweep() {
	now := t.opts.Now()
	t.mu.Lock()
	victims := make([]string, 0)
	for k, m := range t.index {
		if !m.expiresAt.IsZero() && now.After(m.expiresAt) {
			victims = append(victims, k)
		}
	}
	t.mu.Unlock()
	for _, k := range victims {
		t.remove(k)
		t.expired.Add(1)
	}
	if len(victims) > 0 {
		logrus.WithField("files", len(victims)).Debug("cache: swept expired tier files")
	}
}

// enforceBudgetLocked deletes oldest files until the byte budget holds.
func (t *L2) enforceBudgetLocked() {
	for t.bytes > t.opts.MaxBytes && len(t.index) > 0 {
		var oldestKey string
		var oldest *fileMeta
		for k, m := range t.index {
			if oldest == nil || m.createdAt.Before(oldest.createdAt) {
				oldestKey, oldest = k, m
			}
		}
		delete(t.index, oldestKey)
		t.bytes -= oldest.size
		os.Remove(oldest.path)
		t.evicted.Add(1)
		telemetry.ObserveEviction("l2")
	}
}

// remove drops key from index and disk.
func (t *L2) remove(key string) {
	t.mu.Lock()
	meta, ok := t.index[key]
	if ok {
		delete(t.index, key)
		t.bytes -= meta.size
	}
	t.mu.Unlock()
	if ok {
		os.Remove(meta.path)
	}
}

// forget drops key from the index only (its file is already gone).
func (t *L2) forget(key string) {
	t.mu.Lock()
	if meta, ok := t.index[key]; ok {
		delete(t.index, key)
		t.bytes -= meta.size
	}
	t.mu.Unlock()
}

// scan rebuilds the index from disk, clearing stale temp files and corrupt
// or expired entries.
func (t *L2) scan() error {
	now := t.opts.Now()
	var files, dropped int
	err := filepath.WalkDir(t.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.Contains(d.Name(), ".w") {
			os.Remove(path) // interrupted write
			return nil
		}
		blob, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		e, derr := decodeFile(blob)
		if derr != nil || e.Expired(now) {
			os.Remove(path)
			dropped++
			return nil
		}
		t.index[e.Key] = &fileMeta{
			path:      path,
			size:      int64(len(blob)),
			createdAt: e.CreatedAt,
			expiresAt: e.ExpiresAt,
			tags:      e.Tags,
		}
		t.bytes += int64(len(blob))
		files++
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: scan tier: %w", err)
	}
	if files > 0 || dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"files":   files,
			"dropped": dropped,
		}).Info("cache: rebuilt file tier index")
	}
	return nil
}

// ---- wire format ----

// encodeFile lays out one tier file:
//
//	magic[4] codec[1] created[8] expires[8]
//	keyLen[2] key tagCount[2] (tagLen[2] tag)* payloadLen[4] payload
func encodeFile(e *Entry, codec Codec) ([]byte, error) {
	payload, err := codec.Compress(e.Value)
	if err != nil {
		return nil, fmt.Errorf("cache: compress %s: %w", e.Key, err)
	}
	if len(e.Key) > 0xffff || len(e.Tags) > 0xffff {
		return nil, fmt.Errorf("cache: entry %q exceeds header limits", e.Key)
	}

	buf := make([]byte, 0, 32+len(e.Key)+len(payload))
	buf = append(buf, fileMagic[:]...)
	buf = append(buf, codec.id())
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAt.UnixNano()))
	var exp int64
	if !e.ExpiresAt.IsZero() {
		exp = e.ExpiresAt.UnixNano()
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(exp))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Tags)))
	for _, tag := range e.Tags {
		if len(tag) > 0xffff {
			return nil, fmt.Errorf("cache: tag too long on %q", e.Key)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tag)))
		buf = append(buf, tag...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// decodeFile parses a tier file back into an entry.
func decodeFile(blob []byte) (*Entry, error) {
	r := &byteReader{buf: blob}
	magic := r.take(4)
	if magic == nil || !bytes.Equal(magic, fileMagic[:]) {
		return nil, fmt.Errorf("cache: bad magic")
	}
	codecID := r.take(1)
	if codecID == nil {
		return nil, fmt.Errorf("cache: truncated header")
	}
	codec, err := codecByID(codecID[0])
	if err != nil {
		return nil, err
	}
	created, ok1 := r.u64()
	expires, ok2 := r.u64()
	keyLen, ok3 := r.u16()
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("cache: truncated header")
	}
	key := r.take(int(keyLen))
	if key == nil {
		return nil, fmt.Errorf("cache: truncated key")
	}
	tagCount, ok := r.u16()
	if !ok {
		return nil, fmt.Errorf("cache: truncated tags")
	}
	var tags []string
	for i := 0; i < int(tagCount); i++ {
		tl, ok := r.u16()
		if !ok {
			return nil, fmt.Errorf("cache: truncated tags")
		}
		tag := r.take(int(tl))
		if tag == nil {
			return nil, fmt.Errorf("cache: truncated tags")
		}
		tags = append(tags, string(tag))
	}
	payloadLen, ok := r.u32()
	if !ok {
		return nil, fmt.Errorf("cache: truncated payload length")
	}
	payload := r.take(int(payloadLen))
	if payload == nil {
		return nil, fmt.Errorf("cache: truncated payload")
	}
	value, err := codec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("cache: decompress: %w", err)
	}

	e := &Entry{
		Key:       string(key),
		Value:     value,
		Tags:      tags,
		CreatedAt: time.Unix(0, int64(created)),
	}
	if expires != 0 {
		e.ExpiresAt = time.Unix(0, int64(expires))
	}
	e.lastAccess.Store(int64(created))
	return e, nil
}

// byteReader is a bounds-checked cursor over an encoded file.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) take(n int) []byte {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *byteReader) u16() (uint16, bool) {
	b := r.take(2)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (r *byteReader) u32() (uint32, bool) {
	b := r.take(4)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *byteReader) u64() (uint64, bool) {
	b := r.take(8)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
