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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vocabforge/internal/faults"
	"vocabforge/internal/telemetry"
)

const schemaVersion = "1"

// Options configures Open.
type Options struct {
	// Path is the database file. ":memory:" opens an in-memory database.
	Path string
	Pool PoolOptions
	Exec ExecutorOptions
	Now  func() time.Time
}

// Store is the relational layer: pooled SQLite behind a query executor,
// with typed operations for every table. It also satisfies
// faults.Sink so the error collector can flush batches into
// error_records.
type Store struct {
	db   *sql.DB
	pool *Pool
	exec *Executor
	opt  *Optimizer
	now  func() time.Time
}

// DSN builds the SQLite connection string: WAL for concurrent readers,
// a busy timeout so writers queue instead of failing, and enforced
// foreign keys. An in-memory database uses a shared cache so every
// pooled connection sees the same data.
func DSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000&_foreign_keys=on"
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"
}

// Open opens (creating if needed) the database at opts.Path, warms the
// pool, and migrates the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pool.Now == nil {
		opts.Pool.Now = opts.Now
	}
	if opts.Exec.Optimizer == nil {
		opts.Exec.Optimizer = NewOptimizer(OptimizerOptions{Now: opts.Now})
	}

	db, err := sql.Open("sqlite3", DSN(opts.Path))
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}
	pool := NewPool(db, opts.Pool)
	if err := pool.Start(ctx); err != nil {
		db.Close()
		return nil, err
	}
	exec, err := NewExecutor(pool, opts.Exec)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, err
	}
	s := &Store{db: db, pool: pool, exec: exec, opt: opts.Exec.Optimizer, now: opts.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		db.Close()
		return nil, errors.Wrap(err, "store: migrate schema")
	}
	logrus.WithField("path", opts.Path).Info("store: database ready")
	return s, nil
}

// Executor exposes the raw query layer for callers with needs the
// typed operations do not cover.
func (s *Store) Executor() *Executor { return s.exec }

// PoolStats snapshots the connection pool.
func (s *Store) PoolStats() PoolStats { return s.pool.Stats() }

// SlowQueries returns the executor's slow log.
func (s *Store) SlowQueries() []SlowQuery { return s.exec.SlowQueries() }

// OptimizerReport returns accumulated advisory findings.
func (s *Store) OptimizerReport() Report { return s.opt.Report() }

// Close shuts the pool down and closes the database.
func (s *Store) Close() error {
	err := s.pool.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// ---- schema ----

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vocabulary (
		position   INTEGER PRIMARY KEY,
		term       TEXT NOT NULL,
		type       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stage_output (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		position    INTEGER NOT NULL,
		stage       TEXT NOT NULL,
		raw         TEXT NOT NULL,
		parsed_json TEXT NOT NULL DEFAULT '',
		tokens      INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		UNIQUE(position, stage)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_output_position ON stage_output(position)`,
	`CREATE TABLE IF NOT EXISTS flashcards (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		position    INTEGER NOT NULL,
		term_number INTEGER NOT NULL,
		tab         TEXT NOT NULL,
		front       TEXT NOT NULL,
		back        TEXT NOT NULL,
		tags        TEXT NOT NULL DEFAULT '',
		honorific   TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		UNIQUE(position, term_number, tab)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flashcards_position ON flashcards(position)`,
	`CREATE TABLE IF NOT EXISTS cache_metadata (
		key        TEXT PRIMARY KEY,
		tier       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT '',
		hit_count  INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		hot        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS api_usage (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id    TEXT NOT NULL,
		stage         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost          REAL NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_usage_created_at ON api_usage(created_at)`,
	`CREATE TABLE IF NOT EXISTS error_records (
		id           TEXT PRIMARY KEY,
		fingerprint  TEXT NOT NULL,
		category     TEXT NOT NULL,
		severity     TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		context_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_error_records_fingerprint ON error_records(fingerprint)`,
}

func (s *Store) migrate(ctx context.Context) error {
	return s.exec.Transaction(ctx, func(t *Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := t.Execute(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := t.Execute(ctx,
			`INSERT INTO schema_version(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			"schema", schemaVersion)
		return err
	})
}

// SchemaVersion reads the migrated schema version.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	res, err := s.exec.Execute(ctx, `SELECT value FROM schema_version WHERE key = ?`, "schema")
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", errors.New("store: schema version missing")
	}
	return asString(res.Rows[0][0]), nil
}

// ---- rows ----

// VocabRow is one numbered vocabulary entry.
type VocabRow struct {
	Position  int
	Term      string
	Type      string
	CreatedAt time.Time
}

// StageOutputRow is the raw and parsed response of one pipeline stage
// for one entry.
type StageOutputRow struct {
	Position   int
	Stage      string
	Raw        string
	ParsedJSON string
	Tokens     int64
	Duration   time.Duration
	CreatedAt  time.Time
}

// FlashcardRow is one generated card.
type FlashcardRow struct {
	Position   int
	TermNumber int
	Tab        string
	Front      string
	Back       string
	Tags       []string
	Honorific  string
	CreatedAt  time.Time
}

// UsageRow is one billed request.
type UsageRow struct {
	RequestID    string
	Stage        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	CreatedAt    time.Time
}

// UsageTotals aggregates api_usage over a period.
type UsageTotals struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// ErrorStat is one row of the error breakdown.
type ErrorStat struct {
	Category string
	Count    int64
}

// CacheMetaRow mirrors one cache entry for offline inspection.
type CacheMetaRow struct {
	Key       string
	Tier      string
	Tags      []string
	CreatedAt time.Time
	ExpiresAt time.Time
	HitCount  int64
	SizeBytes int64
	Hot       bool
}

// ---- vocabulary ----

// UpsertVocabulary writes rows, replacing term and type on position
// collisions. The whole batch is one transaction.
func (s *Store) UpsertVocabulary(ctx context.Context, rows []VocabRow) error {
	params := make([][]any, len(rows))
	for i, r := range rows {
		params[i] = []any{r.Position, r.Term, r.Type, stamp(r.CreatedAt, s.now)}
	}
	_, err := s.exec.ExecuteMany(ctx,
		`INSERT INTO vocabulary(position, term, type, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(position) DO UPDATE SET term = excluded.term, type = excluded.type`,
		params)
	return err
}

// Vocabulary returns every entry ordered by position.
func (s *Store) Vocabulary(ctx context.Context) ([]VocabRow, error) {
	res, err := s.exec.Execute(ctx,
		`SELECT position, term, type, created_at FROM vocabulary ORDER BY position`)
	if err != nil {
		return nil, err
	}
	out := make([]VocabRow, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, VocabRow{
			Position:  int(asInt(row[0])),
			Term:      asString(row[1]),
			Type:      asString(row[2]),
			CreatedAt: asTime(row[3]),
		})
	}
	return out, nil
}

// ---- stage output ----

// InsertStageOutput records a stage response, replacing any previous
// run for the same entry and stage.
func (s *Store) InsertStageOutput(ctx context.Context, row StageOutputRow) error {
	_, err := s.exec.Execute(ctx,
		`INSERT INTO stage_output(position, stage, raw, parsed_json, tokens, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(position, stage) DO UPDATE SET
		   raw = excluded.raw, parsed_json = excluded.parsed_json,
		   tokens = excluded.tokens, duration_ms = excluded.duration_ms,
		   created_at = excluded.created_at`,
		row.Position, row.Stage, row.Raw, row.ParsedJSON, row.Tokens,
		row.Duration.Milliseconds(), stamp(row.CreatedAt, s.now))
	return err
}

// StageOutput fetches one stage response if present.
func (s *Store) StageOutput(ctx context.Context, position int, stage string) (StageOutputRow, bool, error) {
	res, err := s.exec.Execute(ctx,
		`SELECT position, stage, raw, parsed_json, tokens, duration_ms, created_at
		 FROM stage_output WHERE position = ? AND stage = ?`, position, stage)
	if err != nil {
		return StageOutputRow{}, false, err
	}
	if len(res.Rows) == 0 {
		return StageOutputRow{}, false, nil
	}
	row := res.Rows[0]
	return StageOutputRow{
		Position:   int(asInt(row[0])),
		Stage:      asString(row[1]),
		Raw:        asString(row[2]),
		ParsedJSON: asString(row[3]),
		Tokens:     asInt(row[4]),
		Duration:   time.Duration(asInt(row[5])) * time.Millisecond,
		CreatedAt:  asTime(row[6]),
	}, true, nil
}

// ---- flashcards ----

// ReplaceFlashcards atomically replaces the cards for one entry.
// Reprocessing an entry must not leave cards from the previous run.
func (s *Store) ReplaceFlashcards(ctx context.Context, position int, cards []FlashcardRow) error {
	return s.exec.Transaction(ctx, func(t *Tx) error {
		if _, err := t.Execute(ctx, `DELETE FROM flashcards WHERE position = ?`, position); err != nil {
			return err
		}
		params := make([][]any, len(cards))
		for i, c := range cards {
			params[i] = []any{
				position, c.TermNumber, c.Tab, c.Front, c.Back,
				strings.Join(c.Tags, " "), c.Honorific, stamp(c.CreatedAt, s.now),
			}
		}
		_, err := t.ExecuteBatch(ctx,
			`INSERT INTO flashcards(position, term_number, tab, front, back, tags, honorific, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, params)
		return err
	})
}

// FlashcardsByPosition returns the cards for one entry ordered by term
// number then tab.
func (s *Store) FlashcardsByPosition(ctx context.Context, position int) ([]FlashcardRow, error) {
	res, err := s.exec.Execute(ctx,
		`SELECT position, term_number, tab, front, back, tags, honorific, created_at
		 FROM flashcards WHERE position = ? ORDER BY term_number, tab`, position)
	if err != nil {
		return nil, err
	}
	return scanFlashcards(res), nil
}

// AllFlashcards returns every card in deck order.
func (s *Store) AllFlashcards(ctx context.Context) ([]FlashcardRow, error) {
	res, err := s.exec.Execute(ctx,
		`SELECT position, term_number, tab, front, back, tags, honorific, created_at
		 FROM flashcards ORDER BY position, term_number, tab`)
	if err != nil {
		return nil, err
	}
	return scanFlashcards(res), nil
}

// ExistingPositions lists entries that already have cards, for resume.
func (s *Store) ExistingPositions(ctx context.Context) (map[int]struct{}, error) {
	res, err := s.exec.Execute(ctx, `SELECT DISTINCT position FROM flashcards`)
	if err != nil {
		return nil, err
	}
	out := make(map[int]struct{}, len(res.Rows))
	for _, row := range res.Rows {
		out[int(asInt(row[0]))] = struct{}{}
	}
	return out, nil
}

func scanFlashcards(res *QueryResult) []FlashcardRow {
	out := make([]FlashcardRow, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, FlashcardRow{
			Position:   int(asInt(row[0])),
			TermNumber: int(asInt(row[1])),
			Tab:        asString(row[2]),
			Front:      asString(row[3]),
			Back:       asString(row[4]),
			Tags:       splitTags(asString(row[5])),
			Honorific:  asString(row[6]),
			CreatedAt:  asTime(row[7]),
		})
	}
	return out
}

// ---- usage ----

// RecordUsage appends one billed request. The timestamp is stored as
// unix seconds so window queries compare numerically.
func (s *Store) RecordUsage(ctx context.Context, row UsageRow) error {
	at := row.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec.Execute(ctx,
		`INSERT INTO api_usage(request_id, stage, input_tokens, output_tokens, cost, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		row.RequestID, row.Stage, row.InputTokens, row.OutputTokens, row.Cost, at.Unix())
	return err
}

// UsageSince aggregates spend from a point in time, for quota checks
// and the stats command.
func (s *Store) UsageSince(ctx context.Context, since time.Time) (UsageTotals, error) {
	res, err := s.exec.Execute(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		 FROM api_usage WHERE created_at >= ?`, since.Unix())
	if err != nil {
		return UsageTotals{}, err
	}
	if len(res.Rows) == 0 {
		return UsageTotals{}, nil
	}
	row := res.Rows[0]
	return UsageTotals{
		Requests:     asInt(row[0]),
		InputTokens:  asInt(row[1]),
		OutputTokens: asInt(row[2]),
		Cost:         asFloat(row[3]),
	}, nil
}

// ---- error records ----

// WriteErrors persists a collector batch. It satisfies faults.Sink.
func (s *Store) WriteErrors(ctx context.Context, batch []*faults.Error) error {
	params := make([][]any, 0, len(batch))
	categories := make([]string, 0, len(batch))
	for _, e := range batch {
		if e == nil {
			continue
		}
		ctxJSON := "{}"
		if len(e.Context) > 0 {
			if b, err := json.Marshal(e.Context); err == nil {
				ctxJSON = string(b)
			}
		}
		params = append(params, []any{
			e.ID, e.Fingerprint(), string(e.Category), e.Severity.String(),
			e.Time.UTC().Format(time.RFC3339Nano), ctxJSON,
		})
		categories = append(categories, string(e.Category))
	}
	_, err := s.exec.ExecuteMany(ctx,
		`INSERT OR REPLACE INTO error_records(id, fingerprint, category, severity, timestamp, context_json)
		 VALUES(?, ?, ?, ?, ?, ?)`, params)
	if err != nil {
		return err
	}
	for _, c := range categories {
		telemetry.ObserveErrorRecord(c)
	}
	return nil
}

// ErrorStats breaks persisted errors down by category, most frequent
// first.
func (s *Store) ErrorStats(ctx context.Context) ([]ErrorStat, error) {
	res, err := s.exec.Execute(ctx,
		`SELECT category, COUNT(*) AS n FROM error_records GROUP BY category ORDER BY n DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]ErrorStat, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, ErrorStat{Category: asString(row[0]), Count: asInt(row[1])})
	}
	return out, nil
}

// ---- cache metadata ----

// SyncCacheMetadata replaces the cache_metadata mirror with rows, so
// external tools can inspect cache state without touching cache files.
func (s *Store) SyncCacheMetadata(ctx context.Context, rows []CacheMetaRow) error {
	return s.exec.Transaction(ctx, func(t *Tx) error {
		if _, err := t.Execute(ctx, `DELETE FROM cache_metadata`); err != nil {
			return err
		}
		params := make([][]any, len(rows))
		for i, r := range rows {
			expires := ""
			if !r.ExpiresAt.IsZero() {
				expires = r.ExpiresAt.UTC().Format(time.RFC3339Nano)
			}
			hot := 0
			if r.Hot {
				hot = 1
			}
			params[i] = []any{
				r.Key, r.Tier, strings.Join(r.Tags, " "),
				stamp(r.CreatedAt, s.now), expires, r.HitCount, r.SizeBytes, hot,
			}
		}
		_, err := t.ExecuteBatch(ctx,
			`INSERT INTO cache_metadata(key, tier, tags, created_at, expires_at, hit_count, size_bytes, hot)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, params)
		return err
	})
}

// TableCounts reports row counts per table for the stats command.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables := []string{"vocabulary", "stage_output", "flashcards", "api_usage", "error_records", "cache_metadata"}
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		res, err := s.exec.Execute(ctx, `SELECT COUNT(*) FROM `+table)
		if err != nil {
			return nil, err
		}
		if len(res.Rows) > 0 {
			out[table] = asInt(res.Rows[0][0])
		}
	}
	return out, nil
}

// ---- scanning helpers ----

func stamp(t time.Time, now func() time.Time) string {
	if t.IsZero() {
		t = now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return ""
	}
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	s := asString(v)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
