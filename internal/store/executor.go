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
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vocabforge/internal/faults"
	"vocabforge/internal/telemetry"
)

// ExecutorOptions configures query execution. Zero values select defaults.
type ExecutorOptions struct {
	// SlowQueryThreshold marks queries at or above it as slow. Default 100ms.
	SlowQueryThreshold time.Duration

	// ResultCacheTTL is how long a cached SELECT result stays fresh.
	// Default 30s; negative disables the result cache.
	ResultCacheTTL time.Duration

	// ResultCacheEntries bounds the result cache. Default 256.
	ResultCacheEntries int

	// SlowLogSize bounds the in-memory slow query log. Default 100.
	SlowLogSize int

	// Optimizer, when set, observes every statement and receives
	// full-scan verdicts for slow SELECTs.
	Optimizer *Optimizer

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.SlowQueryThreshold <= 0 {
		o.SlowQueryThreshold = 100 * time.Millisecond
	}
	if o.ResultCacheTTL == 0 {
		o.ResultCacheTTL = 30 * time.Second
	}
	if o.ResultCacheEntries <= 0 {
		o.ResultCacheEntries = 256
	}
	if o.SlowLogSize <= 0 {
		o.SlowLogSize = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// QueryResult is the outcome of one statement.
type QueryResult struct {
	Columns  []string
	Rows     [][]any
	RowCount int64
	Duration time.Duration
	Cached   bool
	// QueryHash fingerprints the normalized statement text.
	QueryHash string
}

// SlowQuery is one slow-log entry.
type SlowQuery struct {
	SQL      string
	Duration time.Duration
	Args     int
	At       time.Time
}

type cachedResult struct {
	res     *QueryResult
	tables  []string
	expires time.Time
}

type stmtKind int

const (
	kindSelect stmtKind = iota
	kindMutation
	kindDDL
	kindOther
)

// Executor runs statements on pooled connections. SELECT results are
// cached by fingerprint and bound parameters; any write to a table
// drops every cached result that read from it.
type Executor struct {
	pool *Pool
	opts ExecutorOptions

	results *lru.Cache[string, *cachedResult]

	// tableKeys maps a table name to the result-cache keys that read
	// from it. Never call into results while holding tablesMu.
	tablesMu  sync.Mutex
	tableKeys map[string]map[string]struct{}

	slowMu   sync.Mutex
	slow     []SlowQuery
	slowPos  int
	slowSeen int64
}

// NewExecutor wraps pool.
func NewExecutor(pool *Pool, opts ExecutorOptions) (*Executor, error) {
	opts = opts.withDefaults()
	e := &Executor{
		pool:      pool,
		opts:      opts,
		tableKeys: make(map[string]map[string]struct{}),
		slow:      make([]SlowQuery, 0, opts.SlowLogSize),
	}
	results, err := lru.NewWithEvict[string, *cachedResult](opts.ResultCacheEntries, func(key string, cr *cachedResult) {
		e.forgetKey(key, cr.tables)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: result cache")
	}
	e.results = results
	return e, nil
}

// Execute runs one statement. SELECTs may be served from the result
// cache; cache hits report zero duration and a set Cached flag.
func (e *Executor) Execute(ctx context.Context, text string, args ...any) (*QueryResult, error) {
	kind := sqlKind(text)
	hash := Fingerprint(text)

	if kind == kindSelect && e.opts.ResultCacheTTL > 0 {
		if res, ok := e.lookupResult(resultKey(hash, args)); ok {
			telemetry.ObserveCacheHit("query")
			return res, nil
		}
	}

	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer pc.Release()

	res, err := e.runConn(ctx, pc, kind, hash, text, args)
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindSelect:
		if e.opts.ResultCacheTTL > 0 {
			e.storeResult(resultKey(hash, args), res, Tables(text))
		}
	case kindMutation:
		e.invalidateTables(Tables(text))
	case kindDDL:
		e.invalidateAll()
	}
	return res, nil
}

// ExecuteMany runs text once per parameter set inside a single
// transaction, through one prepared statement. It returns the total
// number of affected rows; on any failure the whole batch rolls back.
func (e *Executor) ExecuteMany(ctx context.Context, text string, paramsList [][]any) (int64, error) {
	if len(paramsList) == 0 {
		return 0, nil
	}
	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return 0, classify(err)
	}
	defer pc.Release()

	start := e.opts.Now()
	tx, err := pc.conn.BeginTx(ctx, nil)
	if err != nil {
		markIfConnFault(pc, err)
		return 0, classify(err)
	}
	stmt, err := tx.PrepareContext(ctx, text)
	if err != nil {
		tx.Rollback()
		return 0, classify(err)
	}
	var total int64
	for _, params := range paramsList {
		r, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			markIfConnFault(pc, err)
			return 0, classify(err)
		}
		if n, err := r.RowsAffected(); err == nil {
			total += n
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		markIfConnFault(pc, err)
		return 0, classify(err)
	}
	e.note(text, Fingerprint(text), len(paramsList), e.elapsed(start), false)
	e.invalidateTables(Tables(text))
	telemetry.ObserveFlushBatch(len(paramsList))
	return total, nil
}

// Tx is an open transaction. Statements run through it bypass the
// result cache; tables it writes are invalidated once at commit.
type Tx struct {
	exec    *Executor
	pc      *PooledConn
	tx      *sql.Tx
	depth   int
	touched map[string]struct{}
	ddl     bool
}

// Transaction runs fn inside a transaction, committing on nil and
// rolling back on error or panic.
func (e *Executor) Transaction(ctx context.Context, fn func(*Tx) error) error {
	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return classify(err)
	}
	defer pc.Release()

	sqlTx, err := pc.conn.BeginTx(ctx, nil)
	if err != nil {
		markIfConnFault(pc, err)
		return classify(err)
	}
	t := &Tx{exec: e, pc: pc, tx: sqlTx, touched: make(map[string]struct{})}

	done := false
	defer func() {
		if !done {
			// fn panicked; release the transaction before unwinding.
			if err := sqlTx.Rollback(); err != nil && err != sql.ErrTxDone {
				logrus.WithError(err).Warn("store: rollback after panic")
			}
		}
	}()

	if err := fn(t); err != nil {
		done = true
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logrus.WithError(rbErr).Warn("store: transaction rollback")
		}
		return err
	}
	done = true
	if err := sqlTx.Commit(); err != nil {
		markIfConnFault(pc, err)
		return classify(err)
	}
	if t.ddl {
		e.invalidateAll()
	} else {
		e.invalidateTables(t.touchedTables())
	}
	return nil
}

// Execute runs one statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, text string, args ...any) (*QueryResult, error) {
	kind := sqlKind(text)
	hash := Fingerprint(text)
	start := t.exec.opts.Now()

	var res *QueryResult
	var err error
	if kind == kindSelect {
		var rows *sql.Rows
		rows, err = t.tx.QueryContext(ctx, text, args...)
		if err == nil {
			res, err = collectRows(rows, hash)
		}
	} else {
		var r sql.Result
		r, err = t.tx.ExecContext(ctx, text, args...)
		if err == nil {
			n, _ := r.RowsAffected()
			res = &QueryResult{RowCount: n, QueryHash: hash}
		}
	}
	d := t.exec.elapsed(start)
	if err != nil {
		markIfConnFault(t.pc, err)
		t.exec.note(text, hash, len(args), d, false)
		return nil, classify(err)
	}
	res.Duration = d
	t.exec.note(text, hash, len(args), d, false)
	switch kind {
	case kindMutation:
		for _, tb := range Tables(text) {
			t.touched[tb] = struct{}{}
		}
	case kindDDL:
		t.ddl = true
	}
	return res, nil
}

// ExecuteBatch runs text once per parameter set through one statement
// prepared on the transaction. It returns the total affected rows and
// stops at the first failure, leaving rollback to the caller.
func (t *Tx) ExecuteBatch(ctx context.Context, text string, paramsList [][]any) (int64, error) {
	if len(paramsList) == 0 {
		return 0, nil
	}
	start := t.exec.opts.Now()
	stmt, err := t.tx.PrepareContext(ctx, text)
	if err != nil {
		return 0, classify(err)
	}
	defer stmt.Close()
	var total int64
	for _, params := range paramsList {
		r, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			markIfConnFault(t.pc, err)
			return total, classify(err)
		}
		if n, err := r.RowsAffected(); err == nil {
			total += n
		}
	}
	for _, tb := range Tables(text) {
		t.touched[tb] = struct{}{}
	}
	t.exec.note(text, Fingerprint(text), len(paramsList), t.exec.elapsed(start), false)
	telemetry.ObserveFlushBatch(len(paramsList))
	return total, nil
}

// Transaction nests a unit of work inside the open transaction using a
// savepoint. An error from fn rolls back to the savepoint and is
// returned; the outer transaction stays usable.
func (t *Tx) Transaction(ctx context.Context, fn func(*Tx) error) error {
	t.depth++
	name := fmt.Sprintf("sp_%d", t.depth)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		t.depth--
		return classify(err)
	}
	if err := fn(t); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			logrus.WithError(rbErr).WithField("savepoint", name).Warn("store: savepoint rollback")
		}
		t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		t.depth--
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		t.depth--
		return classify(err)
	}
	t.depth--
	return nil
}

func (t *Tx) touchedTables() []string {
	out := make([]string, 0, len(t.touched))
	for tb := range t.touched {
		out = append(out, tb)
	}
	return out
}

// SlowQueries returns the slow log, oldest first.
func (e *Executor) SlowQueries() []SlowQuery {
	e.slowMu.Lock()
	defer e.slowMu.Unlock()
	out := make([]SlowQuery, 0, len(e.slow))
	if len(e.slow) == e.opts.SlowLogSize {
		out = append(out, e.slow[e.slowPos:]...)
		out = append(out, e.slow[:e.slowPos]...)
		return out
	}
	return append(out, e.slow...)
}

// InvalidateTable drops cached results that read from table.
func (e *Executor) InvalidateTable(table string) {
	e.invalidateTables([]string{table})
}

// ---- execution ----

func (e *Executor) runConn(ctx context.Context, pc *PooledConn, kind stmtKind, hash, text string, args []any) (*QueryResult, error) {
	start := e.opts.Now()

	var res *QueryResult
	stmt, err := pc.prepared(ctx, text)
	if err == nil {
		if kind == kindSelect {
			var rows *sql.Rows
			rows, err = stmt.QueryContext(ctx, args...)
			if err == nil {
				res, err = collectRows(rows, hash)
			}
		} else {
			var r sql.Result
			r, err = stmt.ExecContext(ctx, args...)
			if err == nil {
				n, _ := r.RowsAffected()
				res = &QueryResult{RowCount: n, QueryHash: hash}
			}
		}
	}

	d := e.elapsed(start)
	slow := d >= e.opts.SlowQueryThreshold
	if err != nil {
		markIfConnFault(pc, err)
		e.note(text, hash, len(args), d, false)
		return nil, classify(err)
	}
	res.Duration = d

	fullScan := false
	if slow && kind == kindSelect {
		fullScan = e.explainFullScan(ctx, pc, text, args)
	}
	e.note(text, hash, len(args), d, fullScan)
	return res, nil
}

// note records timing with telemetry, the slow log, and the optimizer.
func (e *Executor) note(text, hash string, argc int, d time.Duration, fullScan bool) {
	slow := d >= e.opts.SlowQueryThreshold
	telemetry.ObserveQuery(d, slow)
	if slow {
		norm := Normalize(text)
		e.slowMu.Lock()
		sq := SlowQuery{SQL: norm, Duration: d, Args: argc, At: e.opts.Now()}
		if len(e.slow) < e.opts.SlowLogSize {
			e.slow = append(e.slow, sq)
		} else {
			e.slow[e.slowPos] = sq
			e.slowPos = (e.slowPos + 1) % e.opts.SlowLogSize
		}
		e.slowSeen++
		e.slowMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"duration": d,
			"hash":     hash,
			"query":    norm,
		}).Warn("store: slow query")
	}
	if e.opts.Optimizer != nil {
		e.opts.Optimizer.Observe(text, d, fullScan)
	}
}

// explainFullScan asks SQLite for the query plan and reports whether
// any step is a table scan without an index.
func (e *Executor) explainFullScan(ctx context.Context, pc *PooledConn, text string, args []any) bool {
	rows, err := pc.conn.QueryContext(ctx, "EXPLAIN QUERY PLAN "+text, args...)
	if err != nil {
		return false
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return false
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if rows.Scan(ptrs...) != nil {
			return false
		}
		// detail is the last column in every SQLite version.
		detail := fmt.Sprint(vals[len(vals)-1])
		if b, ok := vals[len(vals)-1].([]byte); ok {
			detail = string(b)
		}
		if strings.HasPrefix(detail, "SCAN") && !strings.Contains(detail, "USING INDEX") &&
			!strings.Contains(detail, "USING COVERING INDEX") {
			return true
		}
	}
	return false
}

func (e *Executor) elapsed(start time.Time) time.Duration {
	d := e.opts.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

func collectRows(rows *sql.Rows, hash string) (*QueryResult, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &QueryResult{Columns: cols, QueryHash: hash}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			// Detach TEXT/BLOB values from the driver-owned buffer.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = int64(len(res.Rows))
	return res, nil
}

// ---- result cache ----

func resultKey(hash string, args []any) string {
	if len(args) == 0 {
		return hash
	}
	var b strings.Builder
	b.WriteString(hash)
	for _, a := range args {
		b.WriteByte('|')
		fmt.Fprintf(&b, "%v", a)
	}
	return b.String()
}

func (e *Executor) lookupResult(key string) (*QueryResult, bool) {
	cr, ok := e.results.Get(key)
	if !ok {
		return nil, false
	}
	if e.opts.Now().After(cr.expires) {
		e.results.Remove(key)
		return nil, false
	}
	out := *cr.res
	out.Cached = true
	out.Duration = 0
	return &out, true
}

func (e *Executor) storeResult(key string, res *QueryResult, tables []string) {
	cr := &cachedResult{
		res:     res,
		tables:  tables,
		expires: e.opts.Now().Add(e.opts.ResultCacheTTL),
	}
	e.results.Add(key, cr)
	e.tablesMu.Lock()
	for _, tb := range tables {
		keys, ok := e.tableKeys[tb]
		if !ok {
			keys = make(map[string]struct{})
			e.tableKeys[tb] = keys
		}
		keys[key] = struct{}{}
	}
	e.tablesMu.Unlock()
}

func (e *Executor) invalidateTables(tables []string) {
	if len(tables) == 0 {
		return
	}
	var victims []string
	e.tablesMu.Lock()
	for _, tb := range tables {
		for key := range e.tableKeys[tb] {
			victims = append(victims, key)
		}
	}
	e.tablesMu.Unlock()
	for _, key := range victims {
		e.results.Remove(key) // eviction callback cleans the index
	}
	if len(victims) > 0 {
		logrus.WithFields(logrus.Fields{
			"tables":  tables,
			"dropped": len(victims),
		}).Debug("store: invalidated cached results")
	}
}

func (e *Executor) invalidateAll() {
	e.results.Purge()
}

// forgetKey is the eviction callback's index cleanup.
func (e *Executor) forgetKey(key string, tables []string) {
	e.tablesMu.Lock()
	for _, tb := range tables {
		if keys, ok := e.tableKeys[tb]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(e.tableKeys, tb)
			}
		}
	}
	e.tablesMu.Unlock()
}

// ---- classification ----

// classify maps driver and pool failures onto the error taxonomy.
// Busy and locked databases are retryable; constraint violations are
// not; corruption, full disks, and pool exhaustion are system faults.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := faults.From(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(err, faults.Transient, faults.Low, "query_cancelled", "query cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(err, faults.Transient, faults.Medium, "query_timeout", "query deadline exceeded")
	}
	var pte *PoolTimeoutError
	if errors.As(err, &pte) {
		return faults.Wrap(err, faults.System, faults.High, "pool_timeout", "connection pool exhausted").
			WithContext("in_use", strconv.Itoa(pte.Stats.InUse)).
			WithContext("waiters", strconv.Itoa(pte.Stats.Waiters))
	}
	if errors.Is(err, ErrPoolClosed) {
		return faults.Wrap(err, faults.Permanent, faults.High, "pool_closed", "connection pool closed")
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return faults.Wrap(err, faults.Transient, faults.Medium, "db_locked", "database locked")
		case sqlite3.ErrConstraint:
			f := faults.Wrap(err, faults.Permanent, faults.Medium, "db_constraint", "constraint violated")
			if name := constraintName(se); name != "" {
				f = f.WithContext("constraint", name)
			}
			return f
		case sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNomem, sqlite3.ErrCantOpen:
			return faults.Wrap(err, faults.System, faults.High, "db_storage", "storage failure")
		case sqlite3.ErrReadonly:
			return faults.Wrap(err, faults.System, faults.High, "db_readonly", "database is read-only")
		default:
			return faults.Wrap(err, faults.Permanent, faults.Medium, "db_error", "database error")
		}
	}

	if errors.Is(err, driver.ErrBadConn) {
		return faults.Wrap(err, faults.Transient, faults.Medium, "db_conn", "connection failure")
	}
	if isLockMessage(err.Error()) {
		return faults.Wrap(err, faults.Transient, faults.Medium, "db_locked", "database locked")
	}
	return faults.Wrap(err, faults.Permanent, faults.Medium, "db_error", "database error")
}

// constraintName pulls the violating constraint out of the driver
// message, e.g. "UNIQUE constraint failed: vocabulary.position".
func constraintName(se sqlite3.Error) string {
	kind := ""
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique:
		kind = "unique"
	case sqlite3.ErrConstraintPrimaryKey:
		kind = "primary_key"
	case sqlite3.ErrConstraintNotNull:
		kind = "not_null"
	case sqlite3.ErrConstraintForeignKey:
		kind = "foreign_key"
	case sqlite3.ErrConstraintCheck:
		kind = "check"
	}
	msg := se.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		target := strings.TrimSpace(msg[i+2:])
		if kind != "" {
			return kind + ":" + target
		}
		return target
	}
	return kind
}

// isLockMessage is the fallback for drivers that surface lock
// contention as plain text.
func isLockMessage(msg string) bool {
	for _, phrase := range []string{"database is locked", "database table is locked", "SQLITE_BUSY", "SQLITE_LOCKED"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// markIfConnFault flags the connection as broken when the failure
// means the connection itself is unusable, not just the statement.
func markIfConnFault(pc *PooledConn, err error) {
	if errors.Is(err, driver.ErrBadConn) {
		pc.MarkBroken()
		return
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrIoErr, sqlite3.ErrNotADB, sqlite3.ErrProtocol:
			pc.MarkBroken()
		}
	}
}

// sqlKind classifies a statement by its leading keyword.
func sqlKind(text string) stmtKind {
	s := strings.TrimSpace(text)
	for strings.HasPrefix(s, "--") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = strings.TrimSpace(s[i+1:])
		} else {
			return kindOther
		}
	}
	word := s
	if i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '(' }); i >= 0 {
		word = s[:i]
	}
	switch strings.ToUpper(word) {
	case "SELECT", "EXPLAIN":
		return kindSelect
	case "INSERT", "UPDATE", "DELETE", "REPLACE":
		return kindMutation
	case "CREATE", "ALTER", "DROP":
		return kindDDL
	case "WITH":
		// A CTE prefixes either a SELECT or a mutation.
		upper := strings.ToUpper(s)
		if strings.Contains(upper, "INSERT INTO") || strings.Contains(upper, "UPDATE ") ||
			strings.Contains(upper, "DELETE FROM") {
			return kindMutation
		}
		return kindSelect
	default:
		return kindOther
	}
}
