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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vocabforge/internal/faults"
)

func newTestExecutor(t *testing.T, opts ExecutorOptions) *Executor {
	t.Helper()
	db, err := sql.Open("sqlite3", DSN(filepath.Join(t.TempDir(), "exec.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pool := NewPool(db, PoolOptions{MinSize: 1, MaxSize: 3})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e, err := NewExecutor(pool, opts)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		db.Close()
	})
	if _, err := e.Execute(context.Background(),
		`CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return e
}

func mustCount(t *testing.T, e *Executor, table string) int64 {
	t.Helper()
	res, err := e.Execute(context.Background(), `SELECT COUNT(*) FROM `+table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return asInt(res.Rows[0][0])
}

func TestExecuteInsertAndSelect(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	ctx := context.Background()

	ins, err := e.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "one")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ins.RowCount != 1 {
		t.Errorf("insert RowCount = %d, want 1", ins.RowCount)
	}
	if _, err := e.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 2, "two"); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	res, err := e.Execute(ctx, `SELECT id, v FROM items ORDER BY id`)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Columns) != 2 || res.Columns[0] != "id" || res.Columns[1] != "v" {
		t.Errorf("Columns = %v, want [id v]", res.Columns)
	}
	if res.RowCount != 2 || len(res.Rows) != 2 {
		t.Fatalf("RowCount = %d rows = %d, want 2", res.RowCount, len(res.Rows))
	}
	if asString(res.Rows[0][1]) != "one" || asString(res.Rows[1][1]) != "two" {
		t.Errorf("rows = %v, want one/two in order", res.Rows)
	}
	if res.Cached {
		t.Error("first select reported Cached")
	}
	if len(res.QueryHash) != 16 {
		t.Errorf("QueryHash = %q, want 16 hex chars", res.QueryHash)
	}
}

func TestExecuteResultCache(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{ResultCacheTTL: time.Minute})
	ctx := context.Background()

	if _, err := e.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "one"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := e.Execute(ctx, `SELECT v FROM items WHERE id = ?`, 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.Cached {
		t.Error("first read reported Cached")
	}

	second, err := e.Execute(ctx, `SELECT v FROM items WHERE id = ?`, 1)
	if err != nil {
		t.Fatalf("cached select: %v", err)
	}
	if !second.Cached {
		t.Error("second read not served from cache")
	}
	if second.Duration != 0 {
		t.Errorf("cached Duration = %v, want 0", second.Duration)
	}

	// Different bound parameters are a different cache entry.
	other, err := e.Execute(ctx, `SELECT v FROM items WHERE id = ?`, 2)
	if err != nil {
		t.Fatalf("select id=2: %v", err)
	}
	if other.Cached {
		t.Error("different parameters served the wrong cached result")
	}

	// Any write to the table drops its cached reads.
	if _, err := e.Execute(ctx, `UPDATE items SET v = ? WHERE id = ?`, "uno", 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	third, err := e.Execute(ctx, `SELECT v FROM items WHERE id = ?`, 1)
	if err != nil {
		t.Fatalf("select after write: %v", err)
	}
	if third.Cached {
		t.Error("stale result survived invalidation")
	}
	if asString(third.Rows[0][0]) != "uno" {
		t.Errorf("value after update = %v, want uno", third.Rows[0][0])
	}
}

func TestExecuteManyRollsBackWholeBatch(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	ctx := context.Background()

	_, err := e.ExecuteMany(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, [][]any{
		{1, "a"},
		{2, nil}, // NOT NULL violation
		{3, "c"},
	})
	if err == nil {
		t.Fatal("batch with a bad row succeeded")
	}
	fe, ok := faults.From(err)
	if !ok {
		t.Fatalf("error %v not classified", err)
	}
	if fe.Category != faults.Permanent || fe.Kind != "db_constraint" {
		t.Errorf("classified as %s/%s, want permanent/db_constraint", fe.Category, fe.Kind)
	}
	if got := mustCount(t, e, "items"); got != 0 {
		t.Errorf("rows after failed batch = %d, want 0", got)
	}

	n, err := e.ExecuteMany(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, [][]any{
		{1, "a"},
		{2, "b"},
	})
	if err != nil {
		t.Fatalf("clean batch: %v", err)
	}
	if n != 2 {
		t.Errorf("affected = %d, want 2", n)
	}
	if got := mustCount(t, e, "items"); got != 2 {
		t.Errorf("rows = %d, want 2", got)
	}
}

func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{ResultCacheTTL: time.Minute})
	ctx := context.Background()

	boom := faults.New(faults.Business, faults.Medium, "bad_card", "refused")
	err := e.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "a"); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("Transaction error = %v, want the callback's error", err)
	}
	if got := mustCount(t, e, "items"); got != 0 {
		t.Errorf("rows after rollback = %d, want 0", got)
	}
}

func TestTransactionCommitInvalidatesCachedReads(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{ResultCacheTTL: time.Minute})
	ctx := context.Background()

	if got := mustCount(t, e, "items"); got != 0 {
		t.Fatalf("precondition: %d rows", got)
	}
	// Warm the cache, then write through a transaction.
	if cached := mustCount(t, e, "items"); cached != 0 {
		t.Fatalf("warm read: %d rows", cached)
	}

	err := e.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "a")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got := mustCount(t, e, "items"); got != 1 {
		t.Errorf("count after commit = %d, want 1 (stale cache served?)", got)
	}
}

func TestTransactionSavepointNesting(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	ctx := context.Background()

	err := e.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "keep"); err != nil {
			return err
		}
		inner := tx.Transaction(ctx, func(tx *Tx) error {
			if _, err := tx.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 2, "discard"); err != nil {
				return err
			}
			return faults.New(faults.Business, faults.Low, "nested_abort", "nested abort")
		})
		if inner == nil {
			t.Error("inner transaction error was swallowed")
		}
		// The outer transaction survives the rolled-back savepoint.
		_, err := tx.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 3, "keep")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	res, err := e.Execute(ctx, `SELECT id FROM items ORDER BY id`)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Rows) != 2 || asInt(res.Rows[0][0]) != 1 || asInt(res.Rows[1][0]) != 3 {
		t.Errorf("rows = %v, want ids 1 and 3", res.Rows)
	}
}

func TestTransactionPanicRollsBack(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic did not propagate")
			}
		}()
		e.Transaction(ctx, func(tx *Tx) error {
			if _, err := tx.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "a"); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	if got := mustCount(t, e, "items"); got != 0 {
		t.Errorf("rows after panic = %d, want 0", got)
	}
}

func TestExecuteBatchInTransaction(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	ctx := context.Background()

	err := e.Transaction(ctx, func(tx *Tx) error {
		n, err := tx.ExecuteBatch(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, [][]any{
			{1, "a"}, {2, "b"}, {3, "c"},
		})
		if err != nil {
			return err
		}
		if n != 3 {
			t.Errorf("batch affected = %d, want 3", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got := mustCount(t, e, "items"); got != 3 {
		t.Errorf("rows = %d, want 3", got)
	}
}

func TestConstraintViolationClassified(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	ctx := context.Background()

	if _, err := e.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := e.Execute(ctx, `INSERT INTO items(id, v) VALUES(?, ?)`, 1, "dup")
	if err == nil {
		t.Fatal("duplicate key insert succeeded")
	}
	fe, ok := faults.From(err)
	if !ok {
		t.Fatalf("error %v not classified", err)
	}
	if fe.Category != faults.Permanent {
		t.Errorf("Category = %s, want permanent", fe.Category)
	}
	if fe.Kind != "db_constraint" {
		t.Errorf("Kind = %q, want db_constraint", fe.Kind)
	}
	if fe.Recoverable {
		t.Error("constraint violation marked recoverable")
	}
	if c := fe.Context["constraint"]; !strings.Contains(c, "items.id") {
		t.Errorf("constraint context = %q, want the violating column", c)
	}
}

func TestSlowQueryLog(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{SlowQueryThreshold: time.Nanosecond})
	ctx := context.Background()

	if _, err := e.Execute(ctx, `SELECT COUNT(*) FROM items`); err != nil {
		t.Fatalf("select: %v", err)
	}
	slow := e.SlowQueries()
	if len(slow) == 0 {
		t.Fatal("slow log empty with a nanosecond threshold")
	}
	found := false
	for _, sq := range slow {
		if strings.Contains(sq.SQL, "SELECT COUNT(*) FROM items") {
			found = true
			if sq.Duration <= 0 {
				t.Errorf("slow entry duration = %v, want > 0", sq.Duration)
			}
		}
	}
	if !found {
		t.Errorf("slow log %v missing the normalized statement", slow)
	}
}

func TestSlowLogRingStaysBounded(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{SlowQueryThreshold: time.Nanosecond, SlowLogSize: 5})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := e.Execute(ctx, `SELECT COUNT(*) FROM items WHERE id > ?`, i); err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
	}
	if got := len(e.SlowQueries()); got != 5 {
		t.Errorf("slow log length = %d, want 5", got)
	}
}
