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
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Finding kinds.
const (
	FindingNPlusOne = "n_plus_one"
	FindingFullScan = "full_scan"
)

// flagCooldown keeps one noisy pattern from flooding the findings.
const flagCooldown = time.Minute

// OptimizerOptions configures pattern detection. Zero values select
// defaults.
type OptimizerOptions struct {
	// WindowSize is how many recent statements the detector remembers.
	// Default 50.
	WindowSize int

	// RepeatThreshold is how many same-shaped queries within
	// RepeatWindow constitute an N+1 pattern. Default 5.
	RepeatThreshold int

	// RepeatWindow is the time span for RepeatThreshold. Default 1s.
	RepeatWindow time.Duration

	// MaxFindings bounds retained findings; oldest are dropped. Default 100.
	MaxFindings int

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (o OptimizerOptions) withDefaults() OptimizerOptions {
	if o.WindowSize <= 0 {
		o.WindowSize = 50
	}
	if o.RepeatThreshold <= 0 {
		o.RepeatThreshold = 5
	}
	if o.RepeatWindow <= 0 {
		o.RepeatWindow = time.Second
	}
	if o.MaxFindings <= 0 {
		o.MaxFindings = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Finding is one detected query problem.
type Finding struct {
	Kind       string        `json:"kind"`
	Pattern    string        `json:"pattern"`
	Count      int           `json:"count"`
	Severity   string        `json:"severity"`
	Suggestion string        `json:"suggestion"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Report summarizes everything the optimizer has seen.
type Report struct {
	Observed    int64     `json:"observed"`
	Findings    []Finding `json:"findings"`
	Suggestions []string  `json:"suggestions"`
}

type observation struct {
	skeleton string
	at       time.Time
}

// Optimizer watches executed statements for N+1 bursts and full table
// scans, and accumulates advisory findings. It never rewrites a query.
type Optimizer struct {
	opts OptimizerOptions

	mu        sync.Mutex
	ring      []observation
	pos       int
	observed  int64
	lastFlag  map[string]time.Time
	findings  []Finding
	suggested map[string]struct{}
}

// NewOptimizer returns an optimizer with opts applied.
func NewOptimizer(opts OptimizerOptions) *Optimizer {
	opts = opts.withDefaults()
	return &Optimizer{
		opts:      opts,
		ring:      make([]observation, 0, opts.WindowSize),
		lastFlag:  make(map[string]time.Time),
		suggested: make(map[string]struct{}),
	}
}

// Observe records one executed statement. fullScan reports whether the
// plan walked a table without an index; callers pass it only for
// statements they bothered to explain.
func (o *Optimizer) Observe(sqlText string, d time.Duration, fullScan bool) {
	now := o.opts.Now()
	skel := Skeleton(sqlText)

	var flagged []Finding
	o.mu.Lock()
	o.observed++
	if len(o.ring) < o.opts.WindowSize {
		o.ring = append(o.ring, observation{skeleton: skel, at: now})
	} else {
		o.ring[o.pos] = observation{skeleton: skel, at: now}
		o.pos = (o.pos + 1) % o.opts.WindowSize
	}

	count := 0
	for _, ob := range o.ring {
		if ob.skeleton == skel && now.Sub(ob.at) <= o.opts.RepeatWindow {
			count++
		}
	}
	if count >= o.opts.RepeatThreshold && now.Sub(o.lastFlag[skel]) >= flagCooldown {
		o.lastFlag[skel] = now
		sev := "medium"
		if count >= 2*o.opts.RepeatThreshold {
			sev = "high"
		}
		f := Finding{
			Kind:       FindingNPlusOne,
			Pattern:    skel,
			Count:      count,
			Severity:   sev,
			Suggestion: "batch the per-item lookups into one IN query or a JOIN",
			At:         now,
		}
		o.appendLocked(f)
		flagged = append(flagged, f)
	}

	if fullScan {
		if sug := indexSuggestion(sqlText); sug != "" {
			if _, dup := o.suggested[sug]; !dup {
				o.suggested[sug] = struct{}{}
				f := Finding{
					Kind:       FindingFullScan,
					Pattern:    Normalize(sqlText),
					Count:      1,
					Severity:   "medium",
					Suggestion: sug,
					At:         now,
					Duration:   d,
				}
				o.appendLocked(f)
				flagged = append(flagged, f)
			}
		}
	}
	o.mu.Unlock()

	for _, f := range flagged {
		logrus.WithFields(logrus.Fields{
			"kind":       f.Kind,
			"pattern":    f.Pattern,
			"count":      f.Count,
			"suggestion": f.Suggestion,
		}).Warn("store: query pattern flagged")
	}
}

// Report snapshots findings and distinct index suggestions.
func (o *Optimizer) Report() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := Report{Observed: o.observed}
	r.Findings = append(r.Findings, o.findings...)
	for sug := range o.suggested {
		r.Suggestions = append(r.Suggestions, sug)
	}
	return r
}

func (o *Optimizer) appendLocked(f Finding) {
	if len(o.findings) >= o.opts.MaxFindings {
		o.findings = o.findings[1:]
	}
	o.findings = append(o.findings, f)
}

// ---- statement analysis ----

var sqlKeywords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "ORDER", "BY", "GROUP",
		"HAVING", "LIMIT", "OFFSET", "INSERT", "INTO", "VALUES", "UPDATE",
		"SET", "DELETE", "JOIN", "LEFT", "RIGHT", "INNER", "OUTER", "CROSS",
		"ON", "AS", "IN", "IS", "NULL", "LIKE", "BETWEEN", "EXISTS", "IF",
		"CREATE", "TABLE", "INDEX", "UNIQUE", "PRIMARY", "KEY", "DEFAULT",
		"REFERENCES", "DROP", "ALTER", "ADD", "COLUMN", "DISTINCT", "UNION",
		"ALL", "CASE", "WHEN", "THEN", "ELSE", "END", "ASC", "DESC",
		"BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "TRANSACTION",
		"PRAGMA", "WITH", "RETURNING", "CONFLICT", "DO", "NOTHING", "REPLACE",
		"EXPLAIN", "QUERY", "PLAN", "INTEGER", "TEXT", "REAL", "BLOB",
		"AUTOINCREMENT", "CONSTRAINT", "CHECK", "FOREIGN", "COUNT", "SUM",
		"MIN", "MAX", "AVG", "COALESCE", "CAST",
	} {
		sqlKeywords[w] = struct{}{}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

// Normalize canonicalizes a statement: whitespace runs collapse to one
// space, keywords are uppercased, and string and numeric literals
// become ? placeholders. Identifiers keep their spelling.
func Normalize(sqlText string) string {
	var b strings.Builder
	b.Grow(len(sqlText))
	n := len(sqlText)
	i := 0
	pendingSpace := false
	emit := func(tok string) {
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
		pendingSpace = false
	}
	for i < n {
		c := sqlText[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			pendingSpace = true
			i++
		case c == '\'':
			i++
			for i < n {
				if sqlText[i] == '\'' {
					if i+1 < n && sqlText[i+1] == '\'' { // escaped quote
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			emit("?")
		case c >= '0' && c <= '9':
			j := i + 1
			for j < n && (sqlText[j] >= '0' && sqlText[j] <= '9' || sqlText[j] == '.') {
				j++
			}
			if j < n && (sqlText[j] == 'e' || sqlText[j] == 'E') {
				j++
				if j < n && (sqlText[j] == '+' || sqlText[j] == '-') {
					j++
				}
				for j < n && sqlText[j] >= '0' && sqlText[j] <= '9' {
					j++
				}
			}
			emit("?")
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentChar(sqlText[j]) {
				j++
			}
			word := sqlText[i:j]
			if up := strings.ToUpper(word); isKeyword(up) {
				emit(up)
			} else {
				emit(word)
			}
			i = j
		default:
			emit(string(c))
			i++
		}
	}
	return b.String()
}

func isKeyword(upper string) bool {
	_, ok := sqlKeywords[upper]
	return ok
}

// Fingerprint hashes the normalized statement to a short stable hex id.
func Fingerprint(sqlText string) string {
	h := fnv.New64a()
	h.Write([]byte(Normalize(sqlText)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Skeleton reduces the WHERE clause to its column list so statements
// that differ only in predicate shape, such as IN lists of different
// lengths, group together.
func Skeleton(sqlText string) string {
	norm := Normalize(sqlText)
	i := strings.Index(norm, " WHERE ")
	if i < 0 {
		return norm
	}
	head := norm[:i]
	rest := norm[i+len(" WHERE "):]
	end := len(rest)
	for _, term := range []string{" ORDER BY", " GROUP BY", " LIMIT", " RETURNING"} {
		if j := strings.Index(rest, term); j >= 0 && j < end {
			end = j
		}
	}
	cols := identifiersIn(rest[:end])
	return head + " WHERE(" + strings.Join(cols, ",") + ")" + rest[end:]
}

// identifiersIn lists the non-keyword identifiers of a normalized
// fragment, lowercased, first occurrence order.
func identifiersIn(fragment string) []string {
	var out []string
	seen := make(map[string]struct{})
	n := len(fragment)
	i := 0
	for i < n {
		c := fragment[i]
		if !isIdentStart(c) {
			i++
			continue
		}
		j := i + 1
		for j < n && isIdentChar(fragment[j]) {
			j++
		}
		word := fragment[i:j]
		i = j
		if isKeyword(strings.ToUpper(word)) {
			continue
		}
		lower := strings.ToLower(word)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, lower)
	}
	return out
}

// Tables lists the tables a statement touches, lowercased. It follows
// FROM, JOIN, INTO, UPDATE, TABLE, and the ON of CREATE INDEX.
func Tables(sqlText string) []string {
	norm := Normalize(sqlText)
	toks := tableTokens(norm)

	var out []string
	seen := make(map[string]struct{})
	add := func(name string) {
		lower := strings.ToLower(name)
		if _, dup := seen[lower]; !dup {
			seen[lower] = struct{}{}
			out = append(out, lower)
		}
	}

	capture := false
	sawIndex := false
	for _, tok := range toks {
		switch tok {
		case "FROM", "JOIN", "INTO", "UPDATE", "TABLE":
			capture = true
			continue
		case "INDEX":
			sawIndex = true
			continue
		case "ON":
			if sawIndex {
				capture = true
				sawIndex = false
			}
			continue
		case "IF", "NOT", "EXISTS":
			continue // CREATE TABLE IF NOT EXISTS
		case ",":
			// FROM a, b
			continue
		case "(":
			capture = false // subquery or column list
			continue
		}
		if capture {
			if !isKeyword(tok) && tok != ")" && tok != "?" {
				add(tok)
			}
			capture = false
		}
	}
	return out
}

// tableTokens splits a normalized statement into words plus the
// punctuation Tables cares about.
func tableTokens(norm string) []string {
	var toks []string
	n := len(norm)
	i := 0
	for i < n {
		c := norm[i]
		switch {
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentChar(norm[j]) {
				j++
			}
			toks = append(toks, norm[i:j])
			i = j
		case c == ',' || c == '(' || c == ')' || c == '?':
			toks = append(toks, string(c))
			i++
		default:
			i++
		}
	}
	return toks
}

// indexSuggestion builds a CREATE INDEX statement for a single-table
// query: equality columns first, then range columns, then ORDER BY
// columns. Multi-table plans are left to a human.
func indexSuggestion(sqlText string) string {
	tables := Tables(sqlText)
	if len(tables) != 1 {
		return ""
	}
	table := tables[0]
	norm := Normalize(sqlText)

	eq, rng := predicateCols(norm)
	ord := orderByCols(norm)

	var cols []string
	seen := make(map[string]struct{})
	for _, group := range [][]string{eq, rng, ord} {
		for _, col := range group {
			col = bareColumn(col)
			if col == "" || col == table {
				continue
			}
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return ""
	}
	name := "idx_" + strings.ReplaceAll(table, ".", "_") + "_" + strings.Join(cols, "_")
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, table, strings.Join(cols, ", "))
}

// predicateCols extracts WHERE columns compared by equality (including
// IN) and by range. Inequality comparisons get no index benefit and
// are skipped.
func predicateCols(norm string) (eq, rng []string) {
	i := strings.Index(norm, " WHERE ")
	if i < 0 {
		return nil, nil
	}
	rest := norm[i+len(" WHERE "):]
	end := len(rest)
	for _, term := range []string{" ORDER BY", " GROUP BY", " LIMIT", " RETURNING"} {
		if j := strings.Index(rest, term); j >= 0 && j < end {
			end = j
		}
	}
	frag := rest[:end]

	n := len(frag)
	i = 0
	for i < n {
		if !isIdentStart(frag[i]) {
			i++
			continue
		}
		j := i + 1
		for j < n && isIdentChar(frag[j]) {
			j++
		}
		word := frag[i:j]
		i = j
		if isKeyword(strings.ToUpper(word)) {
			continue
		}
		// Look at what follows the identifier.
		k := i
		for k < n && frag[k] == ' ' {
			k++
		}
		switch {
		case strings.HasPrefix(frag[k:], ">=") || strings.HasPrefix(frag[k:], "<="):
			rng = append(rng, strings.ToLower(word))
		case strings.HasPrefix(frag[k:], "<>") || strings.HasPrefix(frag[k:], "!="):
			// no index benefit
		case k < n && (frag[k] == '>' || frag[k] == '<'):
			rng = append(rng, strings.ToLower(word))
		case k < n && frag[k] == '=':
			eq = append(eq, strings.ToLower(word))
		case strings.HasPrefix(frag[k:], "IN ") || strings.HasPrefix(frag[k:], "IN("):
			eq = append(eq, strings.ToLower(word))
		case strings.HasPrefix(frag[k:], "BETWEEN "):
			rng = append(rng, strings.ToLower(word))
		}
	}
	return eq, rng
}

// orderByCols lists the ORDER BY columns in order.
func orderByCols(norm string) []string {
	i := strings.Index(norm, " ORDER BY ")
	if i < 0 {
		return nil
	}
	rest := norm[i+len(" ORDER BY "):]
	if j := strings.Index(rest, " LIMIT"); j >= 0 {
		rest = rest[:j]
	}
	var out []string
	for _, part := range strings.Split(rest, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		col := fields[0]
		if isKeyword(strings.ToUpper(col)) {
			continue
		}
		out = append(out, strings.ToLower(col))
	}
	return out
}

// bareColumn strips any table qualifier.
func bareColumn(col string) string {
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		return col[i+1:]
	}
	return col
}
