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

package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vocabforge/internal/breaker"
	"vocabforge/internal/cache"
	"vocabforge/internal/faults"
	"vocabforge/internal/llm"
	"vocabforge/internal/ratelimit"
	"vocabforge/internal/retry"
	"vocabforge/internal/store"
	"vocabforge/internal/telemetry"
	"vocabforge/internal/vocab"
)

// Caller performs one model invocation. *llm.Client satisfies it; tests
// substitute fakes.
type Caller interface {
	Call(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Archive is the slice of the relational store the orchestrator writes
// lineage through. Nil disables persistence (unit tests run without a
// database).
type Archive interface {
	ExistingPositions(ctx context.Context) (map[int]struct{}, error)
	FlashcardsByPosition(ctx context.Context, position int) ([]store.FlashcardRow, error)
	InsertStageOutput(ctx context.Context, row store.StageOutputRow) error
	ReplaceFlashcards(ctx context.Context, position int, cards []store.FlashcardRow) error
	RecordUsage(ctx context.Context, row store.UsageRow) error
}

// Reporter receives terminal item faults. *faults.Collector satisfies it.
type Reporter interface {
	Collect(e *faults.Error)
}

// Deps are the shared components every worker routes through. They are
// constructed once (see Runtime) and never per item.
type Deps struct {
	Caller  Caller
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Breaker *breaker.Breaker
	Retry   retry.Policy

	Archive  Archive   // optional
	Reporter Reporter  // optional
	Quota    *Quota    // optional, nil = unlimited
}

// Options tune one batch run.
type Options struct {
	// Model names the model requested from the service.
	Model string
	// Concurrency bounds simultaneous workers. Default 20.
	Concurrency int
	// StageTTL is the cache TTL for stage outputs; <= 0 uses the cache
	// default.
	StageTTL time.Duration
	// Resume skips positions that already have flashcards in the archive.
	Resume bool
	// MaxBreakerWaits is how many open-circuit recoveries one stage call
	// waits out before giving up. Default 2.
	MaxBreakerWaits int
	// MinBreakerWait floors each recovery sleep so a stale RecoverAt
	// cannot spin. Default 250ms.
	MinBreakerWait time.Duration
	// PromptBytesPerCredit scales limiter cost with prompt size. Default
	// 2048.
	PromptBytesPerCredit int
	// CostPer1KInput / CostPer1KOutput price the usage rows.
	CostPer1KInput  float64
	CostPer1KOutput float64
	// Emit receives each successful result in input order, on the
	// collector's consumer goroutine. An error stops further emission and
	// fails the run.
	Emit func(r *Result) error
	// OnProgress callbacks fire at a bounded cadence on the consumer
	// goroutine.
	OnProgress []func(Snapshot)
	// Sleep overrides the context-aware sleep (tests).
	Sleep func(ctx context.Context, d time.Duration) error
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 20
	}
	if o.MaxBreakerWaits <= 0 {
		o.MaxBreakerWaits = 2
	}
	if o.MinBreakerWait <= 0 {
		o.MinBreakerWait = 250 * time.Millisecond
	}
	if o.PromptBytesPerCredit <= 0 {
		o.PromptBytesPerCredit = 2048
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Orchestrator drives one batch through the two-stage flow.
type Orchestrator struct {
	deps Deps
	opts Options

	// maxCredits keeps one request's limiter cost fundable by the smallest
	// shard, so no prompt can starve itself forever.
	maxCredits float64
}

// New validates the wiring and returns an orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Caller == nil {
		return nil, fmt.Errorf("pipeline: nil caller")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("pipeline: nil cache")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("pipeline: nil limiter")
	}
	if deps.Breaker == nil {
		return nil, fmt.Errorf("pipeline: nil breaker")
	}
	opts.withDefaults()

	max := 4.0
	for _, sh := range deps.Limiter.Status().Shards {
		if sh.Capacity < max {
			max = sh.Capacity
		}
	}
	if max < 1 {
		max = 1
	}
	return &Orchestrator{deps: deps, opts: opts, maxCredits: max}, nil
}

// Summary is the batch outcome handed back to the command layer.
type Summary struct {
	Total     int
	Succeeded int
	Cached    int
	Failed    int
	Cancelled int

	ByCategory map[faults.Category]int

	Cards        int
	InputTokens  int64
	OutputTokens int64
	Cost         float64

	Elapsed     time.Duration
	Drained     bool
	Interrupted bool
}

// WorstCategory reports the most severe failure category observed, if any.
func (s *Summary) WorstCategory() (faults.Category, bool) {
	var worst faults.Category
	found := false
	for cat, n := range s.ByCategory {
		if n == 0 {
			continue
		}
		if !found {
			worst, found = cat, true
			continue
		}
		worst = faults.Worse(worst, cat)
	}
	return worst, found
}

// Run processes items and blocks until every one has a terminal result.
// Item failures land in the summary, not the error; a non-nil error means
// the run itself broke (resume load, output emission).
func (o *Orchestrator) Run(ctx context.Context, items []vocab.Item) (*Summary, error) {
	start := o.opts.Now()
	n := len(items)
	summary := &Summary{Total: n, ByCategory: make(map[faults.Category]int)}
	if n == 0 {
		return summary, nil
	}

	var resumed map[int]struct{}
	if o.opts.Resume && o.deps.Archive != nil {
		var err error
		resumed, err = o.deps.Archive.ExistingPositions(ctx)
		if err != nil {
			return nil, faults.Wrap(err, faults.System, faults.High, "resume_load", "load completed positions")
		}
		logrus.WithField("completed", len(resumed)).Debug("resume positions loaded")
	}

	prog := newProgress(n, o.opts.Now, o.opts.OnProgress...)
	var emitErr error
	col := newCollector(n, func(r *Result) {
		if emitErr == nil && o.opts.Emit != nil && r.Err == nil && len(r.Cards) > 0 {
			if err := o.opts.Emit(r); err != nil {
				fe := faults.Wrap(err, faults.System, faults.Critical, "emit",
					"write result for position %d", r.Position)
				o.reportFault(fe)
				emitErr = fe
			}
		}
		telemetry.ObserveItem(r.Kind().String())
		prog.observe(r)
	})

	sem := make(chan struct{}, o.opts.Concurrency)
	var wg sync.WaitGroup
	drained := false
	for i := range items {
		it := items[i]
		if err := ctx.Err(); err != nil {
			col.put(&Result{Index: i, Position: it.Position, Term: it.Term, Err: err})
			continue
		}
		if !drained && o.deps.Quota.Exhausted() {
			drained = true
			logrus.WithField("spent", o.deps.Quota.Spent()).Warn("token budget exhausted, draining batch")
		}
		if drained {
			col.put(&Result{Index: i, Position: it.Position, Term: it.Term, Err: quotaFault(o.deps.Quota)})
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			col.put(&Result{Index: i, Position: it.Position, Term: it.Term, Err: ctx.Err()})
			continue
		}
		wg.Add(1)
		go func(i int, it vocab.Item) {
			defer wg.Done()
			defer func() { <-sem }()
			col.put(o.processItem(ctx, i, it, resumed))
		}(i, it)
	}
	wg.Wait()
	results := col.wait()

	for _, r := range results {
		switch r.Kind() {
		case OutcomeSuccess:
			summary.Succeeded++
		case OutcomeCached:
			summary.Cached++
		case OutcomeCancelled:
			summary.Cancelled++
		case OutcomeFailed:
			summary.Failed++
			if cat, ok := faults.CategoryOf(r.Err); ok {
				summary.ByCategory[cat]++
			} else {
				summary.ByCategory[faults.System]++
			}
		}
		summary.Cards += len(r.Cards)
		summary.InputTokens += r.InputTokens
		summary.OutputTokens += r.OutputTokens
		summary.Cost += r.Cost
	}
	summary.Elapsed = o.opts.Now().Sub(start)
	summary.Drained = drained
	summary.Interrupted = ctx.Err() != nil
	return summary, emitErr
}

// Warm pre-computes the analysis stage for items whose fingerprints are not
// cached yet, so a later batch run starts hot. Loads route through the same
// admission stack as live calls and individual failures only skip their key.
// Returns the number of entries actually loaded.
func (o *Orchestrator) Warm(ctx context.Context, items []vocab.Item) (int, error) {
	byKey := make(map[string]vocab.Item, len(items))
	keys := make([]string, 0, len(items))
	for _, it := range items {
		key := stageKey(llm.StageAnalysis, o.opts.Model, it.Term, it.Type, "")
		if _, dup := byKey[key]; dup {
			continue
		}
		byKey[key] = it
		keys = append(keys, key)
	}
	return o.deps.Cache.Warm(ctx, keys, func(ctx context.Context, key string) ([]byte, error) {
		it := byKey[key]
		req := llm.Request{
			RequestID: uuid.NewString(),
			Model:     o.opts.Model,
			Stage:     llm.StageAnalysis,
			Term:      it.Term,
			Type:      it.Type,
		}
		_, content, err := o.callModel(ctx, req)
		return content, err
	})
}

// processItem runs both stages for one item and always returns a terminal
// result.
func (o *Orchestrator) processItem(ctx context.Context, idx int, it vocab.Item, resumed map[int]struct{}) *Result {
	res := &Result{Index: idx, Position: it.Position, Term: it.Term}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	if _, done := resumed[it.Position]; done {
		if cards, ok := o.archivedCards(ctx, it.Position); ok {
			res.Cards = cards
			res.FromCache = true
			return res
		}
		// Rows went missing since the scan; process normally.
	}

	s1 := o.opts.Now()
	analysis, s1call, _, err := o.resolveStage(ctx, llm.StageAnalysis, it, "", nil)
	res.Stage1 = o.opts.Now().Sub(s1)
	if err != nil {
		return o.fail(res, err)
	}
	o.recordStage(ctx, res, llm.StageAnalysis, analysis, s1call)

	s2 := o.opts.Now()
	rawCards, s2call, s2key, err := o.resolveStage(ctx, llm.StageCards, it, string(analysis), func(b []byte) error {
		_, perr := vocab.ParseFlashcards(b)
		return perr
	})
	res.Stage2 = o.opts.Now().Sub(s2)
	if err != nil {
		return o.fail(res, err)
	}
	o.recordStage(ctx, res, llm.StageCards, rawCards, s2call)

	cards, perr := vocab.ParseFlashcards(rawCards)
	if perr != nil {
		// Cached by an older run; do not let it serve again.
		o.deps.Cache.Delete(s2key)
		return o.fail(res, faults.Wrap(perr, faults.Business, faults.Medium, "bad_cards",
			"unusable card payload for %q", it.Term))
	}
	res.Cards = cards
	res.FromCache = s1call == nil && s2call == nil

	if o.deps.Archive != nil {
		rows := make([]store.FlashcardRow, len(cards))
		for i, c := range cards {
			rows[i] = store.FlashcardRow{
				Position:   it.Position,
				TermNumber: c.TermNumber,
				Tab:        c.Tab,
				Front:      c.Front,
				Back:       c.Back,
				Tags:       c.Tags,
				Honorific:  c.Honorific,
			}
		}
		if err := o.deps.Archive.ReplaceFlashcards(ctx, it.Position, rows); err != nil {
			return o.fail(res, faults.Wrap(err, faults.System, faults.High, "card_write",
				"persist cards for position %d", it.Position))
		}
	}
	return res
}

// stageCall captures what one fresh external call spent. Nil means the
// stage came from cache or a shared flight.
type stageCall struct {
	usage    llm.Usage
	cost     float64
	duration time.Duration
}

// resolveStage returns the stage's content, computing it at most once per
// fingerprint across the batch. validate, when set, runs before the value
// is cached so a malformed payload is never stored.
func (o *Orchestrator) resolveStage(ctx context.Context, stage llm.Stage, it vocab.Item, analysis string, validate func([]byte) error) ([]byte, *stageCall, string, error) {
	key := stageKey(stage, o.opts.Model, it.Term, it.Type, analysis)
	tags := []string{string(stage), "model:" + o.opts.Model}

	var fresh *stageCall
	content, err := o.deps.Cache.GetOrCompute(ctx, key, o.opts.StageTTL, tags, func(ctx context.Context) ([]byte, error) {
		req := llm.Request{
			RequestID: uuid.NewString(),
			Model:     o.opts.Model,
			Stage:     stage,
			Term:      it.Term,
			Type:      it.Type,
			Analysis:  analysis,
		}
		call, content, cerr := o.callModel(ctx, req)
		if cerr != nil {
			return nil, cerr
		}
		if validate != nil {
			if verr := validate(content); verr != nil {
				return nil, faults.Wrap(verr, faults.Business, faults.Medium, "bad_cards",
					"unusable card payload for %q", it.Term)
			}
		}
		fresh = call
		return content, nil
	})
	if err != nil {
		return nil, nil, key, err
	}
	return content, fresh, key, nil
}

// callModel composes quota check, limiter admission, breaker and retry
// around one external call, then books tokens and cost.
func (o *Orchestrator) callModel(ctx context.Context, req llm.Request) (*stageCall, []byte, error) {
	credits := o.credits(req)
	limKey := string(req.Stage) + ":" + req.Term

	var resp *llm.Response
	op := func(ctx context.Context) error {
		if o.deps.Quota.Exhausted() {
			return quotaFault(o.deps.Quota)
		}
		dec, aerr := o.deps.Limiter.Acquire(ctx, limKey, credits)
		if aerr != nil {
			return aerr
		}
		if !dec.Allowed {
			fe := faults.New(faults.Degraded, faults.Low, "rate_limited",
				"admission refused for %s", llm.Describe(req))
			if dec.RetryAfter > 0 {
				fe.WithRetryAfter(dec.RetryAfter)
			}
			return fe
		}
		return o.deps.Breaker.Do(ctx, func(ctx context.Context) error {
			r, cerr := o.deps.Caller.Call(ctx, req)
			if cerr != nil {
				return cerr
			}
			resp = r
			return nil
		})
	}

	start := o.opts.Now()
	if err := o.withPatience(ctx, op); err != nil {
		return nil, nil, err
	}
	call := &stageCall{
		usage:    resp.Usage,
		duration: o.opts.Now().Sub(start),
	}
	call.cost = float64(call.usage.InputTokens)/1000*o.opts.CostPer1KInput +
		float64(call.usage.OutputTokens)/1000*o.opts.CostPer1KOutput
	o.deps.Quota.Add(call.usage.InputTokens + call.usage.OutputTokens)

	if o.deps.Archive != nil {
		row := store.UsageRow{
			RequestID:    req.RequestID,
			Stage:        string(req.Stage),
			InputTokens:  call.usage.InputTokens,
			OutputTokens: call.usage.OutputTokens,
			Cost:         call.cost,
		}
		if err := o.deps.Archive.RecordUsage(ctx, row); err != nil {
			o.reportFault(faults.Wrap(err, faults.Degraded, faults.Low, "usage_write",
				"usage row for request %s", req.RequestID))
		}
	}
	return call, []byte(resp.Content), nil
}

// withPatience runs the retried operation, sleeping through a bounded
// number of circuit recoveries. Isolation never waits: someone opened the
// circuit by hand and only a hand will close it.
func (o *Orchestrator) withPatience(ctx context.Context, op func(context.Context) error) error {
	for waits := 0; ; waits++ {
		err := o.deps.Retry.Do(ctx, op)
		var oe *breaker.OpenError
		if err == nil || !errors.As(err, &oe) {
			return err
		}
		if oe.State == breaker.StateIsolated || waits >= o.opts.MaxBreakerWaits {
			return err
		}
		wait := oe.RecoverAt.Sub(o.opts.Now())
		if wait < o.opts.MinBreakerWait {
			wait = o.opts.MinBreakerWait
		}
		logrus.WithFields(logrus.Fields{
			"wait":  wait,
			"state": oe.State.String(),
		}).Debug("waiting out circuit break")
		if serr := o.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}

// recordStage books a stage's tokens on the result and mirrors the raw
// output into the archive. The mirror failing degrades lineage, not the
// item.
func (o *Orchestrator) recordStage(ctx context.Context, res *Result, stage llm.Stage, content []byte, call *stageCall) {
	if call != nil {
		res.InputTokens += call.usage.InputTokens
		res.OutputTokens += call.usage.OutputTokens
		res.Cost += call.cost
	}
	if o.deps.Archive == nil {
		return
	}
	row := store.StageOutputRow{
		Position:   res.Position,
		Stage:      string(stage),
		Raw:        string(content),
		ParsedJSON: compactIfJSON(content),
	}
	if call != nil {
		row.Tokens = call.usage.InputTokens + call.usage.OutputTokens
		row.Duration = call.duration
	}
	if err := o.deps.Archive.InsertStageOutput(ctx, row); err != nil {
		o.reportFault(faults.Wrap(err, faults.Degraded, faults.Low, "stage_write",
			"stage row for position %d", res.Position))
	}
}

// archivedCards loads a resumed item's cards. A miss (or any read trouble)
// reports not-found so the item just reprocesses.
func (o *Orchestrator) archivedCards(ctx context.Context, position int) ([]vocab.Flashcard, bool) {
	if o.deps.Archive == nil {
		return nil, false
	}
	rows, err := o.deps.Archive.FlashcardsByPosition(ctx, position)
	if err != nil || len(rows) == 0 {
		if err != nil {
			logrus.WithError(err).WithField("position", position).Warn("resume read failed, reprocessing")
		}
		return nil, false
	}
	cards := make([]vocab.Flashcard, len(rows))
	for i, r := range rows {
		cards[i] = vocab.Flashcard{
			TermNumber: r.TermNumber,
			Tab:        r.Tab,
			Front:      r.Front,
			Back:       r.Back,
			Tags:       r.Tags,
			Honorific:  r.Honorific,
		}
	}
	return cards, true
}

// fail stamps the result with a reportable fault. Shared flight errors are
// cloned before annotation so concurrent waiters never write one record.
func (o *Orchestrator) fail(res *Result, err error) *Result {
	if faults.IsCancelled(err) {
		res.Err = err
		return res
	}
	var fe *faults.Error
	if orig, ok := faults.From(err); ok {
		fe = orig.Clone()
	} else if breaker.IsOpen(err) {
		fe = faults.Wrap(err, faults.Transient, faults.High, "circuit_open", "refused by open circuit")
	} else {
		fe = faults.Wrap(err, faults.System, faults.High, "unclassified", "unclassified failure")
	}
	fe.WithContext("position", strconv.Itoa(res.Position)).WithContext("term", res.Term)
	res.Err = fe
	o.reportFault(fe)
	return res
}

func (o *Orchestrator) reportFault(fe *faults.Error) {
	if fe == nil || o.deps.Reporter == nil {
		return
	}
	o.deps.Reporter.Collect(fe)
}

// credits prices one request for the limiter: a base credit plus a
// prompt-size surcharge, clamped so every request stays fundable.
func (o *Orchestrator) credits(req llm.Request) float64 {
	c := 1 + float64(req.PromptSize())/float64(o.opts.PromptBytesPerCredit)
	if c > o.maxCredits {
		c = o.maxCredits
	}
	if c < 1 {
		c = 1
	}
	return c
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.opts.Sleep != nil {
		return o.opts.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// stageKey fingerprints one stage invocation. Stage-2 keys include the
// analysis, so a refreshed analysis regenerates cards instead of serving
// stale ones.
func stageKey(stage llm.Stage, model, term, typ, analysis string) string {
	h := sha256.New()
	for _, part := range []string{string(stage), model, term, typ, analysis} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return string(stage) + ":" + hex.EncodeToString(sum[:16])
}

// compactIfJSON returns the compacted JSON form of b, or "" when b is not
// JSON (raw prose answers).
func compactIfJSON(b []byte) string {
	if !json.Valid(b) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return ""
	}
	return buf.String()
}
