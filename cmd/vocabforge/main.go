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

// Command vocabforge turns a Korean vocabulary list into Anki-style
// flashcards through a two-stage LLM pipeline.
//
// What it does:
//   - Reads a TSV/CSV list of (position, term, type) rows.
//   - Stage 1 asks the model for a linguistic analysis of each term; stage 2
//     turns that analysis into one or more flashcards. Both stages are cached
//     by content fingerprint, so identical terms across runs (or within one
//     batch) hit the service once.
//   - Every call goes through a sharded rate limiter, a circuit breaker, and
//     a retry policy, so one bad stretch of the external service degrades the
//     batch instead of killing it.
//   - Results stream to a TSV file in input order while lineage (raw stage
//     outputs, flashcards, token usage, errors) lands in SQLite.
//
// Subcommands:
//
//	process   run the full pipeline over an input list
//	warm      pre-compute the analysis stage so a later run starts hot
//	stats     print stored analytics without touching the service
//
// Configuration reads VOCABFORGE_* environment variables once at startup;
// flags override. Exit codes: 0 success, 1 input error, 2 service failures
// left after retries, 3 internal failure, 130 interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"vocabforge/internal/config"
	"vocabforge/internal/faults"
	"vocabforge/internal/pipeline"
	"vocabforge/internal/store"
	"vocabforge/internal/vocab"
)

const (
	exitInput       = 1
	exitService     = 2
	exitInternal    = 3
	exitInterrupted = 130
)

var (
	inputFlag = &cli.StringFlag{
		Name:     "input",
		Aliases:  []string{"i"},
		Usage:    "vocabulary list: TSV/CSV rows of position, term, type",
		Required: true,
	}
	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Value:   "flashcards.tsv",
		Usage:   "flashcard TSV destination",
	}
	resumeFlag = &cli.BoolFlag{
		Name:  "resume",
		Usage: "skip positions that already have flashcards in the database",
	}
	dbFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "SQLite database path",
		EnvVars: []string{"VOCABFORGE_DB"},
	}
	concurrencyFlag = &cli.IntFlag{
		Name:    "concurrency",
		Aliases: []string{"c"},
		Usage:   "maximum in-flight items",
		EnvVars: []string{"VOCABFORGE_CONCURRENCY"},
	}
	modelFlag = &cli.StringFlag{
		Name:    "model",
		Usage:   "model requested from the service",
		EnvVars: []string{"VOCABFORGE_MODEL"},
	}
	apiURLFlag = &cli.StringFlag{
		Name:    "api-url",
		Usage:   "LLM service base URL",
		EnvVars: []string{"VOCABFORGE_API_URL"},
	}
	apiKeyFlag = &cli.StringFlag{
		Name:    "api-key",
		Usage:   "bearer token for the service",
		EnvVars: []string{"VOCABFORGE_API_KEY"},
	}
	cacheDirFlag = &cli.StringFlag{
		Name:    "cache-dir",
		Usage:   "file cache tier directory",
		EnvVars: []string{"VOCABFORGE_CACHE_DIR"},
	}
	metricsFlag = &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "Prometheus /metrics and /status listen address (empty disables)",
		EnvVars: []string{"VOCABFORGE_METRICS_ADDR"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "trace, debug, info, warn, or error",
		EnvVars: []string{"VOCABFORGE_LOG_LEVEL"},
	}
	logFormatFlag = &cli.StringFlag{
		Name:    "log-format",
		Usage:   "text or json",
		EnvVars: []string{"VOCABFORGE_LOG_FORMAT"},
	}
)

var app = &cli.App{
	Name:  "vocabforge",
	Usage: "two-stage LLM flashcard pipeline for Korean vocabulary",
	Commands: []*cli.Command{
		{
			Name:   "process",
			Usage:  "run the full pipeline over an input list",
			Flags:  []cli.Flag{inputFlag, outputFlag, resumeFlag, dbFlag, concurrencyFlag, modelFlag, apiURLFlag, apiKeyFlag, cacheDirFlag, metricsFlag, logLevelFlag, logFormatFlag},
			Action: runProcess,
		},
		{
			Name:   "warm",
			Usage:  "pre-compute the analysis stage for an input list",
			Flags:  []cli.Flag{inputFlag, dbFlag, concurrencyFlag, modelFlag, apiURLFlag, apiKeyFlag, cacheDirFlag, logLevelFlag, logFormatFlag},
			Action: runWarm,
		},
		{
			Name:   "stats",
			Usage:  "print stored analytics: errors, usage, slow queries, advisories",
			Flags:  []cli.Flag{dbFlag, logLevelFlag, logFormatFlag},
			Action: runStats,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInput)
	}
}

// loadConfig merges the environment, flag overrides, and validation, and
// points logrus at the configured level and format.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Load()
	if c.IsSet(dbFlag.Name) {
		cfg.DBPath = c.String(dbFlag.Name)
	}
	if c.IsSet(concurrencyFlag.Name) {
		cfg.Concurrency = c.Int(concurrencyFlag.Name)
	}
	if c.IsSet(modelFlag.Name) {
		cfg.Model = c.String(modelFlag.Name)
	}
	if c.IsSet(apiURLFlag.Name) {
		cfg.APIBaseURL = c.String(apiURLFlag.Name)
	}
	if c.IsSet(apiKeyFlag.Name) {
		cfg.APIKey = c.String(apiKeyFlag.Name)
	}
	if c.IsSet(cacheDirFlag.Name) {
		cfg.CacheDir = c.String(cacheDirFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		cfg.MetricsAddr = c.String(metricsFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.LogFormat = c.String(logFormatFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	logrus.SetLevel(lvl)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
	return cfg, nil
}

func runProcess(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInput)
	}
	items, err := vocab.ReadItems(c.String(inputFlag.Name))
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInput)
	}
	logrus.WithFields(logrus.Fields{
		"items": len(items),
		"input": c.String(inputFlag.Name),
	}).Info("vocabulary loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := pipeline.NewRuntime(ctx, cfg)
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInternal)
	}
	defer closeRuntime(rt)

	rows := make([]store.VocabRow, len(items))
	for i, it := range items {
		rows[i] = store.VocabRow{Position: it.Position, Term: it.Term, Type: it.Type}
	}
	if err := rt.Store.UpsertVocabulary(ctx, rows); err != nil {
		return cli.Exit("vocabforge: seed vocabulary: "+err.Error(), exitInternal)
	}

	out, err := vocab.NewWriter(c.String(outputFlag.Name))
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInput)
	}

	orch, err := pipeline.New(rt.Deps(), pipeline.Options{
		Model:           cfg.Model,
		Concurrency:     cfg.Concurrency,
		StageTTL:        cfg.CacheTTL,
		Resume:          c.Bool(resumeFlag.Name),
		CostPer1KInput:  cfg.CostPer1KInput,
		CostPer1KOutput: cfg.CostPer1KOutput,
		Emit: func(r *pipeline.Result) error {
			return out.WriteCards(r.Position, r.Term, r.Cards)
		},
		OnProgress: []func(pipeline.Snapshot){pipeline.ConsoleProgress(os.Stderr)},
	})
	if err != nil {
		out.Close()
		return cli.Exit("vocabforge: "+err.Error(), exitInternal)
	}

	sum, runErr := orch.Run(ctx, items)
	if cerr := out.Close(); cerr != nil && runErr == nil {
		runErr = cerr
	}
	if runErr != nil {
		logrus.WithError(runErr).Error("batch run failed")
	}
	if sum != nil {
		printSummary(os.Stdout, sum, out.Rows(), out.Path())
	}
	return exitStatus(sum, runErr)
}

func runWarm(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInput)
	}
	items, err := vocab.ReadItems(c.String(inputFlag.Name))
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := pipeline.NewRuntime(ctx, cfg)
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInternal)
	}
	defer closeRuntime(rt)

	orch, err := pipeline.New(rt.Deps(), pipeline.Options{
		Model:           cfg.Model,
		Concurrency:     cfg.Concurrency,
		StageTTL:        cfg.CacheTTL,
		CostPer1KInput:  cfg.CostPer1KInput,
		CostPer1KOutput: cfg.CostPer1KOutput,
	})
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInternal)
	}

	start := time.Now()
	warmed, err := orch.Warm(ctx, items)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return cli.Exit("", exitInterrupted)
		}
		return cli.Exit("vocabforge: "+err.Error(), exitService)
	}
	fmt.Printf("warmed %d of %d entries in %s\n",
		warmed, len(items), time.Since(start).Round(time.Millisecond))
	return nil
}

func runStats(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInput)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Path: cfg.DBPath,
		Pool: store.PoolOptions{MinSize: 1, MaxSize: 2},
	})
	if err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInternal)
	}
	defer st.Close()

	if err := printStats(ctx, os.Stdout, st); err != nil {
		return cli.Exit("vocabforge: "+err.Error(), exitInternal)
	}
	return nil
}

func printStats(ctx context.Context, w io.Writer, st *store.Store) error {
	sep := strings.Repeat("-", 60)

	ver, err := st.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	counts, err := st.TableCounts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Database (schema v%s)\n", ver)
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-24s %12s\n", "Table", "Rows")
	fmt.Fprintln(w, sep)
	tables := make([]string, 0, len(counts))
	for name := range counts {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, name := range tables {
		fmt.Fprintf(w, "%-24s %12d\n", name, counts[name])
	}
	fmt.Fprintln(w, sep)

	today, err := st.UsageSince(ctx, midnightLocal(time.Now()))
	if err != nil {
		return err
	}
	all, err := st.UsageSince(ctx, time.Time{})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "API usage")
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-24s %12s %12s\n", "", "Today", "All time")
	fmt.Fprintf(w, "%-24s %12d %12d\n", "Requests", today.Requests, all.Requests)
	fmt.Fprintf(w, "%-24s %12d %12d\n", "Input tokens", today.InputTokens, all.InputTokens)
	fmt.Fprintf(w, "%-24s %12d %12d\n", "Output tokens", today.OutputTokens, all.OutputTokens)
	fmt.Fprintf(w, "%-24s %12s %12s\n", "Cost",
		fmt.Sprintf("$%.4f", today.Cost), fmt.Sprintf("$%.4f", all.Cost))
	fmt.Fprintln(w, sep)

	errStats, err := st.ErrorStats(ctx)
	if err != nil {
		return err
	}
	if len(errStats) > 0 {
		fmt.Fprintln(w, "Errors by category")
		fmt.Fprintln(w, sep)
		for _, e := range errStats {
			fmt.Fprintf(w, "%-24s %12d\n", e.Category, e.Count)
		}
		fmt.Fprintln(w, sep)
	}

	if slow := st.SlowQueries(); len(slow) > 0 {
		fmt.Fprintln(w, "Slow queries (this session)")
		fmt.Fprintln(w, sep)
		for _, q := range slow {
			fmt.Fprintf(w, "%8s  %s\n", q.Duration.Round(time.Millisecond), firstLine(q.SQL))
		}
		fmt.Fprintln(w, sep)
	}

	report := st.OptimizerReport()
	if len(report.Findings) > 0 || len(report.Suggestions) > 0 {
		fmt.Fprintf(w, "Optimizer advisories (%d statements observed)\n", report.Observed)
		fmt.Fprintln(w, sep)
		for _, f := range report.Findings {
			fmt.Fprintf(w, "[%s] %s: %s\n", f.Severity, f.Kind, f.Suggestion)
		}
		for _, s := range report.Suggestions {
			fmt.Fprintf(w, "- %s\n", s)
		}
		fmt.Fprintln(w, sep)
	}
	return nil
}

// printSummary renders the batch outcome in a fixed-width table.
func printSummary(w io.Writer, sum *pipeline.Summary, rows int64, path string) {
	sep := strings.Repeat("-", 60)
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-18s %12s\n", "Metric", "Value")
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-18s %12d\n", "Items", sum.Total)
	fmt.Fprintf(w, "%-18s %12d\n", "Succeeded", sum.Succeeded)
	fmt.Fprintf(w, "%-18s %12d\n", "From cache", sum.Cached)
	fmt.Fprintf(w, "%-18s %12d\n", "Failed", sum.Failed)
	fmt.Fprintf(w, "%-18s %12d\n", "Cancelled", sum.Cancelled)
	fmt.Fprintf(w, "%-18s %12d\n", "Cards written", rows)
	fmt.Fprintf(w, "%-18s %12d\n", "Input tokens", sum.InputTokens)
	fmt.Fprintf(w, "%-18s %12d\n", "Output tokens", sum.OutputTokens)
	fmt.Fprintf(w, "%-18s %12s\n", "Cost", fmt.Sprintf("$%.4f", sum.Cost))
	fmt.Fprintf(w, "%-18s %12s\n", "Elapsed", sum.Elapsed.Round(time.Millisecond).String())
	fmt.Fprintln(w, sep)
	if len(sum.ByCategory) > 0 {
		cats := make([]string, 0, len(sum.ByCategory))
		for cat := range sum.ByCategory {
			cats = append(cats, string(cat))
		}
		sort.Strings(cats)
		fmt.Fprintln(w, "Failures by category")
		fmt.Fprintln(w, sep)
		for _, cat := range cats {
			fmt.Fprintf(w, "%-18s %12d\n", cat, sum.ByCategory[faults.Category(cat)])
		}
		fmt.Fprintln(w, sep)
	}
	fmt.Fprintf(w, "Output: %s\n", path)
	if sum.Drained {
		fmt.Fprintln(w, "Run drained early: daily token budget exhausted.")
	}
}

// exitStatus maps the batch outcome to the process exit code: run-level
// breakage is internal, interruption wins over item failures, and the worst
// observed fault category picks between service and internal.
func exitStatus(sum *pipeline.Summary, runErr error) error {
	if runErr != nil {
		return cli.Exit("", exitInternal)
	}
	if sum.Interrupted {
		return cli.Exit("", exitInterrupted)
	}
	if sum.Failed == 0 {
		return nil
	}
	if cat, ok := sum.WorstCategory(); ok && cat == faults.System {
		return cli.Exit("", exitInternal)
	}
	return cli.Exit("", exitService)
}

func closeRuntime(rt *pipeline.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		logrus.WithError(err).Warn("shutdown incomplete")
	}
}

func midnightLocal(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 72 {
		s = s[:72] + "..."
	}
	return s
}
