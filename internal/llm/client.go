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

// Package llm is the HTTP boundary to the external language-model service.
// It owns the wire format (also served by cmd/llm-sim) and translates HTTP
// failures into the shared fault taxonomy so the retry, breaker and
// collector layers never look at raw status codes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vocabforge/internal/faults"
	"vocabforge/internal/telemetry"
)

// Stage identifies one of the two pipeline calls. The values double as the
// stage column in stage_output rows and as cache-key prefixes, so they must
// stay stable.
type Stage string

const (
	// StageAnalysis asks the model to analyze one term.
	StageAnalysis Stage = "stage1"
	// StageCards asks the model to turn an analysis into flashcards.
	StageCards Stage = "stage2"
)

// maxResponseBytes bounds how much of a response body is read. Card payloads
// are a few KiB; anything near the cap is a broken service.
const maxResponseBytes = 8 << 20

// Request is one model invocation. Analysis carries the stage-1 output when
// Stage is StageCards and is empty otherwise.
type Request struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	Stage     Stage  `json:"stage"`
	Term      string `json:"term"`
	Type      string `json:"type,omitempty"`
	Analysis  string `json:"analysis,omitempty"`
}

// PromptSize estimates the request's prompt length in bytes. The rate
// limiter charges proportionally to this, so a long stage-2 prompt costs
// more credits than a bare stage-1 term.
func (r Request) PromptSize() int {
	return len(r.Term) + len(r.Type) + len(r.Analysis) + 64
}

// Usage is the token accounting the service reports per call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the service's reply. Content is the raw model output; parsing
// it is the caller's business.
type Response struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
}

// errorEnvelope is the service's JSON error body. Absent or malformed bodies
// degrade to the bare status text.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Options configures a Client.
type Options struct {
	// BaseURL is the service root, e.g. "http://127.0.0.1:8089/v1".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Model is the default model for requests that leave Model empty.
	Model string
	// Timeout bounds one HTTP round trip. Default 60s.
	Timeout time.Duration
	// HTTPClient overrides the transport (tests). When set, Timeout is
	// ignored.
	HTTPClient *http.Client
}

func (o *Options) withDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
}

// Client calls the model service. It is safe for concurrent use.
type Client struct {
	opts Options
	url  string
}

// New builds a Client for the service at opts.BaseURL.
func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts: opts,
		url:  strings.TrimSuffix(opts.BaseURL, "/") + "/messages",
	}
}

// Call performs one model invocation. Failures come back as taxonomy errors
// carrying the stage, the status kind and, for 429s, the server's
// Retry-After as a retry hint. Context cancellation is returned unwrapped so
// callers can tell shutdown from failure.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = c.opts.Model
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	elapsed := time.Since(start)
	telemetry.ObserveLLMCall(string(req.Stage), resultLabel(err), elapsed)
	if err != nil {
		return nil, err
	}
	telemetry.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, faults.Wrap(err, faults.System, faults.High, "encode", "encode request for %q", req.Term)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(err, faults.System, faults.High, "request", "build request for %q", req.Term)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	httpResp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, faults.Wrap(err, faults.Transient, faults.Medium, "body_read", "read response body").
			WithContext("stage", string(req.Stage))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp, raw).WithContext("stage", string(req.Stage))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, faults.Wrap(err, faults.Transient, faults.Medium, "bad_envelope", "malformed response envelope").
			WithContext("stage", string(req.Stage))
	}
	if out.Content == "" {
		return nil, faults.New(faults.Business, faults.Medium, "empty_content", "service returned empty content").
			WithContext("stage", string(req.Stage))
	}
	return &out, nil
}

// classifyTransport maps network-level failures. Cancellation passes through
// untouched; everything else on the wire is worth another try.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(err, faults.Transient, faults.Medium, "timeout", "request deadline exceeded")
	}
	// http.Client wraps its own timeout in a url.Error with Timeout()=true.
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return faults.Wrap(err, faults.Transient, faults.Medium, "timeout", "request timed out")
	}
	return faults.Wrap(err, faults.Transient, faults.Medium, "net", "transport failure")
}

// classifyStatus maps a non-200 response to the taxonomy. 429 carries the
// server's Retry-After as a hint; the retry policy treats it as a floor, not
// a promise.
func classifyStatus(resp *http.Response, raw []byte) *faults.Error {
	status := resp.StatusCode
	kind := "http_" + strconv.Itoa(status)
	msg := serviceMessage(raw, resp.Status)

	var fe *faults.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		fe = faults.New(faults.Permanent, faults.Critical, kind, "authentication rejected: %s", msg)
	case status == http.StatusTooManyRequests:
		fe = faults.New(faults.Transient, faults.Medium, kind, "service throttled: %s", msg)
		if d := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); d > 0 {
			fe.WithRetryAfter(d)
		}
	case status == http.StatusRequestTimeout:
		fe = faults.New(faults.Transient, faults.Medium, kind, "service timed out: %s", msg)
	case status == http.StatusNotImplemented:
		fe = faults.New(faults.Permanent, faults.High, kind, "operation unsupported: %s", msg)
	case status >= 500:
		fe = faults.New(faults.Transient, faults.High, kind, "service error: %s", msg)
	default:
		fe = faults.New(faults.Permanent, faults.Medium, kind, "request rejected: %s", msg)
	}
	return fe.WithContext("status", strconv.Itoa(status))
}

func serviceMessage(raw []byte, fallback string) string {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return fallback
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms. Malformed
// or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if faults.IsCancelled(err) {
		return "cancelled"
	}
	if fe, ok := faults.From(err); ok {
		switch {
		case fe.Kind == "http_429":
			return "throttled"
		case strings.HasPrefix(fe.Kind, "http_5"):
			return "server_error"
		case strings.HasPrefix(fe.Kind, "http_"):
			return "rejected"
		case fe.Kind == "timeout":
			return "timeout"
		}
	}
	return "error"
}

// Describe renders a short human label for logs, e.g. "stage1(하다)".
func Describe(req Request) string {
	return fmt.Sprintf("%s(%s)", req.Stage, req.Term)
}
