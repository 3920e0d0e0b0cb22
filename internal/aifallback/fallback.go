// Copyright (c) 2026 John Earle
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

// Package aifallback asks a generative model to classify a message's URLs
// when the sandbox leaves the verdict unresolved.
package aifallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/retry"
)

// SystemInstruction frames the model as a phishing analyst.
const SystemInstruction = `You are a Cyber Threat Analyst specializing in phishing detection.
Analyze the provided URLs for security threats.

Look for these patterns:
1. TYPOSQUATTING: Misspelled brand names (paypa1.com, amaz0n.com, g00gle.com)
2. SUSPICIOUS TLDs: Unusual domains (.xyz, .top, .click, .info, .work)
3. DECEPTIVE SUBDOMAINS: Legitimate-looking subdomains on malicious domains (login-paypal.evil.com)
4. URL SHORTENERS: Links hiding destinations (bit.ly, tinyurl, t.co)
5. IP-BASED URLS: Direct IP addresses instead of domain names
6. EXCESSIVE SUBDOMAINS: Many subdomain levels (secure.login.verify.account.example.com)
7. SUSPICIOUS PATHS: Paths containing words like "login", "verify", "update", "secure" combined with brand names

Respond ONLY with a valid JSON object in this exact format:
{"verdict": "malicious", "reason": "string explaining why"}
or
{"verdict": "safe", "reason": "string explaining why"}

Be conservative - if in doubt, mark as malicious.`

// Model is the generative-AI contract: one prompt in, raw text out.
type Model interface {
	Name() string
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Outcome distinguishes the ways an analysis can end.
type Outcome int

const (
	// OutcomeVerdict means the model answered with a usable verdict.
	OutcomeVerdict Outcome = iota
	// OutcomeParseFailure means the model answered but the text was unusable.
	OutcomeParseFailure
	// OutcomeProviderFailure means the call itself failed.
	OutcomeProviderFailure
	// OutcomeUnavailable means no model is configured.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerdict:
		return "verdict"
	case OutcomeParseFailure:
		return "parse_failure"
	case OutcomeProviderFailure:
		return "provider_failure"
	case OutcomeUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Result is the typed answer of Analyze.
type Result struct {
	Outcome Outcome
	Verdict models.Verdict
	Reason  string
	Err     error
}

// Resolve returns the verdict to act on. Anything other than a usable
// verdict resolves to suspicious, never clean.
func (r Result) Resolve() (models.Verdict, string) {
	switch r.Outcome {
	case OutcomeVerdict:
		return r.Verdict, r.Reason
	case OutcomeParseFailure:
		return models.VerdictSuspicious, "could not parse AI response: " + r.Reason
	case OutcomeUnavailable:
		return models.VerdictSuspicious, "AI analysis unavailable, manual review recommended"
	default:
		return models.VerdictSuspicious, "AI analysis failed: " + r.Reason
	}
}

// Config bounds the prompt and the retry policy.
type Config struct {
	MaxURLs int
	Retry   retry.BackoffConfig
}

// Fallback wraps a Model with prompt construction and response parsing.
type Fallback struct {
	model Model
	cfg   Config
}

// New creates a Fallback. A nil model yields OutcomeUnavailable.
func New(model Model, cfg Config) *Fallback {
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 10
	}
	return &Fallback{model: model, cfg: cfg}
}

// Available reports whether a model is configured.
func (f *Fallback) Available() bool { return f.model != nil }

// Analyze classifies urls. Transient provider errors are retried; parse
// failures are not.
func (f *Fallback) Analyze(ctx context.Context, messageID string, urls []string) Result {
	if f.model == nil {
		return Result{Outcome: OutcomeUnavailable}
	}
	if len(urls) > f.cfg.MaxURLs {
		urls = urls[:f.cfg.MaxURLs]
	}

	defanged := make([]string, len(urls))
	for i, u := range urls {
		defanged[i] = models.DefangURL(u)
	}
	log := slog.With("message_id", messageID, "model", f.model.Name())
	log.Info("requesting AI analysis", "urls", defanged)

	var text string
	err := retry.Do(ctx, f.cfg.Retry, "ai generate", func(ctx context.Context) error {
		out, err := f.model.Generate(ctx, SystemInstruction, BuildPrompt(urls))
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Stop(err)
		}
		text = out
		return nil
	})
	if err != nil {
		perr := &models.ProviderError{Provider: f.model.Name(), Op: "generate", Err: err}
		log.Warn("AI analysis failed", "error", perr)
		return Result{Outcome: OutcomeProviderFailure, Reason: truncate(err.Error(), 200), Err: perr}
	}

	verdict, reason, err := ParseResponse(text)
	if err != nil {
		log.Warn("unparseable AI response", "error", err)
		return Result{Outcome: OutcomeParseFailure, Reason: truncate(text, 200), Err: err}
	}
	log.Info("AI analysis complete", "verdict", verdict)
	return Result{Outcome: OutcomeVerdict, Verdict: verdict, Reason: reason}
}

// BuildPrompt lists the URLs to analyse.
func BuildPrompt(urls []string) string {
	var b strings.Builder
	b.WriteString("Analyze these URLs for phishing or malicious content:\n\n")
	for _, u := range urls {
		b.WriteString("- ")
		b.WriteString(u)
		b.WriteString("\n")
	}
	return b.String()
}

var errUnparseable = errors.New("unparseable AI response")

// ParseResponse decodes {"verdict": ..., "reason": ...}. "safe" maps to
// clean. Any other shape is an error.
func ParseResponse(text string) (models.Verdict, string, error) {
	text = stripFences(strings.TrimSpace(text))

	var out struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return "", "", fmt.Errorf("%w: %v", errUnparseable, err)
	}

	reason := strings.TrimSpace(out.Reason)
	if reason == "" {
		reason = "no reason provided"
	}
	switch strings.ToLower(strings.TrimSpace(out.Verdict)) {
	case "malicious":
		return models.VerdictMalicious, reason, nil
	case "suspicious":
		return models.VerdictSuspicious, reason, nil
	case "safe", "clean":
		return models.VerdictClean, reason, nil
	}
	return "", "", fmt.Errorf("%w: verdict %q", errUnparseable, out.Verdict)
}

// stripFences removes a markdown code fence around a JSON body.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isRetryable(err error) bool {
	if models.IsTransient(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
