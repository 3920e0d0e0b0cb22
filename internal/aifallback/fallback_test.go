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

package aifallback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/retry"
)

type scriptedReply struct {
	text string
	err  error
}

// mockModel replays scripted replies and records prompts.
type mockModel struct {
	mu      sync.Mutex
	replies []scriptedReply
	prompts []string
}

func (m *mockModel) Name() string { return "mock-model" }

func (m *mockModel) Generate(ctx context.Context, system, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return r.text, r.err
}

func fastRetry() retry.BackoffConfig {
	return retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		verdict models.Verdict
		wantErr bool
	}{
		{"malicious", `{"verdict":"malicious","reason":"typosquat"}`, models.VerdictMalicious, false},
		{"safe maps to clean", `{"verdict":"safe","reason":"known brand"}`, models.VerdictClean, false},
		{"upper case", `{"verdict":"MALICIOUS","reason":"x"}`, models.VerdictMalicious, false},
		{"fenced", "```json\n{\"verdict\":\"safe\",\"reason\":\"ok\"}\n```", models.VerdictClean, false},
		{"free text", "This looks malicious to me", "", true},
		{"unexpected verdict", `{"verdict":"probably fine","reason":"x"}`, "", true},
		{"missing verdict", `{"reason":"x"}`, "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, err := ParseResponse(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got verdict %s", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if v != tt.verdict {
				t.Errorf("verdict = %s, want %s", v, tt.verdict)
			}
		})
	}
}

func TestAnalyze_Verdict(t *testing.T) {
	m := &mockModel{replies: []scriptedReply{{text: `{"verdict":"malicious","reason":"lookalike domain"}`}}}
	f := New(m, Config{MaxURLs: 10, Retry: fastRetry()})

	r := f.Analyze(context.Background(), "m1", []string{"https://paypa1.com/login"})
	if r.Outcome != OutcomeVerdict {
		t.Fatalf("outcome = %s, err = %v", r.Outcome, r.Err)
	}
	v, reason := r.Resolve()
	if v != models.VerdictMalicious || reason != "lookalike domain" {
		t.Errorf("resolved = %s %q", v, reason)
	}
	if !strings.Contains(m.prompts[0], "https://paypa1.com/login") {
		t.Errorf("prompt = %q", m.prompts[0])
	}
}

func TestAnalyze_ParseFailureResolvesSuspicious(t *testing.T) {
	m := &mockModel{replies: []scriptedReply{{text: "I think this is fine"}}}
	f := New(m, Config{Retry: fastRetry()})

	r := f.Analyze(context.Background(), "m1", []string{"https://x.test"})
	if r.Outcome != OutcomeParseFailure {
		t.Fatalf("outcome = %s, want parse_failure", r.Outcome)
	}
	if v, _ := r.Resolve(); v != models.VerdictSuspicious {
		t.Errorf("resolved = %s, want suspicious", v)
	}
	if len(m.prompts) != 1 {
		t.Errorf("calls = %d, parse failures must not be retried", len(m.prompts))
	}
}

func TestAnalyze_RetriesTransientErrors(t *testing.T) {
	m := &mockModel{replies: []scriptedReply{
		{err: models.ErrRateLimited},
		{text: `{"verdict":"safe","reason":"ok"}`},
	}}
	f := New(m, Config{Retry: fastRetry()})

	r := f.Analyze(context.Background(), "m1", []string{"https://x.test"})
	if r.Outcome != OutcomeVerdict || r.Verdict != models.VerdictClean {
		t.Fatalf("result = %+v", r)
	}
	if len(m.prompts) != 2 {
		t.Errorf("calls = %d, want 2", len(m.prompts))
	}
}

func TestAnalyze_ProviderFailure(t *testing.T) {
	m := &mockModel{replies: []scriptedReply{{err: errors.New("HTTP 400 bad key")}}}
	f := New(m, Config{Retry: fastRetry()})

	r := f.Analyze(context.Background(), "m1", []string{"https://x.test"})
	if r.Outcome != OutcomeProviderFailure {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	var perr *models.ProviderError
	if !errors.As(r.Err, &perr) {
		t.Errorf("err = %v, want ProviderError", r.Err)
	}
	if v, _ := r.Resolve(); v != models.VerdictSuspicious {
		t.Errorf("resolved = %s, want suspicious", v)
	}
	if len(m.prompts) != 1 {
		t.Errorf("calls = %d, permanent errors must not be retried", len(m.prompts))
	}
}

func TestAnalyze_Unavailable(t *testing.T) {
	f := New(nil, Config{})
	r := f.Analyze(context.Background(), "m1", []string{"https://x.test"})
	if r.Outcome != OutcomeUnavailable {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if v, _ := r.Resolve(); v != models.VerdictSuspicious {
		t.Errorf("resolved = %s, want suspicious", v)
	}
}

func TestAnalyze_CapsURLs(t *testing.T) {
	m := &mockModel{replies: []scriptedReply{{text: `{"verdict":"safe","reason":"ok"}`}}}
	f := New(m, Config{MaxURLs: 2, Retry: fastRetry()})

	f.Analyze(context.Background(), "m1", []string{"https://a.test", "https://b.test", "https://c.test"})
	if strings.Contains(m.prompts[0], "c.test") {
		t.Errorf("prompt should contain at most 2 urls: %q", m.prompts[0])
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; a cut at byte 3 would split the second one.
	s := "éééé"
	got := truncate(s, 3)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "é" {
		t.Errorf("truncate = %q, want %q", got, "é")
	}
	if got := truncate("short", 200); got != "short" {
		t.Errorf("truncate = %q, want unchanged", got)
	}

	long := strings.Repeat("日本", 100)
	if got := truncate(long, 200); !utf8.ValidString(got) || len(got) > 200 {
		t.Errorf("truncate(long) len=%d valid=%v", len(got), utf8.ValidString(got))
	}
}
