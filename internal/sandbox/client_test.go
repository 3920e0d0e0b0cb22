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

package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/retry"
)

type pollStep struct {
	report *Report
	err    error
}

// mockProvider records submissions and replays a scripted sequence of
// poll responses. The last step repeats once the script is exhausted.
type mockProvider struct {
	mu          sync.Mutex
	submitErrs  []error
	submitDelay time.Duration
	steps       []pollStep
	submitted   []Target
	polls       int
	inflight    int
	maxInflight int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Submit(ctx context.Context, target Target) (string, error) {
	m.mu.Lock()
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	m.submitted = append(m.submitted, target)
	var err error
	if len(m.submitErrs) > 0 {
		err, m.submitErrs = m.submitErrs[0], m.submitErrs[1:]
	}
	delay := m.submitDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	m.inflight--
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "job-1", nil
}

func (m *mockProvider) Poll(ctx context.Context, jobID string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.steps) == 0 {
		return &Report{}, nil
	}
	i := m.polls
	if i >= len(m.steps) {
		i = len(m.steps) - 1
	}
	m.polls++
	return m.steps[i].report, m.steps[i].err
}

func (m *mockProvider) submissions() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Target(nil), m.submitted...)
}

type mockFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	calls   []string
}

func (f *mockFetcher) FetchAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, attachmentID)
	if c, ok := f.content[attachmentID]; ok {
		return c, nil
	}
	return nil, errors.New("attachment gone")
}

func intPtr(n int) *int { return &n }

func isExe(name string) bool { return strings.HasSuffix(name, ".exe") }

func testConfig() Config {
	return Config{
		PollInterval: 2 * time.Millisecond,
		Timeout:      200 * time.Millisecond,
		Concurrency:  4,
		Submit: retry.BackoffConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
			MaxRetries:      3,
		},
	}
}

func maliciousReport() pollStep {
	return pollStep{report: &Report{Terminal: true, Verdict: "malicious", ThreatScore: intPtr(95), Family: "Emotet"}}
}

func TestScan_PrefersRiskyAttachment(t *testing.T) {
	prov := &mockProvider{steps: []pollStep{{report: &Report{}}, maliciousReport()}}
	fetch := &mockFetcher{content: map[string][]byte{"a1": []byte("pdf"), "a2": []byte("MZ")}}
	c := NewClient(prov, fetch, isExe, testConfig())

	p := &models.StructuredEmailPayload{
		MessageID: "m1",
		AttachmentMetadata: []models.AttachmentMetadata{
			{Filename: "report.pdf", AttachmentID: "a1"},
			{Filename: "invoice.exe", AttachmentID: "a2"},
		},
	}
	out, err := c.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictMalicious || out.Result.Score != 95 || out.Result.Family != "Emotet" {
		t.Errorf("result = %+v", out.Result)
	}
	if out.TimedOut {
		t.Error("timed_out should be false")
	}
	subs := prov.submissions()
	if len(subs) != 1 || subs[0].Filename != "invoice.exe" {
		t.Fatalf("submitted = %+v, want invoice.exe", subs)
	}
	if len(fetch.calls) != 1 || fetch.calls[0] != "a2" {
		t.Errorf("fetch calls = %v, want only the risky attachment", fetch.calls)
	}
}

func TestScan_Timeout(t *testing.T) {
	prov := &mockProvider{}
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	c := NewClient(prov, nil, nil, cfg)

	out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m1", ExtractedURLs: []string{"https://x.test"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictUnknown || out.Result.Score != 0 {
		t.Errorf("result = %+v, want unknown/0", out.Result)
	}
	if !out.TimedOut {
		t.Error("timed_out should be true")
	}
	if !strings.Contains(out.Reason, "timed out") {
		t.Errorf("reason = %q, want timeout", out.Reason)
	}
}

func TestScan_MalformedReportStopsPolling(t *testing.T) {
	prov := &mockProvider{steps: []pollStep{{err: ErrMalformedReport}}}
	c := NewClient(prov, nil, nil, testConfig())

	out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m1", ExtractedURLs: []string{"https://x.test"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictUnknown || !out.TimedOut {
		t.Errorf("outcome = %+v, want unknown with timed_out", out)
	}
	if prov.polls != 1 {
		t.Errorf("polls = %d, want 1", prov.polls)
	}
}

func TestScan_TransientPollErrorKeepsPolling(t *testing.T) {
	prov := &mockProvider{steps: []pollStep{{err: errors.New("connection reset")}, {report: &Report{}}, maliciousReport()}}
	c := NewClient(prov, nil, nil, testConfig())

	out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m1", ExtractedURLs: []string{"https://x.test"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictMalicious {
		t.Errorf("verdict = %s, want malicious", out.Result.Verdict)
	}
}

func TestScan_SubmitRetriesRateLimit(t *testing.T) {
	prov := &mockProvider{submitErrs: []error{models.ErrRateLimited}, steps: []pollStep{maliciousReport()}}
	c := NewClient(prov, nil, nil, testConfig())

	out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m1", ExtractedURLs: []string{"https://x.test"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictMalicious {
		t.Errorf("verdict = %s, want malicious", out.Result.Verdict)
	}
	if n := len(prov.submissions()); n != 2 {
		t.Errorf("submissions = %d, want 2", n)
	}
}

func TestScan_SubmitPermanentError(t *testing.T) {
	prov := &mockProvider{submitErrs: []error{errors.New("HTTP 400")}}
	c := NewClient(prov, nil, nil, testConfig())

	out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m1", ExtractedURLs: []string{"https://x.test"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictUnknown || !out.TimedOut {
		t.Errorf("outcome = %+v, want unknown with timed_out", out)
	}
	if n := len(prov.submissions()); n != 1 {
		t.Errorf("submissions = %d, want 1", n)
	}
}

func TestScan_NoScannableContent(t *testing.T) {
	prov := &mockProvider{}
	c := NewClient(prov, &mockFetcher{}, nil, testConfig())

	out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{
		MessageID:          "m1",
		AttachmentMetadata: []models.AttachmentMetadata{{Filename: "inline.png"}},
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Result.Verdict != models.VerdictClean || out.Result.Score != 0 || out.TimedOut {
		t.Errorf("outcome = %+v, want clean/0", out)
	}
	if len(prov.submissions()) != 0 {
		t.Error("nothing should be submitted")
	}
}

func TestScan_FetchFailures(t *testing.T) {
	atts := []models.AttachmentMetadata{{Filename: "a.exe", AttachmentID: "gone"}}

	t.Run("falls back to url", func(t *testing.T) {
		prov := &mockProvider{steps: []pollStep{maliciousReport()}}
		c := NewClient(prov, &mockFetcher{}, isExe, testConfig())
		_, err := c.Scan(context.Background(), &models.StructuredEmailPayload{
			MessageID: "m1", AttachmentMetadata: atts, ExtractedURLs: []string{"https://first.test", "https://second.test"},
		})
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		subs := prov.submissions()
		if len(subs) != 1 || subs[0].URL != "https://first.test" {
			t.Errorf("submitted = %+v, want first url", subs)
		}
	})

	t.Run("no url is a provider error", func(t *testing.T) {
		prov := &mockProvider{}
		c := NewClient(prov, &mockFetcher{}, isExe, testConfig())
		out, err := c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m1", AttachmentMetadata: atts})
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if out.Result.Verdict != models.VerdictUnknown || !out.TimedOut {
			t.Errorf("outcome = %+v, want unknown with timed_out", out)
		}
	})
}

func TestScan_CancelledDuringPolling(t *testing.T) {
	prov := &mockProvider{}
	cfg := testConfig()
	cfg.Timeout = time.Hour
	c := NewClient(prov, nil, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Scan(ctx, &models.StructuredEmailPayload{MessageID: "m1", ExtractedURLs: []string{"https://x.test"}})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scan did not observe cancellation")
	}
}

func TestScan_SubmissionConcurrencyBounded(t *testing.T) {
	prov := &mockProvider{submitDelay: 10 * time.Millisecond, steps: []pollStep{maliciousReport()}}
	cfg := testConfig()
	cfg.Concurrency = 2
	c := NewClient(prov, nil, nil, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Scan(context.Background(), &models.StructuredEmailPayload{MessageID: "m", ExtractedURLs: []string{"https://x.test"}})
		}()
	}
	wg.Wait()

	if prov.maxInflight > 2 {
		t.Errorf("max concurrent submissions = %d, want <= 2", prov.maxInflight)
	}
	if n := len(prov.submissions()); n != 8 {
		t.Errorf("submissions = %d, want 8", n)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		report  Report
		verdict models.Verdict
		score   int
	}{
		{Report{Verdict: "malicious", ThreatScore: intPtr(100)}, models.VerdictMalicious, 100},
		{Report{Verdict: "malicious"}, models.VerdictMalicious, 90},
		{Report{Verdict: "suspicious"}, models.VerdictSuspicious, 50},
		{Report{Verdict: "no_specific_threat"}, models.VerdictClean, 10},
		{Report{Verdict: "whitelisted", ThreatScore: intPtr(0)}, models.VerdictClean, 0},
		{Report{Verdict: "something-new"}, models.VerdictUnknown, 0},
		{Report{Verdict: "malicious", ThreatScore: intPtr(250)}, models.VerdictMalicious, 100},
		{Report{Verdict: "suspicious", ThreatScore: intPtr(-3)}, models.VerdictSuspicious, 0},
	}
	for _, tt := range tests {
		got := Normalize(&tt.report)
		if got.Verdict != tt.verdict || got.Score != tt.score {
			t.Errorf("Normalize(%+v) = %s/%d, want %s/%d", tt.report, got.Verdict, got.Score, tt.verdict, tt.score)
		}
	}
}
