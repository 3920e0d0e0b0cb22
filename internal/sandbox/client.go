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

// Package sandbox submits message content to an external analysis provider,
// polls for the report and normalises it into a SandboxResult.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/retry"
)

var (
	// ErrJobFailed is returned by Poll when the provider reports the job
	// as failed. Polling stops.
	ErrJobFailed = errors.New("sandbox job failed")

	// ErrMalformedReport is returned by Poll when the report cannot be
	// decoded. Polling stops.
	ErrMalformedReport = errors.New("malformed sandbox report")
)

// Target is the single item submitted for one message.
type Target struct {
	Filename string
	Content  []byte
	URL      string
}

// IsFile reports whether the target is an attachment.
func (t Target) IsFile() bool { return t.Content != nil }

// Report is a provider report as received. Terminal is false while the job
// is still running.
type Report struct {
	Terminal    bool
	Verdict     string
	ThreatScore *int
	Family      string
}

// Provider is the two-call sandbox contract.
type Provider interface {
	Name() string
	Submit(ctx context.Context, target Target) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (*Report, error)
}

// AttachmentFetcher loads attachment content on demand.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error)
}

// Outcome is what Scan hands to the aggregator.
type Outcome struct {
	Provider string
	Result   models.SandboxResult
	TimedOut bool
	Reason   string
}

// Config holds the client's bounds.
type Config struct {
	PollInterval   time.Duration
	Timeout        time.Duration
	Concurrency    int
	Submit         retry.BackoffConfig
	DefaultMailbox string
}

// Client runs one sandbox job per message. Submissions are bounded by a
// counting semaphore; polling is not.
type Client struct {
	provider Provider
	fetcher  AttachmentFetcher
	isRisky  func(filename string) bool
	sem      *semaphore.Weighted
	cfg      Config
	logger   *slog.Logger
}

// NewClient creates a Client. fetcher may be nil, in which case only URLs
// are scanned. isRisky orders attachments; nil keeps payload order.
func NewClient(provider Provider, fetcher AttachmentFetcher, isRisky func(string) bool, cfg Config) *Client {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if isRisky == nil {
		isRisky = func(string) bool { return false }
	}
	return &Client{
		provider: provider,
		fetcher:  fetcher,
		isRisky:  isRisky,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		cfg:      cfg,
		logger:   slog.Default().With("component", "sandbox", "provider", provider.Name()),
	}
}

// Scan analyses the payload. Provider failures and timeouts degrade to an
// unknown verdict; the only error returned is ctx's, when the caller is
// shutting down.
func (c *Client) Scan(ctx context.Context, p *models.StructuredEmailPayload) (Outcome, error) {
	log := c.logger.With("message_id", p.MessageID)

	target, found, err := c.selectTarget(ctx, p)
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if err != nil {
		log.Warn("no sandbox target", "error", err)
		return c.failed(err, false), nil
	}
	if !found {
		return Outcome{
			Provider: c.provider.Name(),
			Result:   models.SandboxResult{Verdict: models.VerdictClean, Score: 0},
			Reason:   "sandbox: no scannable content",
		}, nil
	}

	jobID, err := c.submit(ctx, target)
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if err != nil {
		log.Warn("sandbox submission failed", "error", err)
		return c.failed(err, false), nil
	}
	log.Info("submitted to sandbox", "job_id", jobID, "target", describe(target))

	report, err := c.poll(ctx, jobID)
	if ctx.Err() != nil {
		log.Info("sandbox polling abandoned", "job_id", jobID)
		return Outcome{}, ctx.Err()
	}
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		log.Warn("sandbox polling failed", "job_id", jobID, "timed_out", timeout, "error", err)
		return c.failed(err, timeout), nil
	}

	result := Normalize(report)
	log.Info("sandbox report", "job_id", jobID, "verdict", result.Verdict, "score", result.Score)
	return Outcome{
		Provider: c.provider.Name(),
		Result:   result,
		Reason:   fmt.Sprintf("sandbox: %s verdict %s (score %d)", c.provider.Name(), result.Verdict, result.Score),
	}, nil
}

// failed builds the degraded outcome for any provider failure.
func (c *Client) failed(err error, timeout bool) Outcome {
	perr := &models.ProviderError{Provider: c.provider.Name(), Op: "scan", Timeout: timeout, Err: err}
	return Outcome{
		Provider: c.provider.Name(),
		Result:   models.SandboxResult{Verdict: models.VerdictUnknown, Score: 0},
		TimedOut: true,
		Reason:   "sandbox: " + perr.Error(),
	}
}

// selectTarget picks risky attachments first, then other attachments, then
// the first URL. Content is fetched only here.
func (c *Client) selectTarget(ctx context.Context, p *models.StructuredEmailPayload) (Target, bool, error) {
	var fetchErr error
	if c.fetcher != nil {
		mailbox := p.Mailbox
		if mailbox == "" {
			mailbox = c.cfg.DefaultMailbox
		}
		var risky, other []models.AttachmentMetadata
		for _, att := range p.AttachmentMetadata {
			if att.AttachmentID == "" {
				continue
			}
			if c.isRisky(att.Filename) {
				risky = append(risky, att)
			} else {
				other = append(other, att)
			}
		}
		for _, att := range append(risky, other...) {
			content, err := c.fetcher.FetchAttachment(ctx, mailbox, p.MessageID, att.AttachmentID)
			if err != nil {
				if ctx.Err() != nil {
					return Target{}, false, ctx.Err()
				}
				c.logger.Warn("attachment fetch failed",
					"message_id", p.MessageID, "filename", att.Filename, "error", err)
				fetchErr = errors.Join(fetchErr, fmt.Errorf("fetch %s: %w", att.Filename, err))
				continue
			}
			if len(content) == 0 {
				continue
			}
			return Target{Filename: att.Filename, Content: content}, true, nil
		}
	}

	if len(p.ExtractedURLs) > 0 {
		return Target{URL: p.ExtractedURLs[0]}, true, nil
	}
	if fetchErr != nil {
		return Target{}, false, fetchErr
	}
	return Target{}, false, nil
}

// submit sends the target under the sandbox semaphore, retrying rate limits
// and provider outages.
func (c *Client) submit(ctx context.Context, target Target) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	var jobID string
	err := retry.Do(ctx, c.cfg.Submit, "sandbox submit", func(ctx context.Context) error {
		id, err := c.provider.Submit(ctx, target)
		if err != nil {
			if models.IsTransient(err) {
				return err
			}
			return retry.Stop(err)
		}
		if id == "" {
			return retry.Stop(fmt.Errorf("%w: empty job id", ErrMalformedReport))
		}
		jobID = id
		return nil
	})
	return jobID, err
}

// poll waits one interval between report requests until the report is
// terminal, the job fails or the timeout elapses. Transient errors keep
// polling.
func (c *Client) poll(ctx context.Context, jobID string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		report, err := c.provider.Poll(ctx, jobID)
		switch {
		case errors.Is(err, ErrJobFailed), errors.Is(err, ErrMalformedReport):
			return nil, err
		case err != nil:
			lastErr = err
			c.logger.Debug("sandbox poll error", "job_id", jobID, "error", err)
		case report == nil:
			return nil, fmt.Errorf("%w: empty report", ErrMalformedReport)
		case report.Terminal:
			return report, nil
		}
	}
}

// Normalize maps a provider report onto the closed verdict set.
// Unrecognised verdicts become unknown.
func Normalize(r *Report) models.SandboxResult {
	verdict := normalizeVerdict(r.Verdict)
	score := scoreFromVerdict(verdict)
	if r.ThreatScore != nil {
		score = models.ClampScore(*r.ThreatScore)
	}
	return models.SandboxResult{Verdict: verdict, Score: score, Family: r.Family}
}

func normalizeVerdict(raw string) models.Verdict {
	switch raw {
	case "malicious":
		return models.VerdictMalicious
	case "suspicious":
		return models.VerdictSuspicious
	case "no_specific_threat", "whitelisted", "clean", "no_threat":
		return models.VerdictClean
	}
	return models.VerdictUnknown
}

func scoreFromVerdict(v models.Verdict) int {
	switch v {
	case models.VerdictMalicious:
		return 90
	case models.VerdictSuspicious:
		return 50
	case models.VerdictClean:
		return 10
	}
	return 0
}

func describe(t Target) string {
	if t.IsFile() {
		return "file:" + t.Filename
	}
	return "url:" + models.DefangURL(t.URL)
}
