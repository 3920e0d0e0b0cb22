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

// Package dispatcher turns a UnifiedDecisionPayload into an enforcement
// action and its ActionResult. Each message is enforced at most once.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/decision/internal/aifallback"
	"github.com/bcem/decision/internal/metrics"
	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/retry"
	"github.com/bcem/decision/internal/store"
)

// Enforcer is the labeling and quarantine API of the mailbox provider.
type Enforcer interface {
	// CreateLabel returns models.ErrLabelExists if the label is present.
	CreateLabel(ctx context.Context, mailbox, name string) (string, error)
	FindLabel(ctx context.Context, mailbox, name string) (string, error)
	ApplyLabel(ctx context.Context, mailbox, messageID, labelID string) error
	MoveToQuarantine(ctx context.Context, mailbox, messageID string) error
}

// Analyzer is the AI fallback capability.
type Analyzer interface {
	Analyze(ctx context.Context, messageID string, urls []string) aifallback.Result
}

// Config controls enforcement.
type Config struct {
	MoveToSpam     bool
	LabelPrefix    string
	DefaultMailbox string
	// Concurrency bounds simultaneous AI and enforcement calls.
	Concurrency int
	// ExecuteTimeout bounds one shared execution. It runs detached from
	// the callers' cancellation.
	ExecuteTimeout time.Duration
	// StoreRetry governs writing the result after side effects.
	StoreRetry retry.BackoffConfig
}

// DefaultExecuteTimeout is used when Config.ExecuteTimeout is zero.
const DefaultExecuteTimeout = 2 * time.Minute

// Dispatcher executes decisions. It is safe for concurrent use.
type Dispatcher struct {
	enforcer Enforcer
	ai       Analyzer
	results  store.ResultStore
	labels   store.LabelCache
	sem      *semaphore.Weighted
	cfg      Config

	messages singleflight.Group
	creating singleflight.Group

	now func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config, enforcer Enforcer, ai Analyzer, results store.ResultStore, labels store.LabelCache) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultExecuteTimeout
	}
	if cfg.StoreRetry == (retry.BackoffConfig{}) {
		cfg.StoreRetry = retry.BackoffConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			MaxRetries:      2,
		}
	}
	return &Dispatcher{
		enforcer: enforcer,
		ai:       ai,
		results:  results,
		labels:   labels,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Execute enforces the decision and returns its ActionResult. A message
// that was already executed returns the stored result with no side effects;
// concurrent calls for one message share a single execution. A caller
// whose ctx ends stops waiting; the shared execution carries on for the
// others and still records its result.
func (d *Dispatcher) Execute(ctx context.Context, dec *models.UnifiedDecisionPayload) (*models.ActionResult, error) {
	if err := dec.Validate(); err != nil {
		return nil, err
	}

	if r, err := d.lookup(ctx, dec.MessageID); err != nil || r != nil {
		return r, err
	}

	ch := d.messages.DoChan(dec.MessageID, func() (v any, err error) {
		// Runs on its own goroutine, out of reach of the caller's recover.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch %s: panic: %v", dec.MessageID, r)
			}
		}()

		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ExecuteTimeout)
		defer cancel()

		if r, err := d.lookup(shared, dec.MessageID); err != nil || r != nil {
			return r, err
		}
		return d.execute(shared, dec)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := *res.Val.(*models.ActionResult)
		return &r, nil
	}
}

func (d *Dispatcher) lookup(ctx context.Context, messageID string) (*models.ActionResult, error) {
	r, err := d.results.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("lookup result %s: %w", messageID, err)
	}
	if r != nil {
		metrics.IdempotentHitsTotal.Inc()
		slog.Debug("returning stored action result", "message_id", messageID)
	}
	return r, nil
}

func (d *Dispatcher) execute(ctx context.Context, dec *models.UnifiedDecisionPayload) (*models.ActionResult, error) {
	log := slog.With("message_id", dec.MessageID)

	score := dec.FinalScore()
	tier := models.TierFor(score)
	metrics.RiskTierTotal.WithLabelValues(string(tier)).Inc()

	original := tier.Verdict()
	if dec.SandboxResult != nil {
		original = dec.SandboxResult.Verdict
	}

	final, aiUsed, reasoning, err := d.resolve(ctx, dec, original)
	if err != nil {
		return nil, err
	}
	// A numeric THREAT is never labelled below malicious.
	final = models.MoreSevere(final, tier.Verdict())

	mailbox := dec.Mailbox
	if mailbox == "" {
		mailbox = d.cfg.DefaultMailbox
	}
	if mailbox == "" {
		return nil, fmt.Errorf("no mailbox for message %s", dec.MessageID)
	}

	label := models.LabelFor(final)
	labelID, err := d.ensureLabel(ctx, mailbox, d.cfg.LabelPrefix+string(label))
	if err != nil {
		return nil, fmt.Errorf("ensure label %s: %w", label, err)
	}
	if err := d.limited(ctx, func() error {
		return d.enforcer.ApplyLabel(ctx, mailbox, dec.MessageID, labelID)
	}); err != nil {
		return nil, fmt.Errorf("apply label %s: %w", label, err)
	}

	moved := false
	if d.cfg.MoveToSpam && final == models.VerdictMalicious {
		if err := d.limited(ctx, func() error {
			return d.enforcer.MoveToQuarantine(ctx, mailbox, dec.MessageID)
		}); err != nil {
			return nil, fmt.Errorf("quarantine: %w", err)
		}
		moved = true
	}
	metrics.ObserveAction(string(label), moved)

	result := &models.ActionResult{
		MessageID:       dec.MessageID,
		Mailbox:         mailbox,
		OriginalVerdict: original,
		FinalVerdict:    final,
		FinalScore:      score,
		RiskTier:        tier,
		LabelApplied:    label,
		MovedToSpam:     moved,
		AIAnalysisUsed:  aiUsed,
		AIReasoning:     reasoning,
		ProcessedAt:     d.now().UTC().Format(time.RFC3339),
	}

	stored, err := d.persist(ctx, result)
	if err != nil {
		// Side effects already happened; hand back what was done.
		log.Error("failed to store action result, redelivery will repeat enforcement", "error", err)
		return result, nil
	}

	log.Info("action applied",
		"original_verdict", original,
		"final_verdict", final,
		"final_score", score,
		"risk_tier", tier,
		"label", label,
		"moved_to_spam", moved,
		"ai_analysis_used", aiUsed,
	)
	return stored, nil
}

// persist writes the result, retrying so that a brief store outage does not
// cost a second round of side effects on redelivery.
func (d *Dispatcher) persist(ctx context.Context, result *models.ActionResult) (*models.ActionResult, error) {
	var stored *models.ActionResult
	err := retry.Do(ctx, d.cfg.StoreRetry, "store action result", func(ctx context.Context) error {
		var err error
		stored, err = d.results.PutIfAbsent(ctx, result)
		return err
	})
	return stored, err
}

// resolve turns an unknown verdict into a definitive one via the AI
// fallback. Every failure path lands on suspicious.
func (d *Dispatcher) resolve(ctx context.Context, dec *models.UnifiedDecisionPayload, original models.Verdict) (models.Verdict, bool, string, error) {
	if original != models.VerdictUnknown {
		return original, false, "", nil
	}
	if len(dec.ExtractedURLs) == 0 {
		return models.VerdictSuspicious, false, "no URLs available for AI analysis, defaulting to suspicious", nil
	}
	if d.ai == nil {
		return models.VerdictSuspicious, false, "AI analysis unavailable, manual review recommended", nil
	}

	var res aifallback.Result
	if err := d.limited(ctx, func() error {
		res = d.ai.Analyze(ctx, dec.MessageID, dec.ExtractedURLs)
		return nil
	}); err != nil {
		return "", false, "", err
	}
	metrics.AIFallbackTotal.WithLabelValues(res.Outcome.String()).Inc()

	verdict, reason := res.Resolve()
	return verdict, res.Outcome != aifallback.OutcomeUnavailable, reason, nil
}

// ensureLabel returns the label id, creating the label at most once per
// mailbox. An "already exists" answer is resolved by looking the label up.
func (d *Dispatcher) ensureLabel(ctx context.Context, mailbox, name string) (string, error) {
	if id, ok, err := d.labels.GetLabel(ctx, mailbox, name); err != nil {
		slog.Warn("label cache read failed", "mailbox", mailbox, "label", name, "error", err)
	} else if ok {
		return id, nil
	}

	v, err, _ := d.creating.Do(mailbox+"\x00"+name, func() (any, error) {
		if id, ok, err := d.labels.GetLabel(ctx, mailbox, name); err == nil && ok {
			return id, nil
		}

		var id string
		err := d.limited(ctx, func() error {
			var err error
			id, err = d.enforcer.CreateLabel(ctx, mailbox, name)
			if errors.Is(err, models.ErrLabelExists) {
				id, err = d.enforcer.FindLabel(ctx, mailbox, name)
			}
			return err
		})
		if err != nil {
			return "", err
		}

		if err := d.labels.PutLabel(ctx, mailbox, name, id); err != nil {
			slog.Warn("label cache write failed", "mailbox", mailbox, "label", name, "error", err)
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// WarmLabels makes sure every label exists in mailbox.
func (d *Dispatcher) WarmLabels(ctx context.Context, mailbox string) error {
	for _, l := range []models.Label{models.LabelMalicious, models.LabelCautious, models.LabelSafe} {
		if _, err := d.ensureLabel(ctx, mailbox, d.cfg.LabelPrefix+string(l)); err != nil {
			return fmt.Errorf("warm label %s: %w", l, err)
		}
	}
	return nil
}

// limited runs fn while holding one slot of the AI/enforcement semaphore.
func (d *Dispatcher) limited(ctx context.Context, fn func() error) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)
	return fn()
}
