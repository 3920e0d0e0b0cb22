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

// Package pipeline runs each message through the static gate, the optional
// sandbox, aggregation and dispatch, tracking its state as it goes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bcem/decision/internal/aggregator"
	"github.com/bcem/decision/internal/metrics"
	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/riskgate"
	"github.com/bcem/decision/internal/sandbox"
)

// State is a message's position in the pipeline.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateStaticEvaluated   State = "STATIC_EVALUATED"
	StateSandboxed         State = "SANDBOXED"
	StateSkipped           State = "SKIPPED"
	StateDecided           State = "DECIDED"
	StateLabelApplied      State = "LABEL_APPLIED"
	StateAIFallbackApplied State = "AI_FALLBACK_APPLIED"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Scanner is the sandbox stage.
type Scanner interface {
	Scan(ctx context.Context, p *models.StructuredEmailPayload) (sandbox.Outcome, error)
}

// Executor is the dispatch stage.
type Executor interface {
	Execute(ctx context.Context, d *models.UnifiedDecisionPayload) (*models.ActionResult, error)
}

// Processor runs the stages for one message at a time; it holds no
// per-message state and may be shared by many goroutines.
type Processor struct {
	gate     *riskgate.Gate
	scanner  Scanner
	executor Executor

	// OnTransition, if set, observes every state change.
	OnTransition func(messageID string, s State)
}

// NewProcessor creates a Processor. A nil scanner disables sandboxing.
func NewProcessor(gate *riskgate.Gate, scanner Scanner, executor Executor) *Processor {
	return &Processor{gate: gate, scanner: scanner, executor: executor}
}

// tracker follows one message through its states.
type tracker struct {
	messageID string
	state     State
	log       *slog.Logger
	hook      func(string, State)
}

func (p *Processor) track(messageID string, from State) *tracker {
	t := &tracker{
		messageID: messageID,
		log:       slog.With("message_id", messageID),
		hook:      p.OnTransition,
	}
	t.to(from)
	return t
}

func (t *tracker) to(s State) {
	t.state = s
	t.log.Debug("state transition", "state", s)
	if t.hook != nil {
		t.hook(t.messageID, s)
	}
	switch s {
	case StateDone, StateFailed:
		metrics.MessagesTotal.WithLabelValues(string(s)).Inc()
	}
}

func (t *tracker) fail(err error) {
	t.log.Error("message failed", "state", StateFailed, "failed_in", t.state, "error", err)
	t.to(StateFailed)
}

// guard converts a panic inside fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			slog.Error("recovered panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fn()
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Process runs the whole pipeline for a payload.
func (p *Processor) Process(ctx context.Context, payload *models.StructuredEmailPayload) (*models.ActionResult, error) {
	t := p.track(payload.MessageID, StateReceived)

	var result *models.ActionResult
	err := guard(func() error {
		dec, err := p.decide(ctx, t, payload)
		if err != nil {
			return err
		}
		result, err = p.act(ctx, t, dec)
		return err
	})
	if err != nil {
		t.fail(err)
		return nil, err
	}
	t.to(StateDone)
	return result, nil
}

// Decide runs the stages up to aggregation and returns the decision.
func (p *Processor) Decide(ctx context.Context, payload *models.StructuredEmailPayload) (*models.UnifiedDecisionPayload, error) {
	t := p.track(payload.MessageID, StateReceived)

	var dec *models.UnifiedDecisionPayload
	err := guard(func() error {
		var err error
		dec, err = p.decide(ctx, t, payload)
		return err
	})
	if err != nil {
		t.fail(err)
		return nil, err
	}
	return dec, nil
}

// Act dispatches a decision produced elsewhere.
func (p *Processor) Act(ctx context.Context, dec *models.UnifiedDecisionPayload) (*models.ActionResult, error) {
	t := p.track(dec.MessageID, StateDecided)

	var result *models.ActionResult
	err := guard(func() error {
		var err error
		result, err = p.act(ctx, t, dec)
		return err
	})
	if err != nil {
		t.fail(err)
		return nil, err
	}
	t.to(StateDone)
	return result, nil
}

func (p *Processor) decide(ctx context.Context, t *tracker, payload *models.StructuredEmailPayload) (*models.UnifiedDecisionPayload, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	static := p.gate.Evaluate(payload)
	observe("static", start)
	t.to(StateStaticEvaluated)
	t.log.Info("static risk evaluated",
		"score", static.Score,
		"decision", static.Decision,
		"should_sandbox", static.ShouldSandbox,
	)

	in := aggregator.Input{
		Payload:       payload,
		StaticScore:   static.Score,
		StaticReasons: static.Reasons,
	}

	switch {
	case !static.ShouldSandbox:
		in.SkipReason = fmt.Sprintf("sandbox: skipped (%s)", static.Decision)
		t.to(StateSkipped)
	case p.scanner == nil:
		in.SkipReason = "sandbox: disabled"
		t.to(StateSkipped)
	default:
		start = time.Now()
		outcome, err := p.scanner.Scan(ctx, payload)
		observe("sandbox", start)
		if err != nil {
			return nil, fmt.Errorf("sandbox cancelled: %w", err)
		}
		metrics.ObserveSandbox(string(outcome.Result.Verdict), outcome.TimedOut)
		in.Sandbox = &outcome
		t.to(StateSandboxed)
	}

	dec := aggregator.Aggregate(in)
	t.to(StateDecided)
	t.log.Info("decision aggregated",
		"final_score", dec.FinalScore(),
		"risk_tier", dec.Tier(),
		"provider", dec.DecisionMetadata.Provider,
		"timed_out", dec.DecisionMetadata.TimedOut,
	)
	return &dec, nil
}

func (p *Processor) act(ctx context.Context, t *tracker, dec *models.UnifiedDecisionPayload) (*models.ActionResult, error) {
	start := time.Now()
	result, err := p.executor.Execute(ctx, dec)
	observe("dispatch", start)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if result.OriginalVerdict == models.VerdictUnknown {
		t.to(StateAIFallbackApplied)
	} else {
		t.to(StateLabelApplied)
	}
	return result, nil
}
