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

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/decision/internal/config"
	"github.com/bcem/decision/internal/metrics"
	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/queue"
)

// Source yields queued messages.
type Source interface {
	Queue() string
	Next(ctx context.Context) (*queue.Message, error)
}

// Sink receives pipeline artifacts.
type Sink interface {
	PublishDecision(ctx context.Context, queueName string, d *models.UnifiedDecisionPayload) error
	PublishAction(ctx context.Context, queueName string, r *models.ActionResult) error
	Requeue(ctx context.Context, queueName, raw string) error
}

// RunnerConfig controls the worker loop.
type RunnerConfig struct {
	Mode        string
	MaxInFlight int
	Queues      config.QueueNames
}

// Runner pulls messages from a Source and processes up to MaxInFlight of
// them concurrently.
type Runner struct {
	proc   *Processor
	source Source
	sink   Sink
	cfg    RunnerConfig

	// errPause is how long to back off after a failed receive.
	errPause time.Duration
}

// NewRunner creates a Runner.
func NewRunner(proc *Processor, source Source, sink Sink, cfg RunnerConfig) *Runner {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeFull
	}
	return &Runner{proc: proc, source: source, sink: sink, cfg: cfg, errPause: time.Second}
}

// Run blocks until ctx is cancelled, then waits for in-flight messages to
// finish. Messages interrupted by cancellation are requeued.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("worker started",
		"queue", r.source.Queue(),
		"mode", r.cfg.Mode,
		"max_in_flight", r.cfg.MaxInFlight,
	)

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxInFlight)

	for ctx.Err() == nil {
		msg, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if msg != nil {
				// Undecodable item: nothing to retry.
				slog.Error("dropping undecodable queue item", "queue", r.source.Queue(), "error", err)
				metrics.MessagesTotal.WithLabelValues("REJECTED").Inc()
				continue
			}
			slog.Error("queue receive failed", "queue", r.source.Queue(), "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.errPause):
			}
			continue
		}

		g.Go(func() error {
			r.handle(ctx, msg)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("worker stopped", "queue", r.source.Queue())
	return err
}

func (r *Runner) handle(ctx context.Context, msg *queue.Message) {
	metrics.MessagesInFlight.Inc()
	defer metrics.MessagesInFlight.Dec()

	var err error
	switch r.cfg.Mode {
	case config.ModeDecide:
		err = r.decide(ctx, msg)
	case config.ModeAct:
		err = r.act(ctx, msg)
	default:
		err = r.full(ctx, msg)
	}
	if err == nil {
		return
	}

	if models.IsValidation(err) {
		slog.Warn("rejected invalid queue item",
			"queue", msg.Queue,
			"message_id", msg.Envelope.MessageID,
			"error", err,
		)
		metrics.MessagesTotal.WithLabelValues("REJECTED").Inc()
		return
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		r.requeue(msg)
	}
}

func (r *Runner) full(ctx context.Context, msg *queue.Message) error {
	payload, err := models.DecodePayload(msg.Envelope.Body)
	if err != nil {
		return err
	}
	result, err := r.proc.Process(ctx, payload)
	if err != nil {
		return err
	}
	return r.publishAction(ctx, result)
}

func (r *Runner) decide(ctx context.Context, msg *queue.Message) error {
	payload, err := models.DecodePayload(msg.Envelope.Body)
	if err != nil {
		return err
	}
	dec, err := r.proc.Decide(ctx, payload)
	if err != nil {
		return err
	}
	if err := r.sink.PublishDecision(ctx, r.cfg.Queues.Decisions, dec); err != nil {
		slog.Error("failed to publish decision", "message_id", dec.MessageID, "error", err)
		return err
	}
	return nil
}

func (r *Runner) act(ctx context.Context, msg *queue.Message) error {
	dec, err := models.DecodeDecision(msg.Envelope.Body)
	if err != nil {
		return err
	}
	result, err := r.proc.Act(ctx, dec)
	if err != nil {
		return err
	}
	return r.publishAction(ctx, result)
}

func (r *Runner) publishAction(ctx context.Context, result *models.ActionResult) error {
	if r.cfg.Queues.Actions == "" {
		return nil
	}
	if err := r.sink.PublishAction(ctx, r.cfg.Queues.Actions, result); err != nil {
		// The action itself is done and cached; a lost notification is not
		// worth reprocessing for.
		slog.Error("failed to publish action result", "message_id", result.MessageID, "error", err)
	}
	return nil
}

// requeue puts an interrupted item back on its queue so another worker
// picks it up.
func (r *Runner) requeue(msg *queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.sink.Requeue(ctx, msg.Queue, msg.Raw); err != nil {
		slog.Error("failed to requeue interrupted message",
			"queue", msg.Queue,
			"message_id", msg.Envelope.MessageID,
			"error", err,
		)
		return
	}
	slog.Info("requeued interrupted message", "queue", msg.Queue, "message_id", msg.Envelope.MessageID)
}
