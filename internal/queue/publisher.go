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

// Package queue moves pipeline artifacts between processes over Redis lists.
// Producers LPUSH, consumers BRPOP, so each list is a FIFO.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/decision/internal/models"
)

// Envelope kinds.
const (
	KindPayload  = "payload"
	KindDecision = "decision"
	KindAction   = "action"
)

// Envelope wraps every queued artifact.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	MessageID  string          `json:"message_id"`
	EnqueuedAt string          `json:"enqueued_at"`
	Body       json.RawMessage `json:"body"`
}

// Publisher pushes artifacts onto Redis lists.
type Publisher struct {
	rdb *redis.Client
	now func() time.Time
}

// NewPublisher creates a new Redis publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb, now: time.Now}
}

// Encode wraps v in an Envelope and serialises it.
func Encode(kind, messageID string, v any, now time.Time) ([]byte, string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal %s: %w", kind, err)
	}
	env := Envelope{
		ID:         uuid.New().String(),
		Kind:       kind,
		MessageID:  messageID,
		EnqueuedAt: now.UTC().Format(time.RFC3339),
		Body:       body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("marshal envelope: %w", err)
	}
	return data, env.ID, nil
}

func (p *Publisher) publish(ctx context.Context, queueName, kind, messageID string, v any) error {
	data, id, err := Encode(kind, messageID, v, p.now())
	if err != nil {
		return err
	}
	if err := p.rdb.LPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", queueName, err)
	}
	slog.Info("published to queue",
		"envelope_id", id,
		"kind", kind,
		"message_id", messageID,
		"queue", queueName,
	)
	return nil
}

// PublishPayload enqueues a StructuredEmailPayload for analysis.
func (p *Publisher) PublishPayload(ctx context.Context, queueName string, payload *models.StructuredEmailPayload) error {
	return p.publish(ctx, queueName, KindPayload, payload.MessageID, payload)
}

// PublishDecision enqueues a UnifiedDecisionPayload for dispatch.
func (p *Publisher) PublishDecision(ctx context.Context, queueName string, d *models.UnifiedDecisionPayload) error {
	return p.publish(ctx, queueName, KindDecision, d.MessageID, d)
}

// PublishAction hands an ActionResult to the persistence collaborator.
func (p *Publisher) PublishAction(ctx context.Context, queueName string, r *models.ActionResult) error {
	return p.publish(ctx, queueName, KindAction, r.MessageID, r)
}

// Requeue pushes a raw message back so it is consumed next.
func (p *Publisher) Requeue(ctx context.Context, queueName, raw string) error {
	if err := p.rdb.RPush(ctx, queueName, raw).Err(); err != nil {
		return fmt.Errorf("redis RPUSH %s: %w", queueName, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
