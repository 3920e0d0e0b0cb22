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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/decision/internal/models"
)

const (
	// DefaultTTL is how long a processed message's result is remembered.
	DefaultTTL = 24 * time.Hour

	resultPrefix = "ices:decision:result:"
	labelPrefix  = "ices:labels:"
)

// Redis is a ResultStore and LabelCache shared by every worker instance
// connected to the same Redis.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a Redis-backed store. ttl <= 0 uses DefaultTTL.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Get implements ResultStore.
func (s *Redis) Get(ctx context.Context, messageID string) (*models.ActionResult, error) {
	data, err := s.rdb.Get(ctx, resultPrefix+messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("result GET: %w", err)
	}
	var r models.ActionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return &r, nil
}

// PutIfAbsent implements ResultStore with SET NX.
func (s *Redis) PutIfAbsent(ctx context.Context, r *models.ActionResult) (*models.ActionResult, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	set, err := s.rdb.SetNX(ctx, resultPrefix+r.MessageID, data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("result SETNX: %w", err)
	}
	if set {
		cp := *r
		return &cp, nil
	}
	existing, err := s.Get(ctx, r.MessageID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Expired between SETNX and GET.
		cp := *r
		return &cp, nil
	}
	return existing, nil
}

// GetLabel implements LabelCache.
func (s *Redis) GetLabel(ctx context.Context, mailbox, name string) (string, bool, error) {
	id, err := s.rdb.HGet(ctx, labelPrefix+mailbox, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("label HGET: %w", err)
	}
	return id, true, nil
}

// PutLabel implements LabelCache.
func (s *Redis) PutLabel(ctx context.Context, mailbox, name, id string) error {
	if err := s.rdb.HSet(ctx, labelPrefix+mailbox, name, id).Err(); err != nil {
		return fmt.Errorf("label HSET: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
