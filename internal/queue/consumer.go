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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one item popped from a queue.
type Message struct {
	Queue    string
	Raw      string
	Envelope Envelope
}

// Consumer pops messages from a Redis list.
type Consumer struct {
	rdb       *redis.Client
	queueName string
	wait      time.Duration
}

// NewConsumer creates a consumer for queueName. wait bounds each BRPOP so
// that shutdown is noticed promptly.
func NewConsumer(rdb *redis.Client, queueName string, wait time.Duration) *Consumer {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Consumer{rdb: rdb, queueName: queueName, wait: wait}
}

// Queue returns the list this consumer reads.
func (c *Consumer) Queue() string { return c.queueName }

// Next blocks until a message arrives or ctx is done.
func (c *Consumer) Next(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := c.rdb.BRPop(ctx, c.wait, c.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis BRPOP %s: %w", c.queueName, err)
		}
		// res is [key, value].
		return Decode(c.queueName, res[1])
	}
}

// Decode parses a raw queue item. Items that are not envelopes are taken
// as a bare body, so producers may push plain JSON payloads.
func Decode(queueName, raw string) (*Message, error) {
	msg := &Message{Queue: queueName, Raw: raw}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return msg, fmt.Errorf("decode queue item: %w", err)
	}
	if len(env.Body) == 0 {
		env.Body = json.RawMessage(raw)
	}
	msg.Envelope = env
	return msg, nil
}
