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

// BlackChamber ICES: Manual Trigger
//
// Operator CLI that pushes a single structured email payload into the
// decision pipeline, or scores it with the static risk gate without
// touching any external service.
//
// Usage:
//
//	go run ./cmd/trigger/ --file payload.json [--evaluate] [--mailbox user@org.com]
//	cat payload.json | go run ./cmd/trigger/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/decision/internal/config"
	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/queue"
	"github.com/bcem/decision/internal/riskgate"
)

// evaluation is what --evaluate prints.
type evaluation struct {
	MessageID     string   `json:"message_id"`
	Score         int      `json:"static_risk_score"`
	Decision      string   `json:"sandbox_decision"`
	ShouldSandbox bool     `json:"should_sandbox"`
	Reasons       []string `json:"reasons"`
}

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	fileFlag := flag.String("file", "", "Path to a structured email payload (default: stdin)")
	evaluateFlag := flag.Bool("evaluate", false, "Print the static risk evaluation instead of enqueuing")
	mailboxFlag := flag.String("mailbox", "", "Override the payload's mailbox")
	queueFlag := flag.String("queue", "", "Override the payloads queue name")
	flag.Parse()

	data, err := readInput(*fileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	payload, err := models.DecodePayload(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *mailboxFlag != "" {
		payload.Mailbox = *mailboxFlag
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *evaluateFlag {
		gate := riskgate.New(riskgate.FromConfig(cfg.RiskGate))
		if err := printEvaluation(os.Stdout, payload, gate.Evaluate(payload)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	queueName := cfg.Redis.Queues.Payloads
	if *queueFlag != "" {
		queueName = *queueFlag
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	if err := publisher.PublishPayload(ctx, queueName, payload); err != nil {
		slog.Error("failed to enqueue payload", "message_id", payload.MessageID, "error", err)
		os.Exit(1)
	}

	slog.Info("payload enqueued",
		"message_id", payload.MessageID,
		"queue", queueName,
		"urls", len(payload.ExtractedURLs),
		"attachments", len(payload.AttachmentMetadata),
	)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printEvaluation(w io.Writer, p *models.StructuredEmailPayload, r riskgate.Result) error {
	reasons := r.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(evaluation{
		MessageID:     p.MessageID,
		Score:         r.Score,
		Decision:      string(r.Decision),
		ShouldSandbox: r.ShouldSandbox,
		Reasons:       reasons,
	})
}
