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

// BlackChamber ICES: Decision Worker
//
// Entry point for the decision worker. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to Redis (queues, idempotency store) and optionally PostgreSQL
//  3. Builds the static risk gate, sandbox client, AI fallback and dispatcher
//  4. Pre-warms enforcement labels for the default mailbox
//  5. Serves /analyze, /execute, /health and /metrics
//  6. Consumes the payloads (or decisions) queue with bounded concurrency
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/decision/internal/aifallback"
	"github.com/bcem/decision/internal/config"
	"github.com/bcem/decision/internal/dispatcher"
	"github.com/bcem/decision/internal/graph"
	"github.com/bcem/decision/internal/pipeline"
	"github.com/bcem/decision/internal/queue"
	"github.com/bcem/decision/internal/results"
	"github.com/bcem/decision/internal/retry"
	"github.com/bcem/decision/internal/riskgate"
	"github.com/bcem/decision/internal/sandbox"
	"github.com/bcem/decision/internal/server"
	"github.com/bcem/decision/internal/store"
)

func main() {
	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	slog.Info("starting BlackChamber ICES decision worker")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"mode", cfg.Worker.Mode,
		"max_in_flight", cfg.Worker.MaxInFlight,
		"store", cfg.Store.Backend,
		"sandbox_enabled", cfg.Sandbox.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
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
	slog.Info("connected to Redis")

	checks := []server.HealthCheck{{Name: "redis", Ping: publisher.Ping}}

	// --- Idempotency Store ---
	var (
		resultStore store.ResultStore
		labelCache  store.LabelCache
	)
	switch cfg.Store.Backend {
	case "memory":
		mem := store.NewMemory()
		resultStore, labelCache = mem, mem
	case "postgres":
		pgPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		pg, err := results.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise results store", "error", err)
			os.Exit(1)
		}
		resultStore, labelCache = pg, pg
		checks = append(checks, server.HealthCheck{Name: "postgres", Ping: pg.Ping})
	default:
		rs := store.NewRedis(rdb, cfg.Store.TTL)
		resultStore, labelCache = rs, rs
	}

	// --- Graph Client ---
	var graphClient *graph.Client
	if cfg.Graph.Enabled() {
		creds := graph.Credentials{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		}
		graphClient = graph.NewClient(graph.ClientConfig{
			HTTPClient:       creds.HTTPClient(ctx),
			BaseURL:          cfg.Graph.BaseURL,
			QuarantineFolder: cfg.Action.QuarantineFolder,
		})
	} else if cfg.Worker.Mode != config.ModeDecide {
		slog.Error("graph credentials are required to enforce decisions", "mode", cfg.Worker.Mode)
		os.Exit(1)
	} else {
		slog.Warn("graph credentials not configured, attachments will not be fetched")
	}

	// --- Static Risk Gate ---
	gate := riskgate.New(riskgate.FromConfig(cfg.RiskGate))

	// --- Sandbox Client ---
	var scanner pipeline.Scanner
	switch {
	case !cfg.Sandbox.Enabled:
		slog.Info("sandbox disabled by configuration")
	case cfg.Sandbox.APIKey == "":
		slog.Warn("sandbox api key not configured, sandbox disabled")
	default:
		provider := sandbox.NewHybridAnalysis(sandbox.HybridAnalysisConfig{
			BaseURL:       cfg.Sandbox.APIURL,
			APIKey:        cfg.Sandbox.APIKey,
			EnvironmentID: cfg.Sandbox.EnvironmentID,
		})
		submitRetry := retry.DefaultBackoffConfig()
		submitRetry.MaxRetries = cfg.Sandbox.MaxRetries

		var fetcher sandbox.AttachmentFetcher
		if graphClient != nil {
			fetcher = graphClient
		}
		scanner = sandbox.NewClient(provider, fetcher, gate.IsRisky, sandbox.Config{
			PollInterval:   cfg.Sandbox.PollInterval,
			Timeout:        cfg.Sandbox.Timeout,
			Concurrency:    cfg.Sandbox.Concurrency,
			Submit:         submitRetry,
			DefaultMailbox: cfg.Action.DefaultMailbox,
		})
	}

	// --- Dispatcher ---
	var executor pipeline.Executor
	var disp *dispatcher.Dispatcher
	if graphClient != nil {
		var model aifallback.Model
		if cfg.AI.APIKey != "" {
			model = aifallback.NewGemini(aifallback.GeminiConfig{
				BaseURL: cfg.AI.BaseURL,
				APIKey:  cfg.AI.APIKey,
				Model:   cfg.AI.Model,
			})
		} else {
			slog.Warn("ai api key not configured, unknown verdicts resolve to suspicious")
		}
		aiRetry := retry.DefaultBackoffConfig()
		aiRetry.MaxRetries = cfg.AI.MaxRetries
		ai := aifallback.New(model, aifallback.Config{MaxURLs: cfg.AI.MaxURLs, Retry: aiRetry})

		disp = dispatcher.New(dispatcher.Config{
			MoveToSpam:     cfg.Action.MoveToSpam,
			LabelPrefix:    cfg.Action.LabelPrefix,
			DefaultMailbox: cfg.Action.DefaultMailbox,
			Concurrency:    cfg.AI.Concurrency,
		}, graphClient, ai, resultStore, labelCache)
		executor = disp

		if cfg.Action.DefaultMailbox != "" {
			if err := disp.WarmLabels(ctx, cfg.Action.DefaultMailbox); err != nil {
				// Labels are created lazily on first use.
				slog.Warn("failed to pre-warm labels", "mailbox", cfg.Action.DefaultMailbox, "error", err)
			}
		}
	}

	proc := pipeline.NewProcessor(gate, scanner, executor)

	// --- HTTP Server ---
	srvCfg := server.Config{
		Enqueuer:      publisher,
		PayloadsQueue: cfg.Redis.Queues.Payloads,
		Actions:       publisher,
		ActionsQueue:  cfg.Redis.Queues.Actions,
		Checks:        checks,
	}
	if executor != nil {
		srvCfg.Actor = proc
	}
	ready, err := server.Serve(ctx, cfg.Port, server.NewHandler(srvCfg))
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Worker Loop ---
	inbound := cfg.Redis.Queues.Payloads
	if cfg.Worker.Mode == config.ModeAct {
		inbound = cfg.Redis.Queues.Decisions
	}
	runner := pipeline.NewRunner(proc, queue.NewConsumer(rdb, inbound, 2*time.Second), publisher, pipeline.RunnerConfig{
		Mode:        cfg.Worker.Mode,
		MaxInFlight: cfg.Worker.MaxInFlight,
		Queues:      cfg.Redis.Queues,
	})

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	slog.Info("decision worker stopped")
}

// newLogger builds the process logger. JSON is the default; LOG_FORMAT=text
// is friendlier on a terminal.
func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
