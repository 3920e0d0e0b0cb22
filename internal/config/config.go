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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RiskGateConfig controls static scoring.
type RiskGateConfig struct {
	RiskyExtensions          []string `yaml:"risky_extensions"`
	URLShorteners            []string `yaml:"url_shorteners"`
	AttachmentCountThreshold int      `yaml:"attachment_count_threshold"`
	OptionalThreshold        int      `yaml:"optional_threshold"`
	AlwaysThreshold          int      `yaml:"always_threshold"`
	SandboxOptional          bool     `yaml:"sandbox_optional"`
}

// SandboxConfig holds the sandbox provider settings.
type SandboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	APIURL        string        `yaml:"api_url"`
	APIKey        string        `yaml:"api_key"`
	EnvironmentID int           `yaml:"environment_id"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"max_retries"`
}

// AIConfig holds the generative-AI fallback settings.
type AIConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetries  int    `yaml:"max_retries"`
	MaxURLs     int    `yaml:"max_urls"`
}

// ActionConfig controls enforcement.
type ActionConfig struct {
	MoveToSpam       bool   `yaml:"move_to_spam"`
	LabelPrefix      string `yaml:"label_prefix"`
	QuarantineFolder string `yaml:"quarantine_folder"`
	DefaultMailbox   string `yaml:"default_mailbox"`
}

// GraphConfig holds Microsoft Graph app credentials.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
}

// Enabled reports whether Graph credentials are present.
func (g GraphConfig) Enabled() bool {
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != ""
}

// QueueNames are the Redis list keys used by the worker.
type QueueNames struct {
	Payloads  string `yaml:"payloads"`
	Decisions string `yaml:"decisions"`
	Actions   string `yaml:"actions"`
}

// RedisConfig holds the Redis connection and queue names.
type RedisConfig struct {
	URL    string     `yaml:"url"`
	Queues QueueNames `yaml:"queues"`
}

// DatabaseConfig holds the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig selects the idempotency store backend.
type StoreConfig struct {
	Backend string        `yaml:"backend"` // memory | redis | postgres
	TTL     time.Duration `yaml:"ttl"`
}

// WorkerConfig controls the worker loop.
type WorkerConfig struct {
	Mode        string `yaml:"mode"` // full | decide | act
	MaxInFlight int    `yaml:"max_in_flight"`
}

// Worker modes.
const (
	ModeFull   = "full"
	ModeDecide = "decide"
	ModeAct    = "act"
)

// Config holds all configuration for the decision worker.
type Config struct {
	RiskGate RiskGateConfig `yaml:"risk_gate"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	AI       AIConfig       `yaml:"ai"`
	Action   ActionConfig   `yaml:"action"`
	Graph    GraphConfig    `yaml:"graph"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Worker   WorkerConfig   `yaml:"worker"`
	Port     int            `yaml:"port"`
}

// Default returns the configuration used when config.yaml is silent.
func Default() *Config {
	return &Config{
		RiskGate: RiskGateConfig{
			RiskyExtensions: []string{
				".exe", ".scr", ".bat", ".cmd", ".com", ".pif", ".js", ".jse", ".vbs", ".vbe",
				".wsf", ".hta", ".msi", ".dll", ".ps1", ".jar", ".iso", ".img", ".lnk", ".docm", ".xlsm", ".pptm",
			},
			URLShorteners: []string{
				"bit.ly", "tinyurl.com", "t.co", "goo.gl", "ow.ly", "is.gd", "buff.ly", "rebrand.ly", "cutt.ly", "shorturl.at",
			},
			AttachmentCountThreshold: 3,
			OptionalThreshold:        30,
			AlwaysThreshold:          70,
		},
		Sandbox: SandboxConfig{
			Enabled:       true,
			APIURL:        "https://www.hybrid-analysis.com/api/v2",
			EnvironmentID: 100,
			PollInterval:  30 * time.Second,
			Timeout:       300 * time.Second,
			Concurrency:   4,
			MaxRetries:    3,
		},
		AI: AIConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta",
			Model:       "gemini-1.5-flash",
			Concurrency: 2,
			MaxRetries:  2,
			MaxURLs:     10,
		},
		Action: ActionConfig{
			MoveToSpam:       true,
			LabelPrefix:      "ICES/",
			QuarantineFolder: "junkemail",
		},
		Graph: GraphConfig{
			BaseURL: "https://graph.microsoft.com/v1.0",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
			Queues: QueueNames{
				Payloads:  "payloads",
				Decisions: "decisions",
				Actions:   "actions",
			},
		},
		Store:  StoreConfig{Backend: "redis", TTL: 24 * time.Hour},
		Worker: WorkerConfig{Mode: ModeFull, MaxInFlight: 32},
		Port:   8080,
	}
}

// Load reads configuration from config.yaml (with env var expansion) and
// applies environment overrides. A missing config file is not an error: the
// defaults plus environment are used.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	cfg := Default()
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data and unmarshals it onto cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOrDefaultInt("PORT", c.Port)
	c.Redis.URL = envOrDefault("REDIS_URL", c.Redis.URL)
	c.Database.URL = envOrDefault("DATABASE_URL", c.Database.URL)
	c.Worker.Mode = envOrDefault("WORKER_MODE", c.Worker.Mode)
	c.Worker.MaxInFlight = envOrDefaultInt("MAX_IN_FLIGHT", c.Worker.MaxInFlight)
	c.Sandbox.Timeout = envOrDefaultDuration("SANDBOX_TIMEOUT", c.Sandbox.Timeout)
	c.Sandbox.PollInterval = envOrDefaultDuration("SANDBOX_POLL_INTERVAL", c.Sandbox.PollInterval)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string

	rg := c.RiskGate
	if rg.OptionalThreshold < 0 || rg.AlwaysThreshold > 100 || rg.OptionalThreshold > rg.AlwaysThreshold {
		problems = append(problems, fmt.Sprintf("risk_gate thresholds must satisfy 0 <= optional (%d) <= always (%d) <= 100",
			rg.OptionalThreshold, rg.AlwaysThreshold))
	}
	if rg.AttachmentCountThreshold < 0 {
		problems = append(problems, "risk_gate.attachment_count_threshold must be >= 0")
	}
	if c.Sandbox.Concurrency <= 0 {
		problems = append(problems, "sandbox.concurrency must be > 0")
	}
	if c.Sandbox.PollInterval <= 0 || c.Sandbox.Timeout <= 0 {
		problems = append(problems, "sandbox.poll_interval and sandbox.timeout must be > 0")
	} else if c.Sandbox.PollInterval >= c.Sandbox.Timeout {
		problems = append(problems, fmt.Sprintf("sandbox.poll_interval (%s) must be less than sandbox.timeout (%s)",
			c.Sandbox.PollInterval, c.Sandbox.Timeout))
	}
	if c.AI.Concurrency <= 0 {
		problems = append(problems, "ai.concurrency must be > 0")
	}
	if c.AI.MaxURLs <= 0 {
		problems = append(problems, "ai.max_urls must be > 0")
	}
	if c.Worker.MaxInFlight <= 0 {
		problems = append(problems, "worker.max_in_flight must be > 0")
	}
	switch c.Worker.Mode {
	case ModeFull, ModeDecide, ModeAct:
	default:
		problems = append(problems, fmt.Sprintf("worker.mode %q must be one of full, decide, act", c.Worker.Mode))
	}
	switch c.Store.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "store.backend postgres requires database.url")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q must be one of memory, redis, postgres", c.Store.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
