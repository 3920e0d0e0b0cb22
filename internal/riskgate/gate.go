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

// Package riskgate scores message metadata and decides whether sandbox
// analysis is warranted. It performs no I/O.
package riskgate

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bcem/decision/internal/config"
	"github.com/bcem/decision/internal/models"
)

// Rule weights.
const (
	RiskyAttachmentWeight = 40
	ShortenerURLWeight    = 30
	AttachmentCountWeight = 20
)

// Decision is the gate's verdict on whether to sandbox.
type Decision string

const (
	Skip     Decision = "SKIP"
	Optional Decision = "OPTIONAL"
	Always   Decision = "ALWAYS"
)

// Config holds the gate's rule inputs.
type Config struct {
	RiskyExtensions          []string
	URLShorteners            []string
	AttachmentCountThreshold int
	OptionalThreshold        int
	AlwaysThreshold          int
	// SandboxOptional makes OPTIONAL scores sandbox.
	SandboxOptional bool
}

// FromConfig maps the risk_gate section of the worker configuration.
func FromConfig(c config.RiskGateConfig) Config {
	return Config{
		RiskyExtensions:          c.RiskyExtensions,
		URLShorteners:            c.URLShorteners,
		AttachmentCountThreshold: c.AttachmentCountThreshold,
		OptionalThreshold:        c.OptionalThreshold,
		AlwaysThreshold:          c.AlwaysThreshold,
		SandboxOptional:          c.SandboxOptional,
	}
}

// Result is the outcome of Evaluate.
type Result struct {
	Score    int
	Decision Decision
	// ShouldSandbox resolves Decision against the optional flag.
	ShouldSandbox bool
	// Reasons lists the rules that fired, in rule order.
	Reasons []string
}

// Gate is immutable after construction and safe for concurrent use.
type Gate struct {
	riskyExt   map[string]struct{}
	shorteners []string
	cfg        Config
}

// New builds a Gate. Extensions and hosts are normalised to lower case.
func New(cfg Config) *Gate {
	g := &Gate{
		riskyExt: make(map[string]struct{}, len(cfg.RiskyExtensions)),
		cfg:      cfg,
	}
	for _, ext := range cfg.RiskyExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		g.riskyExt[ext] = struct{}{}
	}
	for _, host := range cfg.URLShorteners {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			g.shorteners = append(g.shorteners, host)
		}
	}
	return g
}

// IsRisky reports whether filename ends in a risky extension.
func (g *Gate) IsRisky(filename string) bool {
	_, ok := g.riskyExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Evaluate scores the payload. Each rule contributes at most once.
func (g *Gate) Evaluate(p *models.StructuredEmailPayload) Result {
	var r Result

	for _, att := range p.AttachmentMetadata {
		if g.IsRisky(att.Filename) {
			r.Score += RiskyAttachmentWeight
			r.Reasons = append(r.Reasons, fmt.Sprintf("risky attachment %q (+%d)", att.Filename, RiskyAttachmentWeight))
			break
		}
	}

	for _, raw := range p.ExtractedURLs {
		if host := hostOf(raw); host != "" && g.isShortener(host) {
			r.Score += ShortenerURLWeight
			r.Reasons = append(r.Reasons, fmt.Sprintf("shortener url host %s (+%d)", host, ShortenerURLWeight))
			break
		}
	}

	if n := len(p.AttachmentMetadata); n > g.cfg.AttachmentCountThreshold {
		r.Score += AttachmentCountWeight
		r.Reasons = append(r.Reasons, fmt.Sprintf("%d attachments exceeds %d (+%d)", n, g.cfg.AttachmentCountThreshold, AttachmentCountWeight))
	}

	r.Score = models.ClampScore(r.Score)

	switch {
	case r.Score >= g.cfg.AlwaysThreshold:
		r.Decision = Always
		r.ShouldSandbox = true
	case r.Score >= g.cfg.OptionalThreshold:
		r.Decision = Optional
		r.ShouldSandbox = g.cfg.SandboxOptional
	default:
		r.Decision = Skip
	}
	return r
}

func (g *Gate) isShortener(host string) bool {
	for _, s := range g.shorteners {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// hostOf extracts the lower-cased host of a URL. Scheme-less URLs such as
// "bit.ly/abc" are accepted.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}
