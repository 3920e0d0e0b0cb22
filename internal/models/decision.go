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

package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the closed set of classifications a sandbox or the AI fallback
// can produce.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictUnknown    Verdict = "unknown"
)

// ParseVerdict maps a provider string onto a Verdict. Anything outside the
// closed set reports ok=false.
func ParseVerdict(s string) (Verdict, bool) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictMalicious, VerdictSuspicious, VerdictClean, VerdictUnknown:
		return v, true
	}
	return VerdictUnknown, false
}

// UnmarshalJSON rejects verdicts outside the closed enumeration.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseVerdict(s)
	if !ok {
		return fmt.Errorf("invalid verdict %q", s)
	}
	*v = parsed
	return nil
}

// severity orders resolved verdicts. Unknown sorts lowest: it is never a
// final answer.
func (v Verdict) severity() int {
	switch v {
	case VerdictMalicious:
		return 3
	case VerdictSuspicious:
		return 2
	case VerdictClean:
		return 1
	}
	return 0
}

// MoreSevere returns whichever of a and b is more severe.
func MoreSevere(a, b Verdict) Verdict {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// RiskTier is the enforcement bucket derived from the final score.
type RiskTier string

const (
	TierSafe     RiskTier = "SAFE"
	TierCautious RiskTier = "CAUTIOUS"
	TierThreat   RiskTier = "THREAT"
)

// Canonical tier thresholds.
const (
	CautiousThreshold = 30
	ThreatThreshold   = 80
)

// TierFor maps a final score onto its risk tier.
func TierFor(score int) RiskTier {
	switch {
	case score >= ThreatThreshold:
		return TierThreat
	case score >= CautiousThreshold:
		return TierCautious
	default:
		return TierSafe
	}
}

// Verdict returns the verdict implied by a tier on its own.
func (t RiskTier) Verdict() Verdict {
	switch t {
	case TierThreat:
		return VerdictMalicious
	case TierCautious:
		return VerdictSuspicious
	default:
		return VerdictClean
	}
}

// ClampScore bounds a score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// SandboxResult is the normalised outcome of one sandbox analysis.
type SandboxResult struct {
	Verdict    Verdict  `json:"verdict" validate:"oneof=malicious suspicious clean unknown"`
	Score      int      `json:"score" validate:"gte=0,lte=100"`
	Family     string   `json:"family,omitempty"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// DecisionMetadata records which path produced a decision and why.
type DecisionMetadata struct {
	Provider string `json:"provider"`
	TimedOut bool   `json:"timed_out"`
	Reason   string `json:"reason,omitempty"`
}

// Provider names recorded in DecisionMetadata.
const (
	ProviderStaticOnly = "static-only"
	ProviderAIFallback = "ai-fallback"
)

// UnifiedDecisionPayload is handed from aggregation to dispatch, possibly
// across a process boundary.
type UnifiedDecisionPayload struct {
	MessageID        string           `json:"message_id" validate:"required"`
	Mailbox          string           `json:"mailbox,omitempty"`
	StaticRiskScore  int              `json:"static_risk_score" validate:"gte=0,lte=100"`
	Sandboxed        bool             `json:"sandboxed"`
	SandboxResult    *SandboxResult   `json:"sandbox_result"`
	ExtractedURLs    []string         `json:"extracted_urls,omitempty"`
	DecisionMetadata DecisionMetadata `json:"decision_metadata"`
}

// Validate checks field ranges and the sandboxed/sandbox_result invariant.
func (d *UnifiedDecisionPayload) Validate() error {
	if err := validationError(validate.Struct(d)); err != nil {
		return err
	}
	if d.Sandboxed != (d.SandboxResult != nil) {
		return &ValidationError{Problems: []string{"sandbox_result: must be present iff sandboxed"}}
	}
	return nil
}

// DecodeDecision parses and validates a UnifiedDecisionPayload.
func DecodeDecision(data []byte) (*UnifiedDecisionPayload, error) {
	var d UnifiedDecisionPayload
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &ValidationError{Problems: []string{"malformed JSON: " + err.Error()}}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// FinalScore is max(static score, sandbox score when sandboxed), in [0,100].
func (d *UnifiedDecisionPayload) FinalScore() int {
	score := ClampScore(d.StaticRiskScore)
	if d.Sandboxed && d.SandboxResult != nil {
		if s := ClampScore(d.SandboxResult.Score); s > score {
			score = s
		}
	}
	return score
}

// Tier is the risk tier of the final score.
func (d *UnifiedDecisionPayload) Tier() RiskTier {
	return TierFor(d.FinalScore())
}

// Label is the enforcement label written to the mailbox.
type Label string

const (
	LabelMalicious Label = "MALICIOUS"
	LabelCautious  Label = "CAUTIOUS"
	LabelSafe      Label = "SAFE"
)

// LabelFor maps a resolved verdict onto its label. Unresolved verdicts are
// labelled cautiously.
func LabelFor(v Verdict) Label {
	switch v {
	case VerdictMalicious:
		return LabelMalicious
	case VerdictClean:
		return LabelSafe
	default:
		return LabelCautious
	}
}

// ActionResult is the terminal artifact of the pipeline. Once created it is
// cached and returned verbatim on re-delivery.
type ActionResult struct {
	MessageID       string   `json:"message_id"`
	Mailbox         string   `json:"mailbox,omitempty"`
	OriginalVerdict Verdict  `json:"original_verdict"`
	FinalVerdict    Verdict  `json:"final_verdict"`
	FinalScore      int      `json:"final_score"`
	RiskTier        RiskTier `json:"risk_tier"`
	LabelApplied    Label    `json:"label_applied"`
	MovedToSpam     bool     `json:"moved_to_spam"`
	AIAnalysisUsed  bool     `json:"ai_analysis_used"`
	AIReasoning     string   `json:"ai_reasoning,omitempty"`
	ProcessedAt     string   `json:"processed_at"`
}
