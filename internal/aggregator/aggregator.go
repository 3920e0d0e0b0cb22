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

// Package aggregator merges the static and sandbox stages into a single
// UnifiedDecisionPayload. It is pure and deterministic.
package aggregator

import (
	"strings"

	"github.com/bcem/decision/internal/models"
	"github.com/bcem/decision/internal/sandbox"
)

// Input is everything the aggregator needs for one message.
type Input struct {
	Payload       *models.StructuredEmailPayload
	StaticScore   int
	StaticReasons []string
	// Sandbox is nil when no sandbox attempt was made.
	Sandbox *sandbox.Outcome
	// SkipReason explains why the sandbox was not attempted, if it wasn't.
	SkipReason string
}

// Aggregate builds the decision. Identical inputs yield identical outputs.
func Aggregate(in Input) models.UnifiedDecisionPayload {
	d := models.UnifiedDecisionPayload{
		MessageID:       in.Payload.MessageID,
		Mailbox:         in.Payload.Mailbox,
		StaticRiskScore: models.ClampScore(in.StaticScore),
		ExtractedURLs:   append([]string(nil), in.Payload.ExtractedURLs...),
		DecisionMetadata: models.DecisionMetadata{
			Provider: models.ProviderStaticOnly,
		},
	}

	reasons := make([]string, 0, len(in.StaticReasons)+2)
	if len(in.StaticReasons) == 0 {
		reasons = append(reasons, "static: no risk signals")
	}
	for _, r := range in.StaticReasons {
		reasons = append(reasons, "static: "+r)
	}

	if in.Sandbox != nil {
		result := in.Sandbox.Result
		result.Score = models.ClampScore(result.Score)
		d.Sandboxed = true
		d.SandboxResult = &result
		d.DecisionMetadata.Provider = in.Sandbox.Provider
		d.DecisionMetadata.TimedOut = in.Sandbox.TimedOut
		if in.Sandbox.Reason != "" {
			reasons = append(reasons, in.Sandbox.Reason)
		}
	} else if in.SkipReason != "" {
		reasons = append(reasons, in.SkipReason)
	}

	d.DecisionMetadata.Reason = strings.Join(reasons, "; ")
	return d
}
