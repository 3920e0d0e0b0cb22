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

package riskgate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/bcem/decision/internal/config"
	"github.com/bcem/decision/internal/models"
)

func testGate(optional bool) *Gate {
	return New(Config{
		RiskyExtensions:          []string{".exe", ".scr", ".vbs", ".js", ".bat", ".iso", ".dll", "ps1"},
		URLShorteners:            []string{"bit.ly", "tinyurl.com"},
		AttachmentCountThreshold: 3,
		OptionalThreshold:        30,
		AlwaysThreshold:          70,
		SandboxOptional:          optional,
	})
}

func attachments(names ...string) []models.AttachmentMetadata {
	out := make([]models.AttachmentMetadata, len(names))
	for i, n := range names {
		out[i] = models.AttachmentMetadata{Filename: n, Size: 100, AttachmentID: fmt.Sprintf("att-%d", i)}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		payload   models.StructuredEmailPayload
		optional  bool
		score     int
		decision  Decision
		sandbox   bool
		reasonCnt int
	}{
		{
			name:     "empty payload",
			payload:  models.StructuredEmailPayload{MessageID: "m"},
			score:    0,
			decision: Skip,
		},
		{
			name:      "risky attachment",
			payload:   models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("invoice.exe")},
			score:     40,
			decision:  Optional,
			reasonCnt: 1,
		},
		{
			name:      "risky attachment with optional sandboxing",
			payload:   models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("invoice.exe")},
			optional:  true,
			score:     40,
			decision:  Optional,
			sandbox:   true,
			reasonCnt: 1,
		},
		{
			name:      "risky extension is case insensitive and counted once",
			payload:   models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("A.EXE", "b.Scr")},
			score:     40,
			decision:  Optional,
			reasonCnt: 1,
		},
		{
			name:      "extension without dot in config",
			payload:   models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("run.ps1")},
			score:     40,
			decision:  Optional,
			reasonCnt: 1,
		},
		{
			name:      "shortener url",
			payload:   models.StructuredEmailPayload{MessageID: "m", ExtractedURLs: []string{"https://bit.ly/abc", "http://tinyurl.com/x"}},
			score:     30,
			decision:  Optional,
			reasonCnt: 1,
		},
		{
			name:      "shortener subdomain without scheme",
			payload:   models.StructuredEmailPayload{MessageID: "m", ExtractedURLs: []string{"www.bit.ly/abc"}},
			score:     30,
			decision:  Optional,
			reasonCnt: 1,
		},
		{
			name:     "lookalike host is not a shortener",
			payload:  models.StructuredEmailPayload{MessageID: "m", ExtractedURLs: []string{"https://notbit.ly/abc"}},
			score:    0,
			decision: Skip,
		},
		{
			name:      "five benign attachments",
			payload:   models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf")},
			score:     20,
			decision:  Skip,
			reasonCnt: 1,
		},
		{
			name:     "three attachments is not over threshold",
			payload:  models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("a.pdf", "b.pdf", "c.pdf")},
			score:    0,
			decision: Skip,
		},
		{
			name: "all rules",
			payload: models.StructuredEmailPayload{
				MessageID:          "m",
				ExtractedURLs:      []string{"bit.ly/z"},
				AttachmentMetadata: attachments("a.exe", "b.pdf", "c.pdf", "d.pdf"),
			},
			score:     90,
			decision:  Always,
			sandbox:   true,
			reasonCnt: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testGate(tt.optional).Evaluate(&tt.payload)
			if r.Score != tt.score {
				t.Errorf("score = %d, want %d", r.Score, tt.score)
			}
			if r.Decision != tt.decision {
				t.Errorf("decision = %s, want %s", r.Decision, tt.decision)
			}
			if r.ShouldSandbox != tt.sandbox {
				t.Errorf("shouldSandbox = %v, want %v", r.ShouldSandbox, tt.sandbox)
			}
			if len(r.Reasons) != tt.reasonCnt {
				t.Errorf("reasons = %v, want %d entries", r.Reasons, tt.reasonCnt)
			}
		})
	}
}

func TestEvaluate_Clamped(t *testing.T) {
	g := New(Config{
		RiskyExtensions:          []string{".exe"},
		URLShorteners:            []string{"bit.ly"},
		AttachmentCountThreshold: 0,
		OptionalThreshold:        30,
		AlwaysThreshold:          70,
	})
	p := &models.StructuredEmailPayload{
		MessageID:          "m",
		ExtractedURLs:      []string{"bit.ly/a"},
		AttachmentMetadata: attachments("x.exe"),
	}
	if r := g.Evaluate(p); r.Score > 100 || r.Score < 40 {
		t.Errorf("score = %d, want within [40,100]", r.Score)
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	g := testGate(false)
	p := &models.StructuredEmailPayload{MessageID: "m", AttachmentMetadata: attachments("a.exe")}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r := g.Evaluate(p); r.Score != 40 {
				t.Errorf("score = %d, want 40", r.Score)
			}
		}()
	}
	wg.Wait()
}

func TestFromConfig_Defaults(t *testing.T) {
	rg := config.Default().RiskGate
	rg.SandboxOptional = true
	g := New(FromConfig(rg))

	if !g.IsRisky("payload.DLL") {
		t.Error("default risky extensions not carried over")
	}
	r := g.Evaluate(&models.StructuredEmailPayload{
		MessageID:     "m1",
		ExtractedURLs: []string{"https://bit.ly/abc"},
	})
	if r.Score != 30 || r.Decision != Optional || !r.ShouldSandbox {
		t.Errorf("result = %+v, want 30 OPTIONAL sandboxed", r)
	}
}
