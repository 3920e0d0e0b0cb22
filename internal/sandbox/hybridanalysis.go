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

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/decision/internal/models"
)

// HybridAnalysisConfig holds the Falcon Sandbox API settings.
type HybridAnalysisConfig struct {
	BaseURL       string
	APIKey        string
	EnvironmentID int
	HTTPClient    *http.Client
}

// HybridAnalysis is a Provider backed by the Hybrid Analysis v2 API.
type HybridAnalysis struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	envID      string
}

// NewHybridAnalysis creates a Hybrid Analysis provider.
func NewHybridAnalysis(cfg HybridAnalysisConfig) *HybridAnalysis {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	envID := cfg.EnvironmentID
	if envID == 0 {
		envID = 100
	}
	return &HybridAnalysis{
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		envID:      strconv.Itoa(envID),
	}
}

// Name implements Provider.
func (h *HybridAnalysis) Name() string { return "hybrid-analysis" }

// Submit uploads a file to /submit/file or a URL to /submit/url.
func (h *HybridAnalysis) Submit(ctx context.Context, target Target) (string, error) {
	var (
		body        io.Reader
		contentType string
		endpoint    string
	)
	if target.IsFile() {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		fw, err := mw.CreateFormFile("file", target.Filename)
		if err != nil {
			return "", fmt.Errorf("build multipart: %w", err)
		}
		if _, err := fw.Write(target.Content); err != nil {
			return "", fmt.Errorf("build multipart: %w", err)
		}
		_ = mw.WriteField("environment_id", h.envID)
		if err := mw.Close(); err != nil {
			return "", fmt.Errorf("build multipart: %w", err)
		}
		body, contentType, endpoint = buf, mw.FormDataContentType(), "/submit/file"
	} else {
		form := url.Values{"url": {target.URL}, "environment_id": {h.envID}}
		body, contentType, endpoint = strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", "/submit/url"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+endpoint, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode submission: %v", ErrMalformedReport, err)
	}
	return out.JobID, nil
}

// Poll fetches /report/{job_id}. A 404 means the report is not ready.
func (h *HybridAnalysis) Poll(ctx context.Context, jobID string) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/report/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Report{}, nil
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}

	var raw struct {
		State       string `json:"state"`
		Verdict     string `json:"verdict"`
		ThreatScore *int   `json:"threat_score"`
		VxFamily    string `json:"vx_family"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	switch raw.State {
	case "SUCCESS":
		return &Report{Terminal: true, Verdict: raw.Verdict, ThreatScore: raw.ThreatScore, Family: raw.VxFamily}, nil
	case "ERROR":
		return nil, fmt.Errorf("%w: job %s", ErrJobFailed, jobID)
	default:
		return &Report{}, nil
	}
}

func (h *HybridAnalysis) setHeaders(req *http.Request) {
	req.Header.Set("api-key", h.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Falcon Sandbox")
}

// statusError maps non-2xx responses onto the provider error sentinels.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", models.ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hybrid analysis returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
