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
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bcem/decision/internal/models"
)

func TestHybridAnalysis_SubmitFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submit/file" {
			t.Errorf("path = %s, want /submit/file", r.URL.Path)
		}
		if got := r.Header.Get("api-key"); got != "k" {
			t.Errorf("api-key = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("environment_id"); got != "100" {
			t.Errorf("environment_id = %q, want 100", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "invoice.exe" || string(data) != "MZ" {
			t.Errorf("file = %s %q", hdr.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job-42","sha256":"abc"}`))
	}))
	defer srv.Close()

	ha := NewHybridAnalysis(HybridAnalysisConfig{BaseURL: srv.URL, APIKey: "k"})
	id, err := ha.Submit(context.Background(), Target{Filename: "invoice.exe", Content: []byte("MZ")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-42" {
		t.Errorf("job id = %q, want job-42", id)
	}
}

func TestHybridAnalysis_SubmitURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submit/url" {
			t.Errorf("path = %s, want /submit/url", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("url"); got != "https://bit.ly/x" {
			t.Errorf("url = %q", got)
		}
		_, _ = w.Write([]byte(`{"job_id":"job-7"}`))
	}))
	defer srv.Close()

	ha := NewHybridAnalysis(HybridAnalysisConfig{BaseURL: srv.URL, APIKey: "k"})
	id, err := ha.Submit(context.Background(), Target{URL: "https://bit.ly/x"})
	if err != nil || id != "job-7" {
		t.Fatalf("Submit = %q, %v", id, err)
	}
}

func TestHybridAnalysis_SubmitStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, models.ErrRateLimited},
		{http.StatusBadGateway, models.ErrUnavailable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		ha := NewHybridAnalysis(HybridAnalysisConfig{BaseURL: srv.URL})
		_, err := ha.Submit(context.Background(), Target{URL: "https://x.test"})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestHybridAnalysis_Poll(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		terminal bool
		wantErr  error
	}{
		{"not ready", http.StatusNotFound, "", false, nil},
		{"in progress", http.StatusOK, `{"state":"IN_PROGRESS"}`, false, nil},
		{"success", http.StatusOK, `{"state":"SUCCESS","verdict":"malicious","threat_score":88,"vx_family":"Agent"}`, true, nil},
		{"job error", http.StatusOK, `{"state":"ERROR"}`, false, ErrJobFailed},
		{"garbage", http.StatusOK, `<html>`, false, ErrMalformedReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/report/job-1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ha := NewHybridAnalysis(HybridAnalysisConfig{BaseURL: srv.URL})
			report, err := ha.Poll(context.Background(), "job-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if report.Terminal != tt.terminal {
				t.Errorf("terminal = %v, want %v", report.Terminal, tt.terminal)
			}
			if tt.terminal {
				res := Normalize(report)
				if res.Verdict != models.VerdictMalicious || res.Score != 88 || res.Family != "Agent" {
					t.Errorf("normalized = %+v", res)
				}
			}
		})
	}
}
