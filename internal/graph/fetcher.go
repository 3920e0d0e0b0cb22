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

// Package graph talks to the Microsoft Graph API: it fetches attachment
// content on demand and applies enforcement (category labels and moves to
// the junk folder).
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/decision/internal/models"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Credentials identifies the app registration used for client-credentials auth.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// HTTPClient returns an *http.Client that attaches app-only Graph tokens.
func (c Credentials) HTTPClient(ctx context.Context) *http.Client {
	creds := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return creds.Client(ctx)
}

// ClientConfig holds the Graph client settings.
type ClientConfig struct {
	HTTPClient       *http.Client
	BaseURL          string
	QuarantineFolder string
}

// Client performs the Graph calls the decision worker needs.
type Client struct {
	httpClient       *http.Client
	graphBaseURL     string
	quarantineFolder string
}

// NewClient creates a Graph client.
func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	folder := cfg.QuarantineFolder
	if folder == "" {
		folder = "junkemail"
	}
	return &Client{
		httpClient:       cfg.HTTPClient,
		graphBaseURL:     base,
		quarantineFolder: folder,
	}
}

// FetchAttachment retrieves the raw bytes of a file attachment.
func (c *Client) FetchAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.messageURL(mailbox, messageID)+"/attachments/"+url.PathEscape(attachmentID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", attachmentID, err)
	}

	content, err := parseFileAttachment(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse attachment %s: %w", attachmentID, err)
	}
	return content, nil
}

func (c *Client) userURL(mailbox string) string {
	return fmt.Sprintf("%s/users/%s", c.graphBaseURL, url.PathEscape(mailbox))
}

func (c *Client) messageURL(mailbox, messageID string) string {
	return c.userURL(mailbox) + "/messages/" + url.PathEscape(messageID)
}

func (c *Client) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// checkStatus maps unexpected Graph statuses onto the shared sentinels.
func checkStatus(resp *http.Response, want ...int) error {
	for _, code := range want {
		if resp.StatusCode == code {
			return nil
		}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: graph API returned HTTP %d", models.ErrUnavailable, resp.StatusCode)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
