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

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bcem/decision/internal/models"
)

// Outlook category color presets.
const (
	colorRed    = "preset0"
	colorOrange = "preset1"
	colorGreen  = "preset4"
)

// colorFor picks the category color from the label suffix.
func colorFor(name string) string {
	switch {
	case strings.HasSuffix(name, string(models.LabelMalicious)):
		return colorRed
	case strings.HasSuffix(name, string(models.LabelCautious)):
		return colorOrange
	case strings.HasSuffix(name, string(models.LabelSafe)):
		return colorGreen
	}
	return "none"
}

// CreateLabel creates an Outlook master category. It returns
// models.ErrLabelExists if the mailbox already has it. Messages reference
// categories by display name, so the returned id is the display name.
func (c *Client) CreateLabel(ctx context.Context, mailbox, name string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.userURL(mailbox)+"/outlook/masterCategories",
		graphCategory{DisplayName: name, Color: colorFor(name)})
	if err != nil {
		return "", fmt.Errorf("create category: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", models.ErrLabelExists
	}
	if err := checkStatus(resp, http.StatusCreated, http.StatusOK); err != nil {
		return "", err
	}
	cat, err := parseCategory(resp.Body)
	if err != nil {
		return "", err
	}
	slog.Info("created category", "mailbox", mailbox, "name", cat.DisplayName, "color", cat.Color)
	return cat.DisplayName, nil
}

// FindLabel looks up an existing category by display name.
func (c *Client) FindLabel(ctx context.Context, mailbox, name string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.userURL(mailbox)+"/outlook/masterCategories", nil)
	if err != nil {
		return "", fmt.Errorf("list categories: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", err
	}
	cats, err := parseCategoryList(resp.Body)
	if err != nil {
		return "", err
	}
	for _, cat := range cats {
		if strings.EqualFold(cat.DisplayName, name) {
			return cat.DisplayName, nil
		}
	}
	return "", models.ErrNotFound
}

// ApplyLabel adds a category to a message, keeping its existing ones.
func (c *Client) ApplyLabel(ctx context.Context, mailbox, messageID, labelID string) error {
	resp, err := c.do(ctx, http.MethodGet, c.messageURL(mailbox, messageID)+"?$select=categories", nil)
	if err != nil {
		return fmt.Errorf("get message categories: %w", err)
	}
	existing, err := func() ([]string, error) {
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return nil, err
		}
		return parseMessageCategories(resp.Body)
	}()
	if err != nil {
		return fmt.Errorf("get message categories: %w", err)
	}

	for _, cat := range existing {
		if cat == labelID {
			return nil
		}
	}

	patch, err := c.do(ctx, http.MethodPatch, c.messageURL(mailbox, messageID),
		map[string][]string{"categories": append(existing, labelID)})
	if err != nil {
		return fmt.Errorf("patch message categories: %w", err)
	}
	defer patch.Body.Close()

	if err := checkStatus(patch, http.StatusOK); err != nil {
		return fmt.Errorf("patch message categories: %w", err)
	}
	return nil
}

// MoveToQuarantine moves a message into the configured quarantine folder.
func (c *Client) MoveToQuarantine(ctx context.Context, mailbox, messageID string) error {
	resp, err := c.do(ctx, http.MethodPost, c.messageURL(mailbox, messageID)+"/move",
		map[string]string{"destinationId": c.quarantineFolder})
	if err != nil {
		return fmt.Errorf("move message: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusCreated, http.StatusOK); err != nil {
		return fmt.Errorf("move message to %s: %w", c.quarantineFolder, err)
	}
	return nil
}
