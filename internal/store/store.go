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

// Package store holds the state shared between concurrent message tasks:
// the idempotency record of ActionResults and the per-mailbox label cache.
package store

import (
	"context"
	"sync"

	"github.com/bcem/decision/internal/models"
)

// ResultStore records the ActionResult for each processed message.
type ResultStore interface {
	// Get returns the stored result, or nil if the message is unseen.
	Get(ctx context.Context, messageID string) (*models.ActionResult, error)
	// PutIfAbsent stores r unless a result already exists, and returns
	// whichever result is stored afterwards.
	PutIfAbsent(ctx context.Context, r *models.ActionResult) (*models.ActionResult, error)
}

// LabelCache maps (mailbox, label name) to the provider's label id.
type LabelCache interface {
	GetLabel(ctx context.Context, mailbox, name string) (string, bool, error)
	PutLabel(ctx context.Context, mailbox, name, id string) error
}

// Memory is a process-local ResultStore and LabelCache.
type Memory struct {
	mu      sync.RWMutex
	results map[string]*models.ActionResult
	labels  map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		results: make(map[string]*models.ActionResult),
		labels:  make(map[string]string),
	}
}

// Get implements ResultStore.
func (m *Memory) Get(_ context.Context, messageID string) (*models.ActionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.results[messageID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

// PutIfAbsent implements ResultStore.
func (m *Memory) PutIfAbsent(_ context.Context, r *models.ActionResult) (*models.ActionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.results[r.MessageID]; ok {
		cp := *existing
		return &cp, nil
	}
	stored := *r
	m.results[r.MessageID] = &stored
	cp := stored
	return &cp, nil
}

// GetLabel implements LabelCache.
func (m *Memory) GetLabel(_ context.Context, mailbox, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.labels[labelKey(mailbox, name)]
	return id, ok, nil
}

// PutLabel implements LabelCache.
func (m *Memory) PutLabel(_ context.Context, mailbox, name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[labelKey(mailbox, name)] = id
	return nil
}

func labelKey(mailbox, name string) string {
	return mailbox + "\x00" + name
}
