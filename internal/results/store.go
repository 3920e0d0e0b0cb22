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

// Package results provides a Postgres-backed ResultStore and LabelCache so
// that idempotency survives restarts and spans worker instances.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/decision/internal/models"
)

// Store persists ActionResults and mailbox labels in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a result store backed by the given Postgres pool.
// It ensures the tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure results schema: %w", err)
	}
	slog.Info("result store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS action_results (
			message_id        TEXT PRIMARY KEY,
			mailbox           TEXT DEFAULT '',
			original_verdict  TEXT NOT NULL,
			final_verdict     TEXT NOT NULL,
			final_score       INTEGER NOT NULL,
			risk_tier         TEXT NOT NULL,
			label_applied     TEXT NOT NULL,
			moved_to_spam     BOOLEAN NOT NULL DEFAULT FALSE,
			ai_analysis_used  BOOLEAN NOT NULL DEFAULT FALSE,
			ai_reasoning      TEXT DEFAULT '',
			processed_at      TIMESTAMPTZ NOT NULL,
			created_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_results_verdict ON action_results(final_verdict);
		CREATE INDEX IF NOT EXISTS idx_results_processed ON action_results(processed_at);

		CREATE TABLE IF NOT EXISTS mailbox_labels (
			mailbox    TEXT NOT NULL,
			name       TEXT NOT NULL,
			label_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (mailbox, name)
		);
	`)
	return err
}

// Get implements store.ResultStore.
func (s *Store) Get(ctx context.Context, messageID string) (*models.ActionResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT message_id, mailbox, original_verdict, final_verdict, final_score,
		       risk_tier, label_applied, moved_to_spam, ai_analysis_used,
		       ai_reasoning, processed_at
		FROM action_results
		WHERE message_id = $1
	`, messageID)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", messageID, err)
	}
	return r, nil
}

// PutIfAbsent implements store.ResultStore. The first insert for a
// message_id wins; later callers get the stored row back.
func (s *Store) PutIfAbsent(ctx context.Context, r *models.ActionResult) (*models.ActionResult, error) {
	processedAt, err := time.Parse(time.RFC3339, r.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("parse processed_at: %w", err)
	}

	var inserted string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO action_results
			(message_id, mailbox, original_verdict, final_verdict, final_score,
			 risk_tier, label_applied, moved_to_spam, ai_analysis_used,
			 ai_reasoning, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING message_id
	`, r.MessageID, r.Mailbox, string(r.OriginalVerdict), string(r.FinalVerdict), r.FinalScore,
		string(r.RiskTier), string(r.LabelApplied), r.MovedToSpam, r.AIAnalysisUsed,
		r.AIReasoning, processedAt).Scan(&inserted)

	switch {
	case err == nil:
		cp := *r
		return &cp, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := s.Get(ctx, r.MessageID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("result %s vanished after conflict", r.MessageID)
		}
		return existing, nil
	default:
		return nil, fmt.Errorf("insert result %s: %w", r.MessageID, err)
	}
}

// GetLabel implements store.LabelCache.
func (s *Store) GetLabel(ctx context.Context, mailbox, name string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT label_id FROM mailbox_labels WHERE mailbox = $1 AND name = $2
	`, mailbox, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get label: %w", err)
	}
	return id, true, nil
}

// PutLabel implements store.LabelCache.
func (s *Store) PutLabel(ctx context.Context, mailbox, name, id string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_labels (mailbox, name, label_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (mailbox, name) DO UPDATE SET label_id = EXCLUDED.label_id
	`, mailbox, name, id)
	if err != nil {
		return fmt.Errorf("put label: %w", err)
	}
	return nil
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func scanResult(row pgx.Row) (*models.ActionResult, error) {
	var (
		r                                     models.ActionResult
		original, final, tier, label, mailbox string
		reasoning                             string
		processedAt                           time.Time
	)
	err := row.Scan(&r.MessageID, &mailbox, &original, &final, &r.FinalScore,
		&tier, &label, &r.MovedToSpam, &r.AIAnalysisUsed, &reasoning, &processedAt)
	if err != nil {
		return nil, err
	}
	r.Mailbox = mailbox
	r.OriginalVerdict = models.Verdict(original)
	r.FinalVerdict = models.Verdict(final)
	r.RiskTier = models.RiskTier(tier)
	r.LabelApplied = models.Label(label)
	r.AIReasoning = reasoning
	r.ProcessedAt = processedAt.UTC().Format(time.RFC3339)
	return &r, nil
}
