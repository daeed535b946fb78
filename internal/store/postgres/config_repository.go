// Copyright 2026 The Flyclaw Authors
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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/jackc/pgx/v5"
)

// ConfigRepository implements agentconfig.Persister
type ConfigRepository struct {
	db *DB
}

var (
	_ agentconfig.Persister     = (*ConfigRepository)(nil)
	_ agentconfig.HistoryReader = (*ConfigRepository)(nil)
)

// NewConfigRepository creates a new gateway config repository
func NewConfigRepository(db *DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

func (r *ConfigRepository) Load(ctx context.Context) (*agentconfig.GatewayConfig, error) {
	var (
		version int64
		doc     []byte
	)
	err := r.db.pool.QueryRow(ctx, `SELECT version, document FROM gateway_config WHERE id = 1`).Scan(&version, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agentconfig.ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	var cfg agentconfig.GatewayConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	cfg.Version = version
	return &cfg, nil
}

// Save writes the document when the stored version equals prev.
func (r *ConfigRepository) Save(ctx context.Context, cfg *agentconfig.GatewayConfig, prev int64) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config document: %w", err)
	}

	return pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		var sql string
		args := []any{cfg.Version, doc}
		if prev == 0 {
			sql = `INSERT INTO gateway_config (id, version, document, updated_at)
				VALUES (1, $1, $2, NOW()) ON CONFLICT (id) DO NOTHING`
		} else {
			sql = `UPDATE gateway_config SET version = $1, document = $2, updated_at = NOW()
				WHERE id = 1 AND version = $3`
			args = append(args, prev)
		}
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: stored version is not %d", agentconfig.ErrConflict, prev)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO gateway_config_history (version, document, created_at) VALUES ($1, $2, NOW())
			ON CONFLICT (version) DO UPDATE SET document = EXCLUDED.document
		`, cfg.Version, doc); err != nil {
			return fmt.Errorf("failed to append config history: %w", err)
		}
		return nil
	})
}

// History returns the document committed at version.
func (r *ConfigRepository) History(ctx context.Context, version int64) (*agentconfig.GatewayConfig, error) {
	var doc []byte
	err := r.db.pool.QueryRow(ctx, `SELECT document FROM gateway_config_history WHERE version = $1`, version).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d", agentconfig.ErrNoConfig, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config history: %w", err)
	}
	var cfg agentconfig.GatewayConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	cfg.Version = version
	return &cfg, nil
}

func (r *ConfigRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
