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

// Package sqlite persists the gateway config as a single versioned document.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
)

// ConfigStore implements agentconfig.Persister on SQLite.
type ConfigStore struct {
	db *sql.DB
}

var (
	_ agentconfig.Persister     = (*ConfigStore)(nil)
	_ agentconfig.HistoryReader = (*ConfigStore)(nil)
)

// New opens (or creates) the database at path.
func New(path string) (*ConfigStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the version check below relies on it
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &ConfigStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *ConfigStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gateway_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_config_history (
			version INTEGER PRIMARY KEY,
			document TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *ConfigStore) Close() error {
	return s.db.Close()
}

func (s *ConfigStore) Load(ctx context.Context) (*agentconfig.GatewayConfig, error) {
	var (
		version int64
		doc     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, document FROM gateway_config WHERE id = 1`,
	).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agentconfig.ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg agentconfig.GatewayConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	cfg.Version = version
	return &cfg, nil
}

func (s *ConfigStore) Save(ctx context.Context, cfg *agentconfig.GatewayConfig, prev int64) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config document: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if prev == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO gateway_config (id, version, document, updated_at) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			cfg.Version, string(doc), now)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE gateway_config SET version = ?, document = ?, updated_at = ?
			 WHERE id = 1 AND version = ?`,
			cfg.Version, string(doc), now, prev)
	}
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: stored version is not %d", agentconfig.ErrConflict, prev)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO gateway_config_history (version, document, created_at) VALUES (?, ?, ?)`,
		cfg.Version, string(doc), now); err != nil {
		return fmt.Errorf("failed to append config history: %w", err)
	}

	return tx.Commit()
}

// History returns the stored document for a past version.
func (s *ConfigStore) History(ctx context.Context, version int64) (*agentconfig.GatewayConfig, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM gateway_config_history WHERE version = ?`, version,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d", agentconfig.ErrNoConfig, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config history: %w", err)
	}
	var cfg agentconfig.GatewayConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	return &cfg, nil
}

func (s *ConfigStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
