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
	"time"

	"github.com/flyclaw/flyclaw/internal/credential"
	"github.com/jackc/pgx/v5"
)

// CredentialRepository implements credential.Repository
type CredentialRepository struct {
	db *DB
}

var _ credential.Repository = (*CredentialRepository)(nil)

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create stores a newly issued credential
func (r *CredentialRepository) Create(ctx context.Context, c *credential.Credential) error {
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO credentials (id, tenant_id, capabilities, issued_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.TenantID, caps, c.IssuedAt, c.ExpiresAt, c.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetByID retrieves a credential by id
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*credential.Credential, error) {
	var (
		c    credential.Credential
		caps []byte
	)
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, tenant_id, capabilities, issued_at, expires_at, revoked_at
		FROM credentials WHERE id = $1
	`, id).Scan(&c.ID, &c.TenantID, &caps, &c.IssuedAt, &c.ExpiresAt, &c.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credential.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if err := json.Unmarshal(caps, &c.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	return &c, nil
}

// Revoke marks the credential revoked. Revoking twice keeps the first time.
func (r *CredentialRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE credentials SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrCredentialNotFound
	}
	return nil
}
