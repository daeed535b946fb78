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
	"errors"
	"fmt"
	"strings"

	"github.com/flyclaw/flyclaw/internal/tenant"
	"github.com/jackc/pgx/v5"
)

// TenantRepository implements tenant.Repository
type TenantRepository struct {
	db *DB
}

var _ tenant.Repository = (*TenantRepository)(nil)

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, name, credential_ref, chat_identity, workspace_path, status,
	workspace_pending, activated_at, deactivated_at, created_at, updated_at`

// Save upserts the full record.
func (r *TenantRepository) Save(ctx context.Context, t *tenant.Tenant) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			credential_ref = EXCLUDED.credential_ref,
			chat_identity = EXCLUDED.chat_identity,
			workspace_path = EXCLUDED.workspace_path,
			status = EXCLUDED.status,
			workspace_pending = EXCLUDED.workspace_pending,
			activated_at = EXCLUDED.activated_at,
			deactivated_at = EXCLUDED.deactivated_at,
			updated_at = EXCLUDED.updated_at
	`,
		t.ID, t.Name, t.CredentialRef, t.ChatIdentity, t.WorkspacePath, t.Status,
		t.WorkspacePending, t.ActivatedAt, t.DeactivatedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by id
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// List returns tenants ordered by id.
func (r *TenantRepository) List(ctx context.Context, filter tenant.ListFilter) ([]*tenant.Tenant, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.WorkspacePending != nil {
		args = append(args, *filter.WorkspacePending)
		where = append(where, fmt.Sprintf("workspace_pending = $%d", len(args)))
	}

	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(
		&t.ID, &t.Name, &t.CredentialRef, &t.ChatIdentity, &t.WorkspacePath, &t.Status,
		&t.WorkspacePending, &t.ActivatedAt, &t.DeactivatedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
