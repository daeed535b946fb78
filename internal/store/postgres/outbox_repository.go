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
	"fmt"

	"github.com/flyclaw/flyclaw/internal/workspace"
)

// SignalOutbox stores undelivered workspace signals, one per tenant.
type SignalOutbox struct {
	db *DB
}

// NewSignalOutbox creates a new outbox
func NewSignalOutbox(db *DB) *SignalOutbox {
	return &SignalOutbox{db: db}
}

func (o *SignalOutbox) Put(ctx context.Context, sig workspace.Signal) error {
	files, err := json.Marshal(sig.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal signal files: %w", err)
	}
	_, err = o.db.pool.Exec(ctx, `
		INSERT INTO workspace_signals (tenant_id, agent_id, workspace, files, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			workspace = EXCLUDED.workspace,
			files = EXCLUDED.files,
			created_at = EXCLUDED.created_at
	`, sig.TenantID, sig.AgentID, sig.Workspace, files)
	if err != nil {
		return fmt.Errorf("failed to store signal: %w", err)
	}
	return nil
}

func (o *SignalOutbox) Delete(ctx context.Context, tenantID string) error {
	if _, err := o.db.pool.Exec(ctx, `DELETE FROM workspace_signals WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete signal: %w", err)
	}
	return nil
}

func (o *SignalOutbox) List(ctx context.Context) ([]workspace.Signal, error) {
	rows, err := o.db.pool.Query(ctx, `
		SELECT tenant_id, agent_id, workspace, files FROM workspace_signals ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []workspace.Signal
	for rows.Next() {
		var (
			sig   workspace.Signal
			files []byte
		)
		if err := rows.Scan(&sig.TenantID, &sig.AgentID, &sig.Workspace, &files); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		if err := json.Unmarshal(files, &sig.Files); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal files: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
