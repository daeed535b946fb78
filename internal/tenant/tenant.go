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

// Package tenant owns the durable tenant registry and the lifecycle
// operations callers use to activate and deactivate tenants.
package tenant

import (
	"time"
)

// Tenant represents one onboarded business
type Tenant struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CredentialRef string `json:"credential_ref,omitempty"`
	ChatIdentity  string `json:"chat_identity"`
	WorkspacePath string `json:"workspace_path"`
	Status        string `json:"status"`
	// WorkspacePending is set while the workspace signal has not been
	// acknowledged by the gateway.
	WorkspacePending bool       `json:"workspace_pending"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the tenant is routable.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// Clone returns a copy that shares no pointers with t.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ActivatedAt != nil {
		at := *t.ActivatedAt
		cp.ActivatedAt = &at
	}
	if t.DeactivatedAt != nil {
		at := *t.DeactivatedAt
		cp.DeactivatedAt = &at
	}
	return &cp
}

// Status constants
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)
