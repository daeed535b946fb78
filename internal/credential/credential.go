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

// Package credential issues and revokes the shop API credentials handed to
// tenant agents.
package credential

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialRevoked  = errors.New("credential revoked")
	ErrInvalidToken       = errors.New("invalid credential token")
)

// Credential is the registry's record of an issued token. The token itself
// is never stored.
type Credential struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Capabilities []string   `json:"capabilities"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the credential has been revoked.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// Issued pairs the stored record with the signed token returned once to the
// caller.
type Issued struct {
	Credential
	Token string `json:"-"`
}

// Repository defines the interface for credential storage
type Repository interface {
	Create(ctx context.Context, c *Credential) error
	GetByID(ctx context.Context, id string) (*Credential, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}
