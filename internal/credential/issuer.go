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

package credential

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const issuerName = "flyclaw-registry"

// Claims are the JWT claims of a tenant credential.
type Claims struct {
	TenantID     string   `json:"tid"`
	Capabilities []string `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs tenant credentials with a per-tenant key derived from one
// master secret.
type Issuer struct {
	secret      []byte
	ttl         time.Duration
	repo        Repository
	auditLogger audit.Logger
	now         func() time.Time
}

// NewIssuer creates a credential issuer.
func NewIssuer(secret []byte, ttl time.Duration, repo Repository, auditLogger audit.Logger) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("credential signing secret must be at least 32 bytes")
	}
	return &Issuer{
		secret:      secret,
		ttl:         ttl,
		repo:        repo,
		auditLogger: auditLogger,
		now:         time.Now,
	}, nil
}

func (i *Issuer) tenantKey(tenantID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, i.secret, nil, []byte("flyclaw-credential:"+tenantID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive tenant key: %w", err)
	}
	return key, nil
}

// Issue signs and records a new credential for the tenant.
func (i *Issuer) Issue(ctx context.Context, tenantID string, capabilities []string) (*Issued, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential id: %w", err)
	}

	now := i.now().UTC().Truncate(time.Second)
	cred := Credential{
		ID:           id.String(),
		TenantID:     tenantID,
		Capabilities: slices.Clone(capabilities),
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.ttl),
	}

	key, err := i.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID:     tenantID,
		Capabilities: cred.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID,
			Issuer:    issuerName,
			Subject:   "client-" + tenantID,
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}

	if err := i.repo.Create(ctx, &cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	i.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCredentialIssued,
		TenantID: tenantID,
		Resource: cred.ID,
		Result:   "success",
	})

	return &Issued{Credential: cred, Token: signed}, nil
}

// Revoke marks a credential revoked. Revoking twice is not an error.
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	cred, err := i.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cred.Revoked() {
		return nil
	}
	if err := i.repo.Revoke(ctx, id, i.now().UTC()); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	i.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCredentialRevoked,
		TenantID: cred.TenantID,
		Resource: id,
		Result:   "success",
	})
	return nil
}

// Verify checks the token signature, expiry and revocation state.
func (i *Issuer) Verify(ctx context.Context, token string) (*Credential, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok || c.TenantID == "" {
			return nil, ErrInvalidToken
		}
		return i.tenantKey(c.TenantID)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	cred, err := i.repo.GetByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if cred.TenantID != claims.TenantID {
		return nil, ErrInvalidToken
	}
	if cred.Revoked() {
		return nil, ErrCredentialRevoked
	}
	return cred, nil
}
