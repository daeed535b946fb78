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

package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// DeactivateOptions controls the deactivation sequence.
type DeactivateOptions struct {
	// Cleanup also removes the workspace files on the gateway.
	Cleanup bool
	// Record is false for tenants the registry has never stored.
	Record bool
}

// Lifecycle runs the cross-service steps of a transition and writes the
// record once the gateway side is confirmed.
type Lifecycle interface {
	Activate(ctx context.Context, t *Tenant) (*Tenant, error)
	Deactivate(ctx context.Context, t *Tenant, opts DeactivateOptions) (*Tenant, error)
}

// Service provides tenant lifecycle business logic
type Service struct {
	repo        Repository
	lifecycle   Lifecycle
	auditLogger audit.Logger
	locks       keyedMutex
	now         func() time.Time
}

// NewService creates a new tenant service
func NewService(repo Repository, lifecycle Lifecycle, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		lifecycle:   lifecycle,
		auditLogger: auditLogger,
		locks:       keyedMutex{locks: make(map[string]*refMutex)},
		now:         time.Now,
	}
}

// Activate onboards a tenant. Repeating an activation with the same chat
// identity returns the current record; a different identity is rejected as
// a duplicate agent.
func (s *Service) Activate(ctx context.Context, id, name, chatIdentity string) (*Tenant, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: tenant id %q", ErrInvalidTenant, id)
	}
	if chatIdentity == "" {
		return nil, fmt.Errorf("%w: chat identity is required", ErrInvalidTenant)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	existing, err := s.repo.GetByID(ctx, id)
	switch {
	case errors.Is(err, ErrTenantNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}

	if existing != nil && existing.Active() {
		if existing.ChatIdentity == chatIdentity {
			slog.InfoContext(ctx, "tenant already active",
				logger.Component("tenant"),
				logger.TenantID(id),
			)
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %w", agentconfig.ErrDuplicateAgent, ErrIdentityMismatch)
	}

	now := s.now().UTC()
	candidate := &Tenant{
		ID:           id,
		Name:         name,
		ChatIdentity: chatIdentity,
		Status:       StatusInactive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing != nil {
		candidate.CreatedAt = existing.CreatedAt
		if name == "" {
			candidate.Name = existing.Name
		}
	}

	return s.lifecycle.Activate(ctx, candidate)
}

// Deactivate removes the tenant from the gateway and marks it inactive.
// Unknown tenants get a no-op reconcile and an unsaved inactive record.
func (s *Service) Deactivate(ctx context.Context, id string, cleanup bool) (*Tenant, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	existing, err := s.repo.GetByID(ctx, id)
	switch {
	case errors.Is(err, ErrTenantNotFound):
		return s.lifecycle.Deactivate(ctx, &Tenant{ID: id, Status: StatusInactive}, DeactivateOptions{Cleanup: cleanup})
	case err != nil:
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}

	return s.lifecycle.Deactivate(ctx, existing, DeactivateOptions{Cleanup: cleanup, Record: true})
}

// Status returns the stored record.
func (s *Service) Status(ctx context.Context, id string) (*Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns tenants matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Tenant, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}

// ClearWorkspacePending records that the gateway acknowledged the workspace
// signal. A tenant deactivated in the meantime is left alone.
func (s *Service) ClearWorkspacePending(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !t.WorkspacePending || !t.Active() {
		return nil
	}

	t.WorkspacePending = false
	t.UpdatedAt = s.now().UTC()
	if err := s.repo.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to clear workspace pending: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeWorkspaceProvisioned,
		TenantID: id,
		Resource: t.WorkspacePath,
		Result:   "success",
	})
	return nil
}

// keyedMutex serializes operations per tenant id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
