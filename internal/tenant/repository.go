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
)

var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrActivationCancelled = errors.New("activation cancelled")
	ErrInconsistent        = errors.New("gateway changed but tenant record not written")
	ErrIdentityMismatch    = errors.New("tenant already active with a different chat identity")
	ErrInvalidTenant       = errors.New("invalid tenant")
	ErrCleanupFailed       = errors.New("workspace cleanup failed")
)

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Status           string
	WorkspacePending *bool
	Limit            int
	Offset           int
}

// Repository defines the interface for tenant storage
type Repository interface {
	// Save inserts or fully updates the record.
	Save(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context, filter ListFilter) ([]*Tenant, error)
}
