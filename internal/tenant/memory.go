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
	"sort"
	"sync"
)

// MemoryRepository keeps tenants in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tenants: make(map[string]*Tenant)}
}

func (r *MemoryRepository) Save(ctx context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tenant
	for _, t := range r.tenants {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.WorkspacePending != nil && t.WorkspacePending != *filter.WorkspacePending {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if filter.Offset >= len(out) {
		return []*Tenant{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}
