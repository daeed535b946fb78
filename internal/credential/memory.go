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
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps credentials in process memory.
type MemoryRepository struct {
	mu    sync.Mutex
	creds map[string]Credential
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[string]Credential)}
}

func (r *MemoryRepository) Create(ctx context.Context, c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	cp.Capabilities = slices.Clone(c.Capabilities)
	r.creds[c.ID] = cp
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	c.Capabilities = slices.Clone(c.Capabilities)
	return &c, nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return ErrCredentialNotFound
	}
	c.RevokedAt = &at
	r.creds[id] = c
	return nil
}
