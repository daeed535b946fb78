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

package provisioning

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/flyclaw/flyclaw/internal/workspace"
)

// Outbox persists workspace signals that still need delivery, keyed by
// tenant id.
type Outbox interface {
	Put(ctx context.Context, sig workspace.Signal) error
	Delete(ctx context.Context, tenantID string) error
	List(ctx context.Context) ([]workspace.Signal, error)
}

// MemoryOutbox keeps pending signals in process memory.
type MemoryOutbox struct {
	mu   sync.Mutex
	sigs map[string]workspace.Signal
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{sigs: make(map[string]workspace.Signal)}
}

func (o *MemoryOutbox) Put(ctx context.Context, sig workspace.Signal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sig.Files = maps.Clone(sig.Files)
	o.sigs[sig.TenantID] = sig
	return nil
}

func (o *MemoryOutbox) Delete(ctx context.Context, tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sigs, tenantID)
	return nil
}

func (o *MemoryOutbox) List(ctx context.Context) ([]workspace.Signal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]workspace.Signal, 0, len(o.sigs))
	for _, s := range o.sigs {
		s.Files = maps.Clone(s.Files)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
