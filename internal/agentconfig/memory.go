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

package agentconfig

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPersister keeps the document in process memory.
type MemoryPersister struct {
	mu      sync.Mutex
	cfg     *GatewayConfig
	history map[int64]*GatewayConfig
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{history: make(map[int64]*GatewayConfig)}
}

func (m *MemoryPersister) Load(ctx context.Context) (*GatewayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return nil, ErrNoConfig
	}
	return m.cfg.Clone(), nil
}

func (m *MemoryPersister) Save(ctx context.Context, cfg *GatewayConfig, prev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if m.cfg != nil {
		stored = m.cfg.Version
	}
	if stored != prev {
		return fmt.Errorf("%w: stored version %d, expected %d", ErrConflict, stored, prev)
	}
	m.cfg = cfg.Clone()
	m.history[cfg.Version] = cfg.Clone()
	return nil
}

func (m *MemoryPersister) History(ctx context.Context, version int64) (*GatewayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.history[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrNoConfig, version)
	}
	return cfg.Clone(), nil
}

func (m *MemoryPersister) Ping(ctx context.Context) error {
	return nil
}
