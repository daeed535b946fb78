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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flyclaw/flyclaw/internal/observability/logger"
)

// Persister stores the config document durably.
type Persister interface {
	// Load returns the stored document, or ErrNoConfig.
	Load(ctx context.Context) (*GatewayConfig, error)
	// Save writes cfg only if the stored version still equals prev,
	// otherwise it returns ErrConflict.
	Save(ctx context.Context, cfg *GatewayConfig, prev int64) error
	Ping(ctx context.Context) error
}

// HistoryReader is implemented by persisters that keep every committed
// version.
type HistoryReader interface {
	History(ctx context.Context, version int64) (*GatewayConfig, error)
}

// Store is the sole mutator of the gateway config. Writes are serialized and
// persisted before they become visible.
type Store struct {
	mu        sync.RWMutex
	current   *GatewayConfig
	persister Persister
	adminID   string

	subsMu sync.RWMutex
	subs   []func(*GatewayConfig)
}

// NewStore loads the stored document, seeding it with the reserved admin
// agent on first start.
func NewStore(ctx context.Context, p Persister, admin AgentEntry) (*Store, error) {
	if admin.ID == "" {
		return nil, fmt.Errorf("reserved admin agent id is required")
	}

	cfg, err := p.Load(ctx)
	switch {
	case errors.Is(err, ErrNoConfig):
		cfg = &GatewayConfig{
			Version:   1,
			Agents:    []AgentEntry{admin.clone()},
			Bindings:  []Binding{},
			AllowFrom: []string{},
		}
		if err := p.Save(ctx, cfg, 0); err != nil {
			return nil, fmt.Errorf("failed to seed gateway config: %w", err)
		}
		slog.InfoContext(ctx, "seeded gateway config",
			logger.Component("agentconfig"),
			logger.AgentID(admin.ID),
		)
	case err != nil:
		return nil, fmt.Errorf("failed to load gateway config: %w", err)
	}

	if err := Validate(cfg, admin.ID); err != nil {
		return nil, fmt.Errorf("stored gateway config is invalid: %w", err)
	}

	return &Store{
		current:   cfg,
		persister: p,
		adminID:   admin.ID,
	}, nil
}

// AdminID returns the reserved agent id.
func (s *Store) AdminID() string {
	return s.adminID
}

// Read returns a snapshot of the current config.
func (s *Store) Read() *GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// History returns the config as committed at version. It returns ErrNoConfig
// when that version is unknown or the persister keeps no history.
func (s *Store) History(ctx context.Context, version int64) (*GatewayConfig, error) {
	hr, ok := s.persister.(HistoryReader)
	if !ok {
		return nil, fmt.Errorf("%w: history is not kept", ErrNoConfig)
	}
	cfg, err := hr.History(ctx, version)
	if err != nil {
		return nil, err
	}
	cfg.Version = version
	return cfg, nil
}

// HasAgent reports whether the current config holds agentID.
func (s *Store) HasAgent(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.current.Agent(agentID)
	return ok
}

// mergeAttempts bounds re-merging after another writer sharing the
// persister committed first.
const mergeAttempts = 3

// MergePatch appends the patch to whatever version is current under the
// writer lock. If the persister reports a newer document, the store reloads
// it and merges again.
func (s *Store) MergePatch(ctx context.Context, p Patch) (*GatewayConfig, error) {
	s.mu.Lock()
	var err error
	reloaded := false
	for attempt := 1; attempt <= mergeAttempts; attempt++ {
		var next *GatewayConfig
		next, err = Merge(s.current, p)
		if err == nil {
			err = s.commitLocked(ctx, next)
		}
		if !errors.Is(err, ErrConflict) || !s.reloadLocked(ctx) {
			break
		}
		reloaded = true
	}
	snapshot := s.current.Clone()
	s.mu.Unlock()

	if err != nil {
		if reloaded {
			s.notify(snapshot)
		}
		return nil, err
	}
	s.notify(snapshot)
	return snapshot, nil
}

// Replace overwrites the config. expected is the version the caller read;
// a mismatch means a concurrent writer got in first.
func (s *Store) Replace(ctx context.Context, cfg *GatewayConfig, expected int64) (*GatewayConfig, error) {
	s.mu.Lock()
	var err error
	reloaded := false
	if expected != s.current.Version {
		err = fmt.Errorf("%w: expected version %d, current is %d", ErrConflict, expected, s.current.Version)
	} else {
		err = s.commitLocked(ctx, cfg.Clone())
		reloaded = errors.Is(err, ErrConflict) && s.reloadLocked(ctx)
	}
	snapshot := s.current.Clone()
	s.mu.Unlock()

	if err != nil {
		if reloaded {
			s.notify(snapshot)
		}
		if errors.Is(err, ErrInvariantViolation) {
			slog.ErrorContext(ctx, "rejected config replace",
				logger.Component("agentconfig"),
				logger.Operation("replace"),
				logger.Error(err),
			)
		}
		return nil, err
	}
	s.notify(snapshot)
	return snapshot, nil
}

func (s *Store) commitLocked(ctx context.Context, next *GatewayConfig) error {
	if err := Validate(next, s.adminID); err != nil {
		return err
	}
	prev := s.current.Version
	next.Version = prev + 1
	if err := s.persister.Save(ctx, next, prev); err != nil {
		return fmt.Errorf("failed to persist gateway config: %w", err)
	}
	s.current = next
	return nil
}

// reloadLocked replaces the current document with the persisted one after a
// Save conflict. It reports whether a newer valid document was loaded.
func (s *Store) reloadLocked(ctx context.Context) bool {
	fresh, err := s.persister.Load(ctx)
	if err == nil {
		err = Validate(fresh, s.adminID)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to reload gateway config after conflict",
			logger.Component("agentconfig"),
			logger.Error(err),
		)
		return false
	}
	if fresh.Version <= s.current.Version {
		return false
	}
	slog.WarnContext(ctx, "gateway config changed by another writer, reloaded",
		logger.Component("agentconfig"),
		logger.Version(fresh.Version),
		slog.Int64("stale_version", s.current.Version),
	)
	s.current = fresh
	return true
}

// Subscribe registers fn to be called with every committed config.
func (s *Store) Subscribe(fn func(*GatewayConfig)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(cfg *GatewayConfig) {
	s.subsMu.RLock()
	subs := s.subs
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(cfg.Clone())
	}
}

// Healthy reports whether the backing storage is reachable.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.persister.Ping(ctx) == nil
}
