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

// Package workspace materializes tenant files into per-agent workspace
// directories on the gateway host.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/flyclaw/flyclaw/internal/observability/logger"
)

var (
	ErrPathTraversal     = errors.New("file name escapes workspace")
	ErrInvalidAgentID    = errors.New("invalid agent id")
	ErrWorkspaceMismatch = errors.New("workspace path does not match agent")
	ErrNotFound          = errors.New("workspace not found")
	// ErrAgentNotConfigured rejects a signal for an agent the gateway does
	// not serve, such as one removed by a deactivation.
	ErrAgentNotConfigured = errors.New("agent not configured")
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Signal is the provisioning request sent by the registry.
type Signal struct {
	TenantID  string            `json:"tenant_id"`
	AgentID   string            `json:"agent_id"`
	Workspace string            `json:"workspace"`
	Files     map[string]string `json:"files"`
}

// Agents reports which agents are currently configured.
type Agents interface {
	HasAgent(agentID string) bool
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithAgents makes Provision reject agents that agents does not hold. The
// check and the writes happen under the same per-agent lock as Cleanup, so a
// signal admitted before an agent is removed finishes before its cleanup.
func WithAgents(agents Agents) Option {
	return func(p *Provisioner) {
		p.agents = agents
	}
}

// Provisioner writes workspaces under a single root.
type Provisioner struct {
	root   string
	agents Agents
	locks  agentLocks
}

// NewProvisioner creates a provisioner rooted at root.
func NewProvisioner(root string, opts ...Option) *Provisioner {
	p := &Provisioner{
		root:  filepath.Clean(root),
		locks: agentLocks{held: make(map[string]*agentLock)},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Root returns the workspace root.
func (p *Provisioner) Root() string {
	return p.root
}

// Path returns the workspace directory of an agent. It is derived from the
// agent id only.
func Path(root, agentID string) string {
	return filepath.Join(root, agentID, "workspace")
}

// Path returns the workspace directory of agentID under the provisioner root.
func (p *Provisioner) Path(agentID string) (string, error) {
	if !agentIDPattern.MatchString(agentID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgentID, agentID)
	}
	return Path(p.root, agentID), nil
}

// Provision creates the workspace if needed and writes every file. Names are
// validated before anything is written. Each file is replaced atomically, so
// re-delivering the same signal leaves identical contents.
func (p *Provisioner) Provision(ctx context.Context, sig Signal) (string, error) {
	dir, err := p.Path(sig.AgentID)
	if err != nil {
		return "", err
	}
	if sig.Workspace != "" && filepath.Clean(sig.Workspace) != dir {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceMismatch, sig.Workspace)
	}

	names := make([]string, 0, len(sig.Files))
	for name := range sig.Files {
		if !filepath.IsLocal(name) {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	unlock := p.locks.lock(sig.AgentID)
	defer unlock()

	if p.agents != nil && !p.agents.HasAgent(sig.AgentID) {
		return "", fmt.Errorf("%w: %s", ErrAgentNotConfigured, sig.AgentID)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := writeFileAtomic(filepath.Join(dir, name), []byte(sig.Files[name])); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	slog.InfoContext(ctx, "workspace provisioned",
		logger.Component("workspace"),
		logger.TenantID(sig.TenantID),
		logger.AgentID(sig.AgentID),
		slog.Int("files", len(names)),
	)
	return dir, nil
}

// Exists reports whether the agent's workspace directory is present.
func (p *Provisioner) Exists(agentID string) bool {
	dir, err := p.Path(agentID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Cleanup removes the agent's whole directory tree. Removing an absent
// workspace returns ErrNotFound.
func (p *Provisioner) Cleanup(ctx context.Context, agentID string) error {
	dir, err := p.Path(agentID)
	if err != nil {
		return err
	}
	agentDir := filepath.Dir(dir)

	unlock := p.locks.lock(agentID)
	defer unlock()

	if _, err := os.Stat(agentDir); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err := os.RemoveAll(agentDir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	slog.InfoContext(ctx, "workspace removed",
		logger.Component("workspace"),
		logger.AgentID(agentID),
	)
	return nil
}

// agentLocks serializes writes and removals per agent id.
type agentLocks struct {
	mu   sync.Mutex
	held map[string]*agentLock
}

type agentLock struct {
	sync.Mutex
	refs int
}

func (l *agentLocks) lock(agentID string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.held[agentID]
	if !ok {
		m = &agentLock{}
		l.held[agentID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.held, agentID)
		}
		l.mu.Unlock()
	}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
