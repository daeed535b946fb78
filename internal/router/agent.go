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

package router

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
)

// ErrOutsideWorkspace is returned when an agent addresses a file outside its
// own workspace.
var ErrOutsideWorkspace = errors.New("path outside agent workspace")

// AgentContext is the isolated execution context of one agent.
type AgentContext struct {
	ID        string   `json:"agent_id"`
	Workspace string   `json:"workspace"`
	Model     string   `json:"model,omitempty"`
	Skills    []string `json:"skills,omitempty"`
	allow     []string
	deny      []string
}

func newAgentContext(a agentconfig.AgentEntry) *AgentContext {
	return &AgentContext{
		ID:        a.ID,
		Workspace: filepath.Clean(a.Workspace),
		Model:     a.Model,
		Skills:    slices.Clone(a.Skills),
		allow:     slices.Clone(a.Allow),
		deny:      slices.Clone(a.Deny),
	}
}

// Can reports whether the capability is in the allow-list and not in the
// deny-list. A trailing ".*" matches a capability family; "*" matches all.
func (a *AgentContext) Can(capability string) bool {
	return matchAny(a.allow, capability) && !matchAny(a.deny, capability)
}

func matchAny(patterns []string, capability string) bool {
	for _, p := range patterns {
		switch {
		case p == "*" || p == capability:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(capability, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

// ResolvePath returns the absolute path of rel inside the agent workspace.
func (a *AgentContext) ResolvePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrOutsideWorkspace
	}
	full := filepath.Join(a.Workspace, rel)
	if full != a.Workspace && !strings.HasPrefix(full, a.Workspace+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return full, nil
}
