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

// Package agentconfig holds the gateway's routing and capability configuration:
// the agent list, the identity bindings and the allowlist, kept as a single
// versioned document.
package agentconfig

import (
	"slices"
)

// AgentEntry is one agent the gateway can route to.
type AgentEntry struct {
	ID        string   `json:"id" koanf:"id"`
	Workspace string   `json:"workspace" koanf:"workspace"`
	Skills    []string `json:"skills,omitempty" koanf:"skills"`
	Allow     []string `json:"allow,omitempty" koanf:"allow"`
	Deny      []string `json:"deny,omitempty" koanf:"deny"`
	Model     string   `json:"model,omitempty" koanf:"model"`
}

// Equal reports whether two entries describe the same agent.
func (a AgentEntry) Equal(b AgentEntry) bool {
	return a.ID == b.ID &&
		a.Workspace == b.Workspace &&
		a.Model == b.Model &&
		slices.Equal(a.Skills, b.Skills) &&
		slices.Equal(a.Allow, b.Allow) &&
		slices.Equal(a.Deny, b.Deny)
}

func (a AgentEntry) clone() AgentEntry {
	a.Skills = slices.Clone(a.Skills)
	a.Allow = slices.Clone(a.Allow)
	a.Deny = slices.Clone(a.Deny)
	return a
}

// Binding maps a chat-transport identity to an agent.
type Binding struct {
	Identity string `json:"identity"`
	AgentID  string `json:"agent_id"`
}

// GatewayConfig is the aggregate the message router reads.
type GatewayConfig struct {
	Version   int64        `json:"version"`
	Agents    []AgentEntry `json:"agents"`
	Bindings  []Binding    `json:"bindings"`
	AllowFrom []string     `json:"allow_from"`
}

// Patch is the payload of a merge: entries appended to the current config.
type Patch struct {
	Agents    []AgentEntry `json:"agents,omitempty"`
	Bindings  []Binding    `json:"bindings,omitempty"`
	AllowFrom []string     `json:"allow_from,omitempty"`
}

// Clone returns a deep copy.
func (c *GatewayConfig) Clone() *GatewayConfig {
	if c == nil {
		return nil
	}
	out := &GatewayConfig{
		Version:   c.Version,
		Agents:    make([]AgentEntry, 0, len(c.Agents)),
		Bindings:  slices.Clone(c.Bindings),
		AllowFrom: slices.Clone(c.AllowFrom),
	}
	for _, a := range c.Agents {
		out.Agents = append(out.Agents, a.clone())
	}
	if out.Bindings == nil {
		out.Bindings = []Binding{}
	}
	if out.AllowFrom == nil {
		out.AllowFrom = []string{}
	}
	return out
}

// Agent returns the entry with the given id.
func (c *GatewayConfig) Agent(id string) (AgentEntry, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentEntry{}, false
}

// BindingsFor returns every binding whose identity matches.
func (c *GatewayConfig) BindingsFor(identity string) []Binding {
	var out []Binding
	for _, b := range c.Bindings {
		if b.Identity == identity {
			out = append(out, b)
		}
	}
	return out
}

// BindingsTo returns every binding that targets the agent.
func (c *GatewayConfig) BindingsTo(agentID string) []Binding {
	var out []Binding
	for _, b := range c.Bindings {
		if b.AgentID == agentID {
			out = append(out, b)
		}
	}
	return out
}

// Allowed reports whether the identity is on the allowlist.
func (c *GatewayConfig) Allowed(identity string) bool {
	return slices.Contains(c.AllowFrom, identity)
}
