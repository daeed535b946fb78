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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Profile describes how tenant agents are shaped: the reserved admin agent
// and the skills, capabilities and model every tenant agent receives.
type Profile struct {
	Admin    AgentEntry `koanf:"admin"`
	Skills   []string   `koanf:"skills"`
	Allow    []string   `koanf:"allow"`
	Deny     []string   `koanf:"deny"`
	Model    string     `koanf:"model"`
	SkillDoc string     `koanf:"skill_doc"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() Profile {
	return Profile{
		Admin: AgentEntry{
			ID:    "main",
			Model: "deepseek-r1-distill-llama-70b",
			Allow: []string{"*"},
		},
		Skills: []string{"flyapp"},
		Allow: []string{
			"orders.*",
			"inventory.*",
			"products.*",
			"customers.read",
			"analytics.read",
			"delivery.*",
			"web.search",
		},
		Deny: []string{
			"shell.exec",
			"workspace.escape",
		},
		Model: "deepseek-r1-distill-llama-70b",
	}
}

// LoadProfile reads a YAML profile (if path is set) on top of the defaults,
// then applies FLYCLAW_ environment overrides. FLYCLAW_ADMIN__ID maps to
// admin.id. The admin workspace defaults to <workspaceRoot>/<admin id>/workspace.
func LoadProfile(path, workspaceRoot string) (Profile, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Profile{}, fmt.Errorf("failed to load agent profile %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("FLYCLAW_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "FLYCLAW_")), "__", ".")
	}), nil); err != nil {
		return Profile{}, fmt.Errorf("failed to load agent profile overrides: %w", err)
	}

	p := DefaultProfile()
	if err := k.Unmarshal("", &p); err != nil {
		return Profile{}, fmt.Errorf("failed to decode agent profile: %w", err)
	}

	if p.Admin.ID == "" {
		return Profile{}, fmt.Errorf("agent profile: admin.id is required")
	}
	if p.Admin.Workspace == "" {
		p.Admin.Workspace = filepath.Join(workspaceRoot, p.Admin.ID, "workspace")
	}
	return p, nil
}
