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

package gatewayclient

import (
	"errors"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/workspace"
)

// Error codes carried in gateway error bodies.
const (
	CodeDuplicateAgent     = "duplicate_agent"
	CodeDuplicateBinding   = "duplicate_binding"
	CodeConflict           = "conflict"
	CodeInvariantViolation = "invariant_violation"
	CodePathTraversal      = "path_traversal"
	CodeInvalidAgent       = "invalid_agent"
	CodeWorkspaceMismatch  = "workspace_mismatch"
	CodeAgentNotConfigured = "agent_not_configured"
	CodeNotFound           = "not_found"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal"
)

// ErrorBody is the JSON body of every gateway error response.
type ErrorBody struct {
	Error      string   `json:"error"`
	Code       string   `json:"code,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// AgentStatus reports whether an agent is routable and provisioned.
type AgentStatus struct {
	AgentID         string   `json:"agent_id"`
	Configured      bool     `json:"configured"`
	Identities      []string `json:"identities"`
	Routable        bool     `json:"routable"`
	WorkspaceExists bool     `json:"workspace_exists"`
	ConfigVersion   int64    `json:"config_version"`
}

var codeErrors = map[string]error{
	CodeDuplicateAgent:     agentconfig.ErrDuplicateAgent,
	CodeDuplicateBinding:   agentconfig.ErrDuplicateBinding,
	CodeConflict:           agentconfig.ErrConflict,
	CodeInvariantViolation: agentconfig.ErrInvariantViolation,
	CodePathTraversal:      workspace.ErrPathTraversal,
	CodeInvalidAgent:       workspace.ErrInvalidAgentID,
	CodeWorkspaceMismatch:  workspace.ErrWorkspaceMismatch,
	CodeAgentNotConfigured: workspace.ErrAgentNotConfigured,
	CodeNotFound:           ErrNotFound,
	CodeUnauthorized:       ErrUnauthorized,
}

// CodeFor returns the wire code of a domain error.
func CodeFor(err error) string {
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code
		}
	}
	return CodeInternal
}
