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
)

// Validate checks every invariant of the aggregate. adminID names the reserved
// administrative agent, which must always be present.
func Validate(c *GatewayConfig, adminID string) error {
	var violations []string

	agents := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			violations = append(violations, "agent with empty id")
			continue
		}
		if _, dup := agents[a.ID]; dup {
			violations = append(violations, fmt.Sprintf("agent %q appears more than once", a.ID))
		}
		agents[a.ID] = struct{}{}
	}
	if _, ok := agents[adminID]; !ok {
		violations = append(violations, fmt.Sprintf("reserved agent %q is missing", adminID))
	}

	bound := make(map[string]struct{}, len(c.Bindings))
	for _, b := range c.Bindings {
		if _, dup := bound[b.Identity]; dup {
			violations = append(violations, fmt.Sprintf("identity %q has more than one binding", b.Identity))
		}
		bound[b.Identity] = struct{}{}
		if _, ok := agents[b.AgentID]; !ok {
			violations = append(violations, fmt.Sprintf("binding %q references unknown agent %q", b.Identity, b.AgentID))
		}
	}

	allowed := make(map[string]struct{}, len(c.AllowFrom))
	for _, id := range c.AllowFrom {
		if _, dup := allowed[id]; dup {
			violations = append(violations, fmt.Sprintf("identity %q listed twice in allowlist", id))
		}
		allowed[id] = struct{}{}
		if _, ok := bound[id]; !ok {
			violations = append(violations, fmt.Sprintf("allowlisted identity %q has no binding", id))
		}
	}
	for id := range bound {
		if _, ok := allowed[id]; !ok {
			violations = append(violations, fmt.Sprintf("bound identity %q is not allowlisted", id))
		}
	}

	if len(violations) > 0 {
		return &InvariantError{Violations: violations}
	}
	return nil
}
