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
	"slices"
)

// Merge appends the patch to a copy of c. Existing entries are never
// overwritten: an agent id or identity that is already present is rejected.
// Allowlist identities already present are skipped.
func Merge(c *GatewayConfig, p Patch) (*GatewayConfig, error) {
	next := c.Clone()

	for _, a := range p.Agents {
		if _, exists := next.Agent(a.ID); exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
		}
		next.Agents = append(next.Agents, a.clone())
	}

	for _, b := range p.Bindings {
		if len(next.BindingsFor(b.Identity)) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBinding, b.Identity)
		}
		next.Bindings = append(next.Bindings, b)
	}

	for _, id := range p.AllowFrom {
		if !slices.Contains(next.AllowFrom, id) {
			next.AllowFrom = append(next.AllowFrom, id)
		}
	}

	return next, nil
}
