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

package reconcile

import (
	"context"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
)

// LocalGateway adapts an in-process config store to the Gateway interface.
type LocalGateway struct {
	Store *agentconfig.Store
}

func (g LocalGateway) Read(ctx context.Context) (*agentconfig.GatewayConfig, error) {
	return g.Store.Read(), nil
}

func (g LocalGateway) MergePatch(ctx context.Context, p agentconfig.Patch) (*agentconfig.GatewayConfig, error) {
	return g.Store.MergePatch(ctx, p)
}

func (g LocalGateway) Replace(ctx context.Context, cfg *agentconfig.GatewayConfig) (*agentconfig.GatewayConfig, error) {
	return g.Store.Replace(ctx, cfg, cfg.Version)
}
