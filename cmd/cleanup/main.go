// Copyright 2026 The Flyclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cleanup removes the workspace of a deactivated tenant. It refuses
// while the tenant's agent is still in the gateway config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flyclaw/flyclaw/internal/config"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/reconcile"
	"github.com/flyclaw/flyclaw/internal/workspace"
)

func main() {
	config.LoadEnvFiles()

	gatewayURL := flag.String("gateway", envOr("GATEWAY_URL", "http://localhost:18789"), "gateway base URL")
	local := flag.String("local", "", "remove from this workspace root directly instead of asking the gateway")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cleanup [-gateway url | -local root] <tenant-id>")
		os.Exit(2)
	}
	agentID := reconcile.AgentID(flag.Arg(0))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *gatewayURL, *local, agentID); err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed workspace of %s\n", agentID)
}

func run(ctx context.Context, gatewayURL, local, agentID string) error {
	if local != "" {
		return workspace.NewProvisioner(local).Cleanup(ctx, agentID)
	}

	token := os.Getenv("GATEWAY_TOKEN")
	if token == "" {
		return errors.New("GATEWAY_TOKEN is required")
	}
	client := gatewayclient.New(gatewayURL, token, 0)

	st, err := client.AgentStatus(ctx, agentID)
	switch {
	case errors.Is(err, gatewayclient.ErrNotFound):
	case err != nil:
		return err
	case st.Configured || len(st.Identities) > 0:
		return fmt.Errorf("%s is still configured on the gateway; deactivate the tenant first", agentID)
	}
	return client.CleanupWorkspace(ctx, agentID)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
