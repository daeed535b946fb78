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

// Package reconcile turns tenant lifecycle transitions into calls against
// the gateway config: a single merge to add a tenant's projection, and an
// optimistic read-filter-replace loop to remove it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/observability/metrics"
	"github.com/flyclaw/flyclaw/internal/observability/tracing"
	"github.com/flyclaw/flyclaw/internal/tenant"
	"github.com/flyclaw/flyclaw/internal/workspace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxAttempts bounds the read-filter-replace loop.
const DefaultMaxAttempts = 3

// ErrOutcomeUnknown means a merge failed in a way that does not say whether
// the gateway applied it, and a follow-up read did not find the projection.
// The gateway may still route the tenant.
var ErrOutcomeUnknown = errors.New("merge outcome unknown")

// Gateway is the config surface of the gateway. Replace uses cfg.Version as
// the expected version.
type Gateway interface {
	Read(ctx context.Context) (*agentconfig.GatewayConfig, error)
	MergePatch(ctx context.Context, p agentconfig.Patch) (*agentconfig.GatewayConfig, error)
	Replace(ctx context.Context, cfg *agentconfig.GatewayConfig) (*agentconfig.GatewayConfig, error)
}

// AgentID derives the agent identifier of a tenant.
func AgentID(tenantID string) string {
	return "client-" + tenantID
}

// Reconciler computes and applies gateway config changes.
type Reconciler struct {
	gw            Gateway
	profile       agentconfig.Profile
	workspaceRoot string
	maxAttempts   int
	metrics       *metrics.Instruments
	tracer        trace.Tracer
}

// New creates a reconciler. maxAttempts <= 0 uses DefaultMaxAttempts.
func New(gw Gateway, profile agentconfig.Profile, workspaceRoot string, maxAttempts int, instruments *metrics.Instruments) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if instruments == nil {
		instruments = metrics.NoopInstruments()
	}
	return &Reconciler{
		gw:            gw,
		profile:       profile,
		workspaceRoot: workspaceRoot,
		maxAttempts:   maxAttempts,
		metrics:       instruments,
		tracer:        tracing.Named("reconcile"),
	}
}

// WorkspacePath returns the gateway-side workspace of a tenant's agent.
func (r *Reconciler) WorkspacePath(tenantID string) string {
	return workspace.Path(r.workspaceRoot, AgentID(tenantID))
}

// Entry builds the agent entry for a tenant.
func (r *Reconciler) Entry(t *tenant.Tenant) agentconfig.AgentEntry {
	return agentconfig.AgentEntry{
		ID:        AgentID(t.ID),
		Workspace: r.WorkspacePath(t.ID),
		Skills:    slices.Clone(r.profile.Skills),
		Allow:     slices.Clone(r.profile.Allow),
		Deny:      slices.Clone(r.profile.Deny),
		Model:     r.profile.Model,
	}
}

// Project builds the tenant's full projection: one agent, one binding and
// one allowlist entry.
func (r *Reconciler) Project(t *tenant.Tenant) agentconfig.Patch {
	entry := r.Entry(t)
	return agentconfig.Patch{
		Agents:    []agentconfig.AgentEntry{entry},
		Bindings:  []agentconfig.Binding{{Identity: t.ChatIdentity, AgentID: entry.ID}},
		AllowFrom: []string{t.ChatIdentity},
	}
}

// ReconcileActivation adds the tenant's projection with one merge. A
// duplicate is accepted only when the gateway already holds exactly the
// desired projection.
func (r *Reconciler) ReconcileActivation(ctx context.Context, t *tenant.Tenant) (*agentconfig.GatewayConfig, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.activation", trace.WithAttributes(attribute.String("tenant.id", t.ID)))
	defer span.End()

	if t.ChatIdentity == "" {
		return nil, fmt.Errorf("%w: chat identity is required", tenant.ErrInvalidTenant)
	}

	patch := r.Project(t)
	cfg, err := r.gw.MergePatch(ctx, patch)
	if err == nil {
		slog.InfoContext(ctx, "tenant projection merged",
			logger.Component("reconcile"),
			logger.TenantID(t.ID),
			logger.AgentID(patch.Agents[0].ID),
			logger.Version(cfg.Version),
		)
		return cfg, nil
	}

	duplicate := errors.Is(err, agentconfig.ErrDuplicateAgent) || errors.Is(err, agentconfig.ErrDuplicateBinding)
	rejected := mergeRejected(err)
	if duplicate || !rejected {
		current, readErr := r.gw.Read(ctx)
		if readErr == nil && hasProjection(current, patch) {
			slog.InfoContext(ctx, "tenant projection already present",
				logger.Component("reconcile"),
				logger.TenantID(t.ID),
				logger.Version(current.Version),
				logger.Error(err),
			)
			return current, nil
		}
		if !rejected {
			span.RecordError(err)
			span.SetStatus(codes.Error, "merge outcome unknown")
			if readErr != nil {
				return nil, fmt.Errorf("%w: merge tenant projection: %w (read back: %v)", ErrOutcomeUnknown, err, readErr)
			}
			return nil, fmt.Errorf("%w: merge tenant projection: %w", ErrOutcomeUnknown, err)
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "merge failed")
	return nil, fmt.Errorf("merge tenant projection: %w", err)
}

// mergeRejected reports whether err proves the gateway did not apply a
// merge. Transport failures, timeouts and 5xx responses do not.
func mergeRejected(err error) bool {
	var se *gatewayclient.StatusError
	if errors.As(err, &se) {
		return se.Status < 500
	}
	for _, target := range []error{
		agentconfig.ErrDuplicateAgent,
		agentconfig.ErrDuplicateBinding,
		agentconfig.ErrInvariantViolation,
		agentconfig.ErrConflict,
		gatewayclient.ErrUnauthorized,
		tenant.ErrInvalidTenant,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func hasProjection(cfg *agentconfig.GatewayConfig, p agentconfig.Patch) bool {
	for _, want := range p.Agents {
		got, ok := cfg.Agent(want.ID)
		if !ok || !got.Equal(want) {
			return false
		}
	}
	for _, b := range p.Bindings {
		bound := cfg.BindingsFor(b.Identity)
		if len(bound) != 1 || bound[0] != b {
			return false
		}
	}
	for _, id := range p.AllowFrom {
		if !cfg.Allowed(id) {
			return false
		}
	}
	return true
}

// Filter returns a copy of cfg without the agent, its bindings and the
// allowlist identities those bindings covered. Identities still bound to
// another agent stay allowlisted. changed is false when cfg held nothing of
// the agent.
func Filter(cfg *agentconfig.GatewayConfig, agentID string, identities ...string) (out *agentconfig.GatewayConfig, changed bool) {
	out = cfg.Clone()

	released := make(map[string]struct{})
	for _, id := range identities {
		if id != "" {
			released[id] = struct{}{}
		}
	}

	agents := out.Agents[:0]
	for _, a := range out.Agents {
		if a.ID == agentID {
			changed = true
			continue
		}
		agents = append(agents, a)
	}
	out.Agents = agents

	bindings := out.Bindings[:0]
	stillBound := make(map[string]struct{}, len(out.Bindings))
	for _, b := range out.Bindings {
		if b.AgentID == agentID {
			released[b.Identity] = struct{}{}
			changed = true
			continue
		}
		stillBound[b.Identity] = struct{}{}
		bindings = append(bindings, b)
	}
	out.Bindings = bindings

	allow := out.AllowFrom[:0]
	for _, id := range out.AllowFrom {
		if _, rel := released[id]; rel {
			if _, bound := stillBound[id]; !bound {
				changed = true
				continue
			}
		}
		allow = append(allow, id)
	}
	out.AllowFrom = allow

	return out, changed
}

// ReconcileDeactivation removes the tenant's projection. It retries the
// read-filter-replace sequence on Conflict up to the configured bound.
// Removing a projection that is not there is a no-op success.
func (r *Reconciler) ReconcileDeactivation(ctx context.Context, t *tenant.Tenant) (*agentconfig.GatewayConfig, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.deactivation", trace.WithAttributes(attribute.String("tenant.id", t.ID)))
	defer span.End()

	agentID := AgentID(t.ID)
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		current, err := r.gw.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read gateway config: %w", err)
		}

		next, changed := Filter(current, agentID, t.ChatIdentity)
		if !changed {
			slog.DebugContext(ctx, "tenant projection already absent",
				logger.Component("reconcile"),
				logger.TenantID(t.ID),
				logger.Version(current.Version),
			)
			return current, nil
		}

		cfg, err := r.gw.Replace(ctx, next)
		if err == nil {
			slog.InfoContext(ctx, "tenant projection removed",
				logger.Component("reconcile"),
				logger.TenantID(t.ID),
				logger.AgentID(agentID),
				logger.Version(cfg.Version),
				logger.Attempt(attempt),
			)
			return cfg, nil
		}
		if !errors.Is(err, agentconfig.ErrConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replace failed")
			return nil, fmt.Errorf("replace gateway config: %w", err)
		}

		lastErr = err
		metrics.Add(ctx, r.metrics.ReconcileRetries, "tenant_id", t.ID)
		slog.WarnContext(ctx, "stale gateway config, retrying",
			logger.Component("reconcile"),
			logger.TenantID(t.ID),
			logger.Version(current.Version),
			logger.Attempt(attempt),
		)
	}

	span.SetStatus(codes.Error, "conflict retries exhausted")
	return nil, fmt.Errorf("replace gateway config after %d attempts: %w", r.maxAttempts, lastErr)
}
