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

// Package provisioning drives tenant activation and deactivation across the
// registry and the gateway as explicit state machines with compensation.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/flyclaw/flyclaw/internal/credential"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/observability/metrics"
	"github.com/flyclaw/flyclaw/internal/observability/tracing"
	"github.com/flyclaw/flyclaw/internal/reconcile"
	"github.com/flyclaw/flyclaw/internal/tenant"
	"github.com/flyclaw/flyclaw/internal/workspace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of a lifecycle sequence.
type State string

const (
	StateCredentialIssued    State = "credential_issued"
	StateConfigPatched       State = "config_patched"
	StateWorkspaceSignalSent State = "workspace_signal_sent"
	StateWorkspacePending    State = "workspace_pending"
	StateConfigReplaced      State = "config_replaced"
	StateRecorded            State = "recorded"
	StateFailed              State = "failed"
)

// Credentials issues and revokes tenant credentials.
type Credentials interface {
	Issue(ctx context.Context, tenantID string, capabilities []string) (*credential.Issued, error)
	Revoke(ctx context.Context, id string) error
}

// Workspaces is the gateway's workspace surface.
type Workspaces interface {
	SignalSender
	CleanupWorkspace(ctx context.Context, agentID string) error
}

// Config holds orchestrator settings.
type Config struct {
	// SignalTimeout bounds the synchronous workspace signal.
	SignalTimeout time.Duration
	// RecordMaxAttempts bounds writes of the durable record.
	RecordMaxAttempts     int
	RecordInitialInterval time.Duration
	// ShopAPIURL and APIDoc are rendered into the workspace files.
	ShopAPIURL string
	APIDoc     string
}

// Orchestrator implements tenant.Lifecycle.
type Orchestrator struct {
	repo        tenant.Repository
	reconciler  *reconcile.Reconciler
	creds       Credentials
	workspaces  Workspaces
	retrier     *Retrier
	auditLogger audit.Logger
	metrics     *metrics.Instruments
	tracer      trace.Tracer
	cfg         Config
	now         func() time.Time

	// OnTransition is called after each step completes.
	OnTransition func(ctx context.Context, tenantID string, s State)
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	repo tenant.Repository,
	reconciler *reconcile.Reconciler,
	creds Credentials,
	workspaces Workspaces,
	retrier *Retrier,
	auditLogger audit.Logger,
	instruments *metrics.Instruments,
	cfg Config,
) *Orchestrator {
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 5 * time.Second
	}
	if cfg.RecordMaxAttempts <= 0 {
		cfg.RecordMaxAttempts = 5
	}
	if cfg.RecordInitialInterval <= 0 {
		cfg.RecordInitialInterval = 100 * time.Millisecond
	}
	if instruments == nil {
		instruments = metrics.NoopInstruments()
	}
	return &Orchestrator{
		repo:        repo,
		reconciler:  reconciler,
		creds:       creds,
		workspaces:  workspaces,
		retrier:     retrier,
		auditLogger: auditLogger,
		metrics:     instruments,
		tracer:      tracing.Named("provisioning"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Activate runs CredentialIssued -> ConfigPatched -> WorkspaceSignalSent ->
// Recorded. Cancellation is honoured only before ConfigPatched.
func (o *Orchestrator) Activate(ctx context.Context, t *tenant.Tenant) (*tenant.Tenant, error) {
	ctx, span := o.tracer.Start(ctx, "provisioning.activate", trace.WithAttributes(attribute.String("tenant.id", t.ID)))
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, o.activationFailed(ctx, span, t, fmt.Errorf("%w: %v", tenant.ErrActivationCancelled, err))
	}

	issued, err := o.creds.Issue(ctx, t.ID, o.reconciler.Entry(t).Allow)
	if err != nil {
		return nil, o.activationFailed(ctx, span, t, fmt.Errorf("issue credential: %w", err))
	}
	o.transition(ctx, t.ID, StateCredentialIssued, start)

	if err := ctx.Err(); err != nil {
		o.revoke(context.WithoutCancel(ctx), t.ID, issued.ID)
		return nil, o.activationFailed(ctx, span, t, fmt.Errorf("%w: %v", tenant.ErrActivationCancelled, err))
	}

	// Past this point the gateway may hold the projection, so the caller can
	// no longer abort; undoing it is a deactivation.
	ctx = context.WithoutCancel(ctx)

	if _, err := o.reconciler.ReconcileActivation(ctx, t); err != nil {
		if !errors.Is(err, reconcile.ErrOutcomeUnknown) || o.compensate(ctx, t, err) {
			o.revoke(ctx, t.ID, issued.ID)
			return nil, o.activationFailed(ctx, span, t, err)
		}
	}
	o.transition(ctx, t.ID, StateConfigPatched, start)

	now := o.now().UTC()
	active := t.Clone()
	active.Status = tenant.StatusActive
	active.CredentialRef = issued.ID
	active.WorkspacePath = o.reconciler.WorkspacePath(t.ID)
	active.ActivatedAt = &now
	active.DeactivatedAt = nil
	active.UpdatedAt = now

	sig, err := o.buildSignal(active, issued.Token)
	if err == nil {
		sigCtx, cancel := context.WithTimeout(ctx, o.cfg.SignalTimeout)
		err = o.workspaces.SendProvisioningSignal(sigCtx, sig)
		cancel()
	}
	if err != nil {
		active.WorkspacePending = true
		slog.WarnContext(ctx, "workspace signal failed, tenant left pending",
			logger.Component("provisioning"),
			logger.TenantID(t.ID),
			logger.Error(err),
		)
		metrics.Add(ctx, o.metrics.WorkspacePending, "tenant_id", t.ID)
		o.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeWorkspacePending,
			TenantID: t.ID,
			Resource: active.WorkspacePath,
			Result:   "pending",
		})
		o.transition(ctx, t.ID, StateWorkspacePending, start)
	} else {
		o.transition(ctx, t.ID, StateWorkspaceSignalSent, start)
	}

	recordErr := o.record(ctx, active)

	if active.WorkspacePending && sig.AgentID != "" {
		if err := o.retrier.Enqueue(ctx, sig); err != nil {
			slog.ErrorContext(ctx, "failed to queue workspace signal",
				logger.Component("provisioning"),
				logger.TenantID(t.ID),
				logger.Error(err),
			)
		}
	}

	if recordErr != nil {
		return active, o.inconsistent(ctx, span, active, "activate", recordErr)
	}
	o.transition(ctx, t.ID, StateRecorded, start)

	o.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantActivated,
		TenantID: t.ID,
		Resource: reconcile.AgentID(t.ID),
		Result:   "success",
		Metadata: map[string]any{"workspace_pending": active.WorkspacePending},
	})
	metrics.Add(ctx, o.metrics.Lifecycle, "operation", "activate", "outcome", "success")
	slog.InfoContext(ctx, "tenant activated",
		logger.Component("provisioning"),
		logger.TenantID(t.ID),
		logger.AgentID(reconcile.AgentID(t.ID)),
		slog.Bool("workspace_pending", active.WorkspacePending),
	)
	return active, nil
}

// Deactivate runs ConfigReplaced -> Recorded, then revokes the credential
// and optionally removes the workspace. A failed replace leaves the record
// untouched.
func (o *Orchestrator) Deactivate(ctx context.Context, t *tenant.Tenant, opts tenant.DeactivateOptions) (*tenant.Tenant, error) {
	ctx, span := o.tracer.Start(ctx, "provisioning.deactivate", trace.WithAttributes(attribute.String("tenant.id", t.ID)))
	defer span.End()
	start := time.Now()

	if _, err := o.reconciler.ReconcileDeactivation(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replace failed")
		o.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeDeactivationFailed,
			TenantID: t.ID,
			Result:   "failure",
			Metadata: map[string]any{"error": err.Error()},
		})
		metrics.Add(ctx, o.metrics.Lifecycle, "operation", "deactivate", "outcome", "failure")
		slog.WarnContext(ctx, "tenant deactivation failed, tenant stays active",
			logger.Component("provisioning"),
			logger.TenantID(t.ID),
			logger.Error(err),
		)
		return nil, fmt.Errorf("deactivate tenant %s: %w", t.ID, err)
	}
	o.transition(ctx, t.ID, StateConfigReplaced, start)

	ctx = context.WithoutCancel(ctx)
	wasActive := t.Active()
	out := t.Clone()

	if opts.Record && (wasActive || out.WorkspacePending) {
		now := o.now().UTC()
		out.Status = tenant.StatusInactive
		out.WorkspacePending = false
		out.DeactivatedAt = &now
		out.UpdatedAt = now
		if err := o.record(ctx, out); err != nil {
			return out, o.inconsistent(ctx, span, out, "deactivate", err)
		}
		o.transition(ctx, t.ID, StateRecorded, start)
	}

	if err := o.retrier.Cancel(ctx, t.ID); err != nil {
		slog.WarnContext(ctx, "failed to drop pending workspace signal",
			logger.Component("provisioning"),
			logger.TenantID(t.ID),
			logger.Error(err),
		)
	}
	if wasActive && t.CredentialRef != "" {
		o.revoke(ctx, t.ID, t.CredentialRef)
	}

	if wasActive || !opts.Record {
		o.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeTenantDeactivated,
			TenantID: t.ID,
			Resource: reconcile.AgentID(t.ID),
			Result:   "success",
			Metadata: map[string]any{"cleanup": opts.Cleanup},
		})
		metrics.Add(ctx, o.metrics.Lifecycle, "operation", "deactivate", "outcome", "success")
	}

	if opts.Cleanup {
		agentID := reconcile.AgentID(t.ID)
		err := o.workspaces.CleanupWorkspace(ctx, agentID)
		if err != nil && !errors.Is(err, gatewayclient.ErrNotFound) && !errors.Is(err, workspace.ErrNotFound) {
			slog.WarnContext(ctx, "workspace cleanup failed",
				logger.Component("provisioning"),
				logger.TenantID(t.ID),
				logger.Error(err),
			)
			return out, fmt.Errorf("%w: %v", tenant.ErrCleanupFailed, err)
		}
		o.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeWorkspaceCleaned,
			TenantID: t.ID,
			Resource: agentID,
			Result:   "success",
		})
	}

	return out, nil
}

// compensate removes a projection the gateway may have applied despite a
// failed merge. It reports whether the gateway is known to be clean; when it
// is not, activation carries on so the record matches what may be routed.
func (o *Orchestrator) compensate(ctx context.Context, t *tenant.Tenant, mergeErr error) bool {
	_, err := o.reconciler.ReconcileDeactivation(ctx, t)
	if err == nil {
		slog.WarnContext(ctx, "merge outcome unknown, tenant projection removed",
			logger.Component("provisioning"),
			logger.TenantID(t.ID),
			logger.Error(mergeErr),
		)
		return true
	}
	metrics.Add(ctx, o.metrics.Inconsistencies, "operation", "activate")
	o.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantInconsistent,
		TenantID: t.ID,
		Resource: reconcile.AgentID(t.ID),
		Result:   "failure",
		Metadata: map[string]any{"merge_error": mergeErr.Error(), "compensation_error": err.Error()},
	})
	slog.ErrorContext(ctx, "merge outcome unknown and projection removal failed, recording tenant as active",
		logger.Component("provisioning"),
		logger.TenantID(t.ID),
		logger.Error(err),
		slog.Bool("inconsistency", true),
	)
	return false
}

func (o *Orchestrator) buildSignal(t *tenant.Tenant, token string) (workspace.Signal, error) {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	files, err := workspace.FileSet{
		BusinessName: name,
		ShopAPIURL:   o.cfg.ShopAPIURL,
		Credential:   token,
		APIDoc:       o.cfg.APIDoc,
	}.Render()
	if err != nil {
		return workspace.Signal{}, err
	}
	return workspace.Signal{
		TenantID:  t.ID,
		AgentID:   reconcile.AgentID(t.ID),
		Workspace: t.WorkspacePath,
		Files:     files,
	}, nil
}

// record writes the tenant with bounded exponential backoff.
func (o *Orchestrator) record(ctx context.Context, t *tenant.Tenant) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RecordInitialInterval
	b.MaxInterval = 5 * time.Second

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return o.repo.Save(ctx, t)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.RecordMaxAttempts-1)), ctx), func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "tenant record write failed, retrying",
			logger.Component("provisioning"),
			logger.TenantID(t.ID),
			logger.Attempt(attempt),
			logger.Error(err),
		)
	})
}

func (o *Orchestrator) revoke(ctx context.Context, tenantID, credentialID string) {
	if err := o.creds.Revoke(ctx, credentialID); err != nil {
		slog.WarnContext(ctx, "failed to revoke credential",
			logger.Component("provisioning"),
			logger.TenantID(tenantID),
			logger.CredentialID(credentialID),
			logger.Error(err),
		)
	}
}

func (o *Orchestrator) activationFailed(ctx context.Context, span trace.Span, t *tenant.Tenant, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "activation failed")
	o.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeActivationFailed,
		TenantID: t.ID,
		Result:   "failure",
		Metadata: map[string]any{"error": err.Error()},
	})
	metrics.Add(ctx, o.metrics.Lifecycle, "operation", "activate", "outcome", "failure")
	slog.WarnContext(ctx, "tenant activation failed",
		logger.Component("provisioning"),
		logger.TenantID(t.ID),
		logger.Error(err),
	)
	if o.OnTransition != nil {
		o.OnTransition(ctx, t.ID, StateFailed)
	}
	return err
}

func (o *Orchestrator) inconsistent(ctx context.Context, span trace.Span, t *tenant.Tenant, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "record write exhausted")
	slog.ErrorContext(ctx, "gateway changed but tenant record was not written",
		logger.Component("provisioning"),
		logger.Operation(op),
		logger.TenantID(t.ID),
		logger.State(t.Status),
		slog.Bool("inconsistency", true),
		logger.Error(err),
	)
	o.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantInconsistent,
		TenantID: t.ID,
		Resource: reconcile.AgentID(t.ID),
		Result:   "failure",
		Metadata: map[string]any{"operation": op, "desired_status": t.Status, "error": err.Error()},
	})
	metrics.Add(ctx, o.metrics.Inconsistencies, "operation", op)
	if o.OnTransition != nil {
		o.OnTransition(ctx, t.ID, StateFailed)
	}
	return fmt.Errorf("%w: %v", tenant.ErrInconsistent, err)
}

func (o *Orchestrator) transition(ctx context.Context, tenantID string, s State, start time.Time) {
	o.metrics.StepDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("state", string(s))))
	slog.DebugContext(ctx, "provisioning step",
		logger.Component("provisioning"),
		logger.TenantID(tenantID),
		logger.State(string(s)),
	)
	if o.OnTransition != nil {
		o.OnTransition(ctx, tenantID, s)
	}
}
