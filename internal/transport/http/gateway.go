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

package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/router"
	"github.com/flyclaw/flyclaw/internal/workspace"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// GatewayHandler serves the gateway config surface and the inbound message
// endpoint.
type GatewayHandler struct {
	store       *agentconfig.Store
	workspaces  *workspace.Provisioner
	router      *router.Router
	dispatcher  router.Dispatcher
	auditLogger audit.Logger
}

// NewGatewayHandler creates the gateway handlers. dispatcher may be nil, in
// which case routed messages are only acknowledged.
func NewGatewayHandler(store *agentconfig.Store, workspaces *workspace.Provisioner, rt *router.Router, dispatcher router.Dispatcher, auditLogger audit.Logger) *GatewayHandler {
	return &GatewayHandler{
		store:       store,
		workspaces:  workspaces,
		router:      rt,
		dispatcher:  dispatcher,
		auditLogger: auditLogger,
	}
}

// GatewayRouterConfig configures NewGatewayRouter.
type GatewayRouterConfig struct {
	// Token is the bearer credential held by the registry.
	Token                string
	InboundRatePerMinute int
	RequestTimeout       time.Duration
}

// NewGatewayRouter creates the gateway HTTP router. Every route requires
// the registry's bearer token.
func NewGatewayRouter(h *GatewayHandler, cfg GatewayRouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.InboundRatePerMinute <= 0 {
		cfg.InboundRatePerMinute = 30
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(BearerAuth(cfg.Token, "registry"))

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Post("/config", h.MergeConfig)
		r.Put("/config", h.ReplaceConfig)
		r.Get("/config/versions/{version}", h.GetConfigVersion)
		r.Post("/provisioning-signal", h.ProvisioningSignal)
		r.Delete("/workspaces/{agentID}", h.CleanupWorkspace)
		r.Get("/agents/{agentID}", h.AgentStatus)
		r.With(IdentityRateLimit(cfg.InboundRatePerMinute)).Post("/inbound", h.Inbound)
	})

	return r
}

// Health reports whether the config storage is reachable.
func (h *GatewayHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.store.Healthy(r.Context()) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "flyclaw-gateway",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "flyclaw-gateway",
		"config_version": h.router.Version(),
	})
}

// GetConfig returns the current config with its version as ETag.
func (h *GatewayHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Read()
	w.Header().Set("ETag", gatewayclient.ETag(cfg.Version))
	respondJSON(w, http.StatusOK, cfg)
}

// GetConfigVersion returns the config as committed at a past version.
func (h *GatewayHandler) GetConfigVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || version <= 0 {
		respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "invalid version", Code: gatewayclient.CodeInvalidRequest})
		return
	}
	cfg, err := h.store.History(r.Context(), version)
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	w.Header().Set("ETag", gatewayclient.ETag(cfg.Version))
	respondJSON(w, http.StatusOK, cfg)
}

// MergeConfig appends agents, bindings and allowlist entries.
func (h *GatewayHandler) MergeConfig(w http.ResponseWriter, r *http.Request) {
	var p agentconfig.Patch
	if err := decodeJSON(r, &p); err != nil {
		respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "invalid request body", Code: gatewayclient.CodeInvalidRequest})
		return
	}
	cfg, err := h.store.MergePatch(r.Context(), p)
	if err != nil {
		h.fail(w, r, "merge", err)
		return
	}
	slog.InfoContext(r.Context(), "config merged",
		logger.Component("gateway"),
		logger.Version(cfg.Version),
		slog.Int("agents", len(p.Agents)),
		slog.Int("bindings", len(p.Bindings)),
	)
	agents := make([]string, 0, len(p.Agents))
	for _, a := range p.Agents {
		agents = append(agents, a.ID)
	}
	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeConfigMerged,
		ActorID:   "registry",
		Resource:  strings.Join(agents, ","),
		Result:    "success",
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Metadata:  map[string]any{"version": cfg.Version, "bindings": len(p.Bindings)},
	})
	w.Header().Set("ETag", gatewayclient.ETag(cfg.Version))
	respondJSON(w, http.StatusOK, cfg)
}

// ReplaceConfig overwrites the config. The expected version comes from
// If-Match, or from the body when the header is absent.
func (h *GatewayHandler) ReplaceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg agentconfig.GatewayConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "invalid request body", Code: gatewayclient.CodeInvalidRequest})
		return
	}

	expected := cfg.Version
	if tag := r.Header.Get("If-Match"); tag != "" {
		v, err := gatewayclient.ParseETag(tag)
		if err != nil {
			respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "malformed If-Match", Code: gatewayclient.CodeInvalidRequest})
			return
		}
		expected = v
	}
	if expected <= 0 {
		respondCoded(w, http.StatusPreconditionRequired, gatewayclient.ErrorBody{Error: "If-Match or version is required", Code: gatewayclient.CodeInvalidRequest})
		return
	}

	out, err := h.store.Replace(r.Context(), &cfg, expected)
	if err != nil {
		h.fail(w, r, "replace", err)
		return
	}
	slog.InfoContext(r.Context(), "config replaced",
		logger.Component("gateway"),
		logger.Version(out.Version),
	)
	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeConfigReplaced,
		ActorID:   "registry",
		Resource:  "gateway_config",
		Result:    "success",
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Metadata:  map[string]any{"version": out.Version, "expected_version": expected, "agents": len(out.Agents)},
	})
	w.Header().Set("ETag", gatewayclient.ETag(out.Version))
	respondJSON(w, http.StatusOK, out)
}

// ProvisioningSignal materializes an agent workspace.
func (h *GatewayHandler) ProvisioningSignal(w http.ResponseWriter, r *http.Request) {
	var sig workspace.Signal
	if err := decodeJSON(r, &sig); err != nil {
		respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "invalid request body", Code: gatewayclient.CodeInvalidRequest})
		return
	}
	dir, err := h.workspaces.Provision(r.Context(), sig)
	if err != nil {
		h.fail(w, r, "provision", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"agent_id":  sig.AgentID,
		"workspace": dir,
	})
}

// CleanupWorkspace removes an agent's workspace tree.
func (h *GatewayHandler) CleanupWorkspace(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.workspaces.Cleanup(r.Context(), agentID); err != nil {
		h.fail(w, r, "cleanup", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AgentStatus reports whether an agent is routable and provisioned.
func (h *GatewayHandler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := h.workspaces.Path(agentID); err != nil {
		h.fail(w, r, "agent_status", err)
		return
	}

	cfg := h.store.Read()
	_, configured := cfg.Agent(agentID)
	st := gatewayclient.AgentStatus{
		AgentID:         agentID,
		Configured:      configured,
		Identities:      []string{},
		WorkspaceExists: h.workspaces.Exists(agentID),
		ConfigVersion:   cfg.Version,
	}
	for _, b := range cfg.BindingsTo(agentID) {
		st.Identities = append(st.Identities, b.Identity)
		if configured && cfg.Allowed(b.Identity) && len(cfg.BindingsFor(b.Identity)) == 1 {
			st.Routable = true
		}
	}
	if !configured && len(st.Identities) == 0 {
		respondCoded(w, http.StatusNotFound, gatewayclient.ErrorBody{Error: "agent not configured", Code: gatewayclient.CodeNotFound})
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// InboundResponse acknowledges a routed message.
type InboundResponse struct {
	AgentID   string `json:"agent_id"`
	Workspace string `json:"workspace"`
	Model     string `json:"model,omitempty"`
}

// Inbound routes one message from the chat transport. Messages from
// unauthorized or unroutable senders are dropped with 204 and no body.
func (h *GatewayHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	var msg router.Message
	if err := decodeJSON(r, &msg); err != nil || msg.Identity == "" {
		respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "identity is required", Code: gatewayclient.CodeInvalidRequest})
		return
	}
	ctx := context.WithValue(r.Context(), identityKey, msg.Identity)

	agent, err := h.router.Route(ctx, msg, h.dispatcher)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, InboundResponse{AgentID: agent.ID, Workspace: agent.Workspace, Model: agent.Model})
	case errors.Is(err, router.ErrNotAuthorized),
		errors.Is(err, router.ErrAmbiguousOrMissingBinding),
		errors.Is(err, router.ErrDanglingBinding):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, router.ErrCapabilityDenied):
		respondCoded(w, http.StatusForbidden, gatewayclient.ErrorBody{Error: "capability not allowed", Code: "capability_denied"})
	default:
		slog.ErrorContext(ctx, "dispatch failed",
			logger.Component("gateway"),
			logger.Identity(msg.Identity),
			logger.Error(err),
		)
		respondCoded(w, http.StatusBadGateway, gatewayclient.ErrorBody{Error: "dispatch failed", Code: gatewayclient.CodeInternal})
	}
}

// fail maps a domain error to its status and wire code.
func (h *GatewayHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	body := gatewayclient.ErrorBody{Error: err.Error(), Code: gatewayclient.CodeFor(err)}
	status := http.StatusInternalServerError

	var inv *agentconfig.InvariantError
	switch {
	case errors.Is(err, agentconfig.ErrDuplicateAgent):
		status, body.Code = http.StatusConflict, gatewayclient.CodeDuplicateAgent
	case errors.Is(err, agentconfig.ErrDuplicateBinding):
		status, body.Code = http.StatusConflict, gatewayclient.CodeDuplicateBinding
	case errors.Is(err, agentconfig.ErrConflict):
		status, body.Code = http.StatusPreconditionFailed, gatewayclient.CodeConflict
	case errors.As(err, &inv):
		status, body.Code, body.Violations = http.StatusUnprocessableEntity, gatewayclient.CodeInvariantViolation, inv.Violations
	case errors.Is(err, agentconfig.ErrInvariantViolation):
		status, body.Code = http.StatusUnprocessableEntity, gatewayclient.CodeInvariantViolation
	case errors.Is(err, workspace.ErrPathTraversal):
		status, body.Code = http.StatusBadRequest, gatewayclient.CodePathTraversal
	case errors.Is(err, workspace.ErrInvalidAgentID):
		status, body.Code = http.StatusBadRequest, gatewayclient.CodeInvalidAgent
	case errors.Is(err, workspace.ErrWorkspaceMismatch):
		status, body.Code = http.StatusBadRequest, gatewayclient.CodeWorkspaceMismatch
	case errors.Is(err, workspace.ErrAgentNotConfigured):
		status, body.Code = http.StatusConflict, gatewayclient.CodeAgentNotConfigured
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, agentconfig.ErrNoConfig):
		status, body.Code = http.StatusNotFound, gatewayclient.CodeNotFound
	default:
		body.Error = "internal error"
		body.Code = gatewayclient.CodeInternal
	}

	attrs := []any{
		logger.Component("gateway"),
		logger.Operation(op),
		logger.StatusCode(status),
		logger.Error(err),
	}
	switch {
	case status >= 500 || body.Code == gatewayclient.CodeInvariantViolation:
		slog.ErrorContext(r.Context(), "gateway request failed", attrs...)
	default:
		slog.WarnContext(r.Context(), "gateway request rejected", attrs...)
	}
	respondCoded(w, status, body)
}
