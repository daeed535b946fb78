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
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/reconcile"
	"github.com/flyclaw/flyclaw/internal/tenant"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusClientClosedRequest is returned when the caller cancelled the
// request before the gateway was changed.
const StatusClientClosedRequest = 499

// Registry error codes not shared with the gateway.
const (
	CodeInconsistent = "inconsistent"
	CodeCancelled    = "cancelled"
	CodeGatewayError = "gateway_error"
)

// AgentStatusReader asks the gateway about one agent.
type AgentStatusReader interface {
	AgentStatus(ctx context.Context, agentID string) (*gatewayclient.AgentStatus, error)
}

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RegistryHandler serves the tenant lifecycle API.
type RegistryHandler struct {
	tenants *tenant.Service
	agents  AgentStatusReader
	checks  []HealthCheck
}

// NewRegistryHandler creates the registry handlers.
func NewRegistryHandler(tenants *tenant.Service, agents AgentStatusReader, checks ...HealthCheck) *RegistryHandler {
	return &RegistryHandler{tenants: tenants, agents: agents, checks: checks}
}

// RegistryRouterConfig configures NewRegistryRouter.
type RegistryRouterConfig struct {
	// AdminToken protects the lifecycle API. Empty disables the check.
	AdminToken     string
	RequestTimeout time.Duration
}

// NewRegistryRouter creates the registry HTTP router
func NewRegistryRouter(h *RegistryHandler, rateLimiter *RateLimiter, cfg RegistryRouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if rateLimiter != nil {
		r.Use(RateLimitMiddleware(rateLimiter))
	}
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		if cfg.AdminToken != "" {
			r.Use(BearerAuth(cfg.AdminToken, "owner"))
		}
		r.Get("/", h.ListTenants)
		r.Route("/{tenantID}", func(r chi.Router) {
			r.Get("/", h.GetTenant)
			r.Post("/activate", h.ActivateTenant)
			r.Post("/deactivate", h.DeactivateTenant)
			r.Get("/agent", h.GetTenantAgent)
		})
	})

	return r
}

// HealthCheck returns the health status of the registry and its
// dependencies.
func (h *RegistryHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Check(r.Context()); err != nil {
			deps[c.Name] = "unhealthy"
			status = http.StatusServiceUnavailable
			slog.WarnContext(r.Context(), "health check failed",
				logger.Component("registry"),
				slog.String("dependency", c.Name),
				logger.Error(err),
			)
			continue
		}
		deps[c.Name] = "healthy"
	}
	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status":       overall,
		"service":      "flyclaw-registry",
		"dependencies": deps,
	})
}

// ActivateTenantRequest represents activation data
type ActivateTenantRequest struct {
	Name         string `json:"name" example:"Rosa Flowers"`
	ChatIdentity string `json:"chat_identity" example:"U1"`
}

// TenantResponse is a tenant record plus an optional warning.
type TenantResponse struct {
	*tenant.Tenant
	Warning string `json:"warning,omitempty"`
}

// ActivateTenant activates a tenant. 202 means the agent is routable but
// its workspace is still being provisioned.
func (h *RegistryHandler) ActivateTenant(w http.ResponseWriter, r *http.Request) {
	var req ActivateTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "invalid request body", Code: gatewayclient.CodeInvalidRequest})
		return
	}

	t, err := h.tenants.Activate(r.Context(), chi.URLParam(r, "tenantID"), req.Name, req.ChatIdentity)
	if err != nil {
		h.fail(w, r, "activate", err)
		return
	}
	if t.WorkspacePending {
		respondJSON(w, http.StatusAccepted, TenantResponse{Tenant: t, Warning: "workspace provisioning pending"})
		return
	}
	respondJSON(w, http.StatusOK, TenantResponse{Tenant: t})
}

// DeactivateTenant deactivates a tenant. ?cleanup=true also removes its
// workspace files.
func (h *RegistryHandler) DeactivateTenant(w http.ResponseWriter, r *http.Request) {
	cleanup := false
	if v := r.URL.Query().Get("cleanup"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "cleanup must be a boolean", Code: gatewayclient.CodeInvalidRequest})
			return
		}
		cleanup = b
	}

	t, err := h.tenants.Deactivate(r.Context(), chi.URLParam(r, "tenantID"), cleanup)
	if err != nil && errors.Is(err, tenant.ErrCleanupFailed) && t != nil {
		respondJSON(w, http.StatusOK, TenantResponse{Tenant: t, Warning: err.Error()})
		return
	}
	if err != nil {
		h.fail(w, r, "deactivate", err)
		return
	}
	respondJSON(w, http.StatusOK, TenantResponse{Tenant: t})
}

// GetTenant returns the stored tenant record.
func (h *RegistryHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.Status(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, "status", err)
		return
	}
	respondJSON(w, http.StatusOK, TenantResponse{Tenant: t})
}

// GetTenantAgent returns the gateway's view of the tenant's agent.
func (h *RegistryHandler) GetTenantAgent(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		respondCoded(w, http.StatusNotImplemented, gatewayclient.ErrorBody{Error: "agent status unavailable", Code: gatewayclient.CodeInternal})
		return
	}
	t, err := h.tenants.Status(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, "agent_status", err)
		return
	}
	st, err := h.agents.AgentStatus(r.Context(), reconcile.AgentID(t.ID))
	if err != nil {
		h.fail(w, r, "agent_status", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// ListTenants lists tenants. Supports ?status=, ?pending=, ?limit=, ?offset=.
func (h *RegistryHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tenant.ListFilter{Status: q.Get("status")}
	if v := q.Get("pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondCoded(w, http.StatusBadRequest, gatewayclient.ErrorBody{Error: "pending must be a boolean", Code: gatewayclient.CodeInvalidRequest})
			return
		}
		filter.WorkspacePending = &b
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	list, err := h.tenants.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	if list == nil {
		list = []*tenant.Tenant{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenants": list,
		"count":   len(list),
	})
}

// registryStatus maps lifecycle errors to HTTP status and code.
func registryStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound, gatewayclient.CodeNotFound
	case errors.Is(err, tenant.ErrInvalidTenant):
		return http.StatusBadRequest, gatewayclient.CodeInvalidRequest
	case errors.Is(err, agentconfig.ErrDuplicateAgent):
		return http.StatusConflict, gatewayclient.CodeDuplicateAgent
	case errors.Is(err, agentconfig.ErrDuplicateBinding):
		return http.StatusConflict, gatewayclient.CodeDuplicateBinding
	case errors.Is(err, agentconfig.ErrConflict):
		return http.StatusConflict, gatewayclient.CodeConflict
	case errors.Is(err, tenant.ErrActivationCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, CodeCancelled
	case errors.Is(err, tenant.ErrInconsistent):
		return http.StatusInternalServerError, CodeInconsistent
	case errors.Is(err, agentconfig.ErrInvariantViolation):
		return http.StatusBadGateway, gatewayclient.CodeInvariantViolation
	case errors.Is(err, gatewayclient.ErrNotFound):
		return http.StatusNotFound, gatewayclient.CodeNotFound
	case errors.Is(err, gatewayclient.ErrUnavailable),
		errors.Is(err, gatewayclient.ErrUnauthorized),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway, CodeGatewayError
	}
	var se *gatewayclient.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway, CodeGatewayError
	}
	return http.StatusInternalServerError, gatewayclient.CodeInternal
}

func (h *RegistryHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := registryStatus(err)
	msg := err.Error()
	if code == gatewayclient.CodeInternal {
		msg = "internal error"
	}

	attrs := []any{
		logger.Component("registry"),
		logger.Operation(op),
		logger.TenantID(chi.URLParam(r, "tenantID")),
		logger.StatusCode(status),
		logger.Error(err),
	}
	if status >= 500 {
		slog.ErrorContext(r.Context(), "tenant request failed", attrs...)
	} else {
		slog.WarnContext(r.Context(), "tenant request rejected", attrs...)
	}
	respondCoded(w, status, gatewayclient.ErrorBody{Error: msg, Code: code})
}
