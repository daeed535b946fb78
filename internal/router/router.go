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

// Package router resolves inbound chat identities to agent contexts using
// the gateway config.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/observability/metrics"
)

var (
	ErrNotAuthorized             = errors.New("identity not authorized")
	ErrAmbiguousOrMissingBinding = errors.New("ambiguous or missing binding")
	ErrDanglingBinding           = errors.New("binding references unknown agent")
	ErrCapabilityDenied          = errors.New("capability denied")
)

// Source supplies the current config.
type Source interface {
	Read() *agentconfig.GatewayConfig
}

// Message is one inbound message from the chat transport.
type Message struct {
	Identity string `json:"identity"`
	Text     string `json:"text,omitempty"`
	// Capability is the tool the message asks the agent to use, if any.
	Capability string `json:"capability,omitempty"`
}

// Dispatcher runs a message inside an agent's execution context.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent *AgentContext, msg Message) error
}

type view struct {
	version  int64
	allow    map[string]struct{}
	bindings map[string][]string
	agents   map[string]agentconfig.AgentEntry
}

func buildView(cfg *agentconfig.GatewayConfig) *view {
	v := &view{
		version:  cfg.Version,
		allow:    make(map[string]struct{}, len(cfg.AllowFrom)),
		bindings: make(map[string][]string, len(cfg.Bindings)),
		agents:   make(map[string]agentconfig.AgentEntry, len(cfg.Agents)),
	}
	for _, id := range cfg.AllowFrom {
		v.allow[id] = struct{}{}
	}
	for _, b := range cfg.Bindings {
		v.bindings[b.Identity] = append(v.bindings[b.Identity], b.AgentID)
	}
	for _, a := range cfg.Agents {
		v.agents[a.ID] = a
	}
	return v
}

// Router holds an in-memory view of the config that is swapped on reload.
type Router struct {
	source  Source
	metrics *metrics.Instruments

	mu   sync.RWMutex
	view *view
}

// New builds a router and loads the current config.
func New(source Source, instruments *metrics.Instruments) *Router {
	if instruments == nil {
		instruments = metrics.NoopInstruments()
	}
	r := &Router{source: source, metrics: instruments}
	r.Reload()
	return r
}

// Reload rebuilds the view from the source.
func (r *Router) Reload() {
	r.OnChange(r.source.Read())
}

// OnChange installs cfg unless a newer version is already loaded. It is
// meant to be registered with agentconfig.Store.Subscribe.
func (r *Router) OnChange(cfg *agentconfig.GatewayConfig) {
	v := buildView(cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view != nil && r.view.version > v.version {
		return
	}
	r.view = v
}

// Version returns the config version the router is serving.
func (r *Router) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view.version
}

// Run reloads on every tick until ctx is done, bounding propagation delay
// when a change notification is missed.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reload()
		}
	}
}

// Resolve maps an identity to the one agent it is bound to.
func (r *Router) Resolve(ctx context.Context, identity string) (*AgentContext, error) {
	r.mu.RLock()
	v := r.view
	r.mu.RUnlock()

	if _, ok := v.allow[identity]; !ok {
		return nil, r.reject(ctx, identity, ErrNotAuthorized)
	}
	bound := v.bindings[identity]
	if len(bound) != 1 {
		return nil, r.reject(ctx, identity, fmt.Errorf("%w: %d bindings", ErrAmbiguousOrMissingBinding, len(bound)))
	}
	agent, ok := v.agents[bound[0]]
	if !ok {
		return nil, r.reject(ctx, identity, fmt.Errorf("%w: %s", ErrDanglingBinding, bound[0]))
	}
	return newAgentContext(agent), nil
}

// Route resolves the sender and hands the message to d. Rejected messages
// are dropped: the error is returned for the caller to log, never replied to.
func (r *Router) Route(ctx context.Context, msg Message, d Dispatcher) (*AgentContext, error) {
	agent, err := r.Resolve(ctx, msg.Identity)
	if err != nil {
		return nil, err
	}
	if msg.Capability != "" && !agent.Can(msg.Capability) {
		slog.WarnContext(ctx, "capability denied",
			logger.Component("router"),
			logger.AgentID(agent.ID),
			logger.Capability(msg.Capability),
		)
		metrics.Add(ctx, r.metrics.RoutingRejects, "reason", "capability_denied")
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDenied, msg.Capability)
	}
	if d != nil {
		if err := d.Dispatch(ctx, agent, msg); err != nil {
			return agent, fmt.Errorf("dispatch to %s: %w", agent.ID, err)
		}
	}
	return agent, nil
}

func (r *Router) reject(ctx context.Context, identity string, err error) error {
	reason := "not_authorized"
	switch {
	case errors.Is(err, ErrAmbiguousOrMissingBinding):
		reason = "ambiguous_or_missing_binding"
	case errors.Is(err, ErrDanglingBinding):
		reason = "dangling_binding"
	}
	slog.WarnContext(ctx, "dropping inbound message",
		logger.Component("router"),
		logger.Identity(identity),
		slog.String("reason", reason),
		logger.Error(err),
	)
	metrics.Add(ctx, r.metrics.RoutingRejects, "reason", reason)
	return err
}
