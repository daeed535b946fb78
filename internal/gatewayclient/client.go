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

// Package gatewayclient is the registry's HTTP client for the gateway
// config surface.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/workspace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("gateway rejected credentials")
	ErrUnavailable  = errors.New("gateway unavailable")
)

// StatusError is a non-2xx gateway response. It unwraps to the domain
// sentinel matching its code.
type StatusError struct {
	Status int
	Body   ErrorBody
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d (%s): %s", e.Status, e.Body.Code, e.Body.Error)
}

func (e *StatusError) Unwrap() error {
	if target, ok := codeErrors[e.Body.Code]; ok {
		if e.Body.Code == CodeInvariantViolation && len(e.Body.Violations) > 0 {
			return &agentconfig.InvariantError{Violations: e.Body.Violations}
		}
		return target
	}
	if e.Status >= 500 {
		return ErrUnavailable
	}
	return nil
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. timeout bounds each request.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Read fetches the current config.
func (c *Client) Read(ctx context.Context) (*agentconfig.GatewayConfig, error) {
	var cfg agentconfig.GatewayConfig
	if err := c.do(ctx, http.MethodGet, "/v1/config", nil, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MergePatch appends the patch.
func (c *Client) MergePatch(ctx context.Context, p agentconfig.Patch) (*agentconfig.GatewayConfig, error) {
	var cfg agentconfig.GatewayConfig
	if err := c.do(ctx, http.MethodPost, "/v1/config", nil, p, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Replace overwrites the config if the gateway is still at cfg.Version.
func (c *Client) Replace(ctx context.Context, cfg *agentconfig.GatewayConfig) (*agentconfig.GatewayConfig, error) {
	hdr := http.Header{}
	hdr.Set("If-Match", ETag(cfg.Version))
	var out agentconfig.GatewayConfig
	if err := c.do(ctx, http.MethodPut, "/v1/config", hdr, cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendProvisioningSignal asks the gateway to materialize the workspace.
func (c *Client) SendProvisioningSignal(ctx context.Context, sig workspace.Signal) error {
	return c.do(ctx, http.MethodPost, "/v1/provisioning-signal", nil, sig, nil)
}

// CleanupWorkspace removes an agent's workspace tree.
func (c *Client) CleanupWorkspace(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(agentID), nil, nil, nil)
}

// AgentStatus reports the gateway's view of one agent.
func (c *Client) AgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	var st AgentStatus
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health probes the gateway liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// ETag formats a config version as an entity tag.
func ETag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// ParseETag parses an entity tag produced by ETag. Weak tags are accepted.
func ParseETag(tag string) (int64, error) {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
	return strconv.ParseInt(strings.Trim(tag, `"`), 10, 64)
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &se.Body) != nil || se.Body.Error == "" {
			se.Body.Error = strings.TrimSpace(string(raw))
		}
		if se.Body.Code == "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				se.Body.Code = CodeUnauthorized
			case http.StatusNotFound:
				se.Body.Code = CodeNotFound
			}
		}
		return se
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
