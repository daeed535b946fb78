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
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"
)

// maxInboundBody bounds inbound message bodies.
const maxInboundBody = 64 << 10

// RateLimiter manages rate limiting per client address
type RateLimiter struct {
	clients         map[string]*rate.Limiter
	mu              sync.Mutex
	rps             rate.Limit
	burst           int
	cleanupInterval time.Duration
	stop            chan struct{}
	once            sync.Once
	trustedProxies  []netip.Prefix
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithTrustedProxies makes the limiter key on X-Forwarded-For when the
// connection comes from one of the given networks. Without it the limiter
// keys on the connection's address only.
func WithTrustedProxies(prefixes []netip.Prefix) RateLimitOption {
	return func(rl *RateLimiter) {
		rl.trustedProxies = prefixes
	}
}

// NewRateLimiter creates a new rate limiter. Call Close to stop its
// background cleanup.
func NewRateLimiter(rps float64, burst int, opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{
		clients:         make(map[string]*rate.Limiter),
		rps:             rate.Limit(rps),
		burst:           burst,
		cleanupInterval: 10 * time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanup()
	return rl
}

// GetLimiter returns the limiter for a client address
func (rl *RateLimiter) GetLimiter(addr string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.clients[addr]
	if !exists {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.clients[addr] = limiter
	}
	return limiter
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// cleanup drops every limiter each interval; active clients get a fresh one
// on their next request.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.clients = make(map[string]*rate.Limiter)
			rl.mu.Unlock()
		}
	}
}

// RateLimitMiddleware creates a middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.GetLimiter(clientIP(r, rl.trustedProxies)).Allow() {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the address of the connection's peer. When the peer is a
// trusted proxy, it walks X-Forwarded-For from the right and returns the
// first hop that is not itself trusted, since only hops appended by trusted
// proxies can be believed.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !isTrusted(peer, trusted) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return peer
}

func isTrusted(addr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// IdentityRateLimit limits inbound messages per sender identity. The
// identity is read from the JSON body, which is restored for the handler.
func IdentityRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(identityKeyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slog.WarnContext(r.Context(), "inbound rate limit exceeded",
				logger.Component("router"),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)
			respondCoded(w, http.StatusTooManyRequests, gatewayclient.ErrorBody{
				Error: "rate limit exceeded",
				Code:  "rate_limited",
			})
		}),
	)
}

func identityKeyFunc(r *http.Request) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		return "", err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var body struct {
		Identity string `json:"identity"`
	}
	if json.Unmarshal(raw, &body) != nil || body.Identity == "" {
		// malformed bodies are limited by client address
		return "addr:" + clientIP(r, nil), nil
	}
	return "id:" + body.Identity, nil
}
