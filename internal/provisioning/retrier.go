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

package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/workspace"
)

// SignalSender delivers workspace signals to the gateway.
type SignalSender interface {
	SendProvisioningSignal(ctx context.Context, sig workspace.Signal) error
}

// RetrierConfig bounds background signal delivery.
type RetrierConfig struct {
	// Timeout bounds each delivery attempt.
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed stops retrying a signal; it stays in the outbox until the
	// next Resume.
	MaxElapsed time.Duration
}

func (c RetrierConfig) withDefaults() RetrierConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Minute
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 10 * time.Minute
	}
	return c
}

// Retrier redelivers workspace signals with exponential backoff, one
// goroutine per pending tenant.
type Retrier struct {
	sender      SignalSender
	outbox      Outbox
	cfg         RetrierConfig
	onDelivered func(ctx context.Context, tenantID string) error

	root   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	active map[string]*job
	wg     sync.WaitGroup
}

type job struct {
	cancel context.CancelFunc
}

// NewRetrier creates a retrier. Call Close to stop it.
func NewRetrier(sender SignalSender, outbox Outbox, cfg RetrierConfig) *Retrier {
	root, stop := context.WithCancel(context.Background())
	return &Retrier{
		sender: sender,
		outbox: outbox,
		cfg:    cfg.withDefaults(),
		root:   root,
		stop:   stop,
		active: make(map[string]*job),
	}
}

// OnDelivered registers the callback run after a signal is acknowledged.
func (r *Retrier) OnDelivered(fn func(ctx context.Context, tenantID string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelivered = fn
}

// Enqueue stores the signal and starts delivering it. A signal already
// queued for the same tenant is replaced.
func (r *Retrier) Enqueue(ctx context.Context, sig workspace.Signal) error {
	if err := r.outbox.Put(ctx, sig); err != nil {
		return fmt.Errorf("failed to store pending signal: %w", err)
	}
	r.start(sig)
	return nil
}

// Resume restarts delivery of every signal left in the outbox.
func (r *Retrier) Resume(ctx context.Context) (int, error) {
	sigs, err := r.outbox.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending signals: %w", err)
	}
	for _, sig := range sigs {
		r.start(sig)
	}
	if len(sigs) > 0 {
		slog.InfoContext(ctx, "resumed pending workspace signals",
			logger.Component("retrier"),
			slog.Int("count", len(sigs)),
		)
	}
	return len(sigs), nil
}

// Cancel stops delivery for a tenant and drops its stored signal. It does
// not wait for an in-flight attempt, so it is safe to call while holding the
// tenant's lock.
func (r *Retrier) Cancel(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	j := r.active[tenantID]
	delete(r.active, tenantID)
	r.mu.Unlock()
	if j != nil {
		j.cancel()
	}
	return r.outbox.Delete(ctx, tenantID)
}

// Pending reports whether a delivery goroutine is running for the tenant.
func (r *Retrier) Pending(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[tenantID]
	return ok
}

// Wait blocks until every running delivery has finished.
func (r *Retrier) Wait() {
	r.wg.Wait()
}

// Close stops all deliveries. Stored signals are kept for the next Resume.
func (r *Retrier) Close() {
	r.stop()
	r.wg.Wait()
}

func (r *Retrier) start(sig workspace.Signal) {
	ctx, cancel := context.WithCancel(r.root)
	j := &job{cancel: cancel}

	r.mu.Lock()
	prev := r.active[sig.TenantID]
	r.active[sig.TenantID] = j
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.deliver(ctx, sig)

		r.mu.Lock()
		if r.active[sig.TenantID] == j {
			delete(r.active, sig.TenantID)
		}
		r.mu.Unlock()
	}()
}

func (r *Retrier) deliver(ctx context.Context, sig workspace.Signal) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		err := r.sender.SendProvisioningSignal(sendCtx, sig)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "workspace signal failed, retrying",
			logger.Component("retrier"),
			logger.TenantID(sig.TenantID),
			logger.Attempt(attempt),
			slog.Duration("retry_in", wait),
			logger.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "giving up on workspace signal",
			logger.Component("retrier"),
			logger.TenantID(sig.TenantID),
			logger.Attempt(attempt),
			logger.Error(err),
		)
		if isPermanent(err) {
			if err := r.outbox.Delete(context.WithoutCancel(ctx), sig.TenantID); err != nil {
				slog.WarnContext(ctx, "failed to drop rejected signal",
					logger.Component("retrier"),
					logger.TenantID(sig.TenantID),
					logger.Error(err),
				)
			}
		}
		return
	}

	done := context.WithoutCancel(ctx)
	if err := r.outbox.Delete(done, sig.TenantID); err != nil {
		slog.WarnContext(ctx, "failed to drop delivered signal",
			logger.Component("retrier"),
			logger.TenantID(sig.TenantID),
			logger.Error(err),
		)
	}

	r.mu.Lock()
	fn := r.onDelivered
	r.mu.Unlock()
	if fn != nil {
		if err := fn(done, sig.TenantID); err != nil {
			slog.ErrorContext(ctx, "failed to record workspace delivery",
				logger.Component("retrier"),
				logger.TenantID(sig.TenantID),
				logger.Error(err),
			)
		}
	}
	slog.InfoContext(ctx, "workspace signal delivered",
		logger.Component("retrier"),
		logger.TenantID(sig.TenantID),
		logger.Attempt(attempt),
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, workspace.ErrPathTraversal) ||
		errors.Is(err, workspace.ErrInvalidAgentID) ||
		errors.Is(err, workspace.ErrWorkspaceMismatch) ||
		errors.Is(err, workspace.ErrAgentNotConfigured)
}
