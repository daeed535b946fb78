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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance
func New(ctx context.Context, cfg Config, serviceName string) (*Meter, error) {
	if !cfg.Enabled {
		return &Meter{
			meter: noop.NewMeterProvider().Meter(serviceName),
		}, nil
	}

	// Exporters are configured on the global provider.
	return &Meter{
		meter: otel.Meter(serviceName),
	}, nil
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// CreateHistogram creates a new histogram metric
func (m *Meter) CreateHistogram(name, description, unit string) (metric.Float64Histogram, error) {
	histogram, err := m.meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	return histogram, nil
}

// Instruments are the counters shared by the registry and the gateway.
type Instruments struct {
	Lifecycle        metric.Int64Counter
	ReconcileRetries metric.Int64Counter
	Inconsistencies  metric.Int64Counter
	WorkspacePending metric.Int64Counter
	ConfigWrites     metric.Int64Counter
	RoutingRejects   metric.Int64Counter
	StepDuration     metric.Float64Histogram
}

// NewInstruments registers every instrument on m. A nil m yields no-op
// instruments.
func NewInstruments(m *Meter) (*Instruments, error) {
	if m == nil {
		m = &Meter{meter: noop.NewMeterProvider().Meter("flyclaw")}
	}

	var (
		in  Instruments
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&in.Lifecycle, "flyclaw.tenant.lifecycle", "Tenant activations and deactivations by outcome"},
		{&in.ReconcileRetries, "flyclaw.reconcile.conflicts", "Config replaces rejected as stale and retried"},
		{&in.Inconsistencies, "flyclaw.registry.inconsistencies", "Gateway changes whose durable record could not be written"},
		{&in.WorkspacePending, "flyclaw.workspace.pending", "Activations left with a pending workspace signal"},
		{&in.ConfigWrites, "flyclaw.gateway.config_writes", "Committed merge and replace writes"},
		{&in.RoutingRejects, "flyclaw.router.rejects", "Inbound messages dropped by the router"},
	}
	for _, c := range counters {
		if *c.dst, err = m.CreateCounter(c.name, c.desc); err != nil {
			return nil, err
		}
	}
	if in.StepDuration, err = m.CreateHistogram("flyclaw.provisioning.step_duration", "Provisioning step latency", "ms"); err != nil {
		return nil, err
	}
	return &in, nil
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	in, _ := NewInstruments(nil)
	return in
}

// Add increments c with the given string attributes given as key/value pairs.
func Add(ctx context.Context, c metric.Int64Counter, kv ...string) {
	if c == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
