package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		m := map[string]any{}
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

// TestPurpose: Validates JSON output, level filtering and the service attribute.
// Scope: Unit Test
// Expected: Debug records are dropped at info level; records carry service and the structured attrs.
// Test Case ID: LOG-01
func TestInitLogger_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l := InitLogger(Config{Level: "info", Format: "json", ServiceName: "flyclaw-test", Output: &buf})

	l.Debug("hidden")
	l.Info("tenant activated", TenantID("T1"), AgentID("client-T1"), Version(3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "tenant activated", lines[0]["msg"])
	assert.Equal(t, "flyclaw-test", lines[0]["service"])
	assert.Equal(t, "T1", lines[0]["tenant_id"])
	assert.Equal(t, "client-T1", lines[0]["agent_id"])
	assert.Equal(t, float64(3), lines[0]["config_version"])
	assert.Equal(t, slog.Default(), l)
}

// TestPurpose: Validates trace correlation on log records.
// Scope: Unit Test
// Expected: A record logged under a valid span context carries trace_id and span_id.
// Test Case ID: LOG-02
func TestTraceContextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(&TraceContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.InfoContext(ctx, "with span")
	l.Info("without span")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, sc.TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, sc.SpanID().String(), lines[0]["span_id"])
	assert.NotContains(t, lines[1], "trace_id")
}

// TestPurpose: Validates that the fanout handler writes each record to every enabled sink.
// Scope: Unit Test
// Expected: Both sinks receive the warn record; only the debug sink receives the debug record.
// Test Case ID: LOG-03
func TestFanoutHandler(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := NewFanoutHandler(
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	l := slog.New(h).With(Component("router"))

	l.Debug("resolve")
	l.Warn("rejected", Error(errors.New("not authorized")))

	debugLines := decodeLines(t, &debugBuf)
	warnLines := decodeLines(t, &warnBuf)
	require.Len(t, debugLines, 2)
	require.Len(t, warnLines, 1)
	assert.Equal(t, "router", warnLines[0]["component"])
	assert.Equal(t, "not authorized", warnLines[0]["error"])
}

// TestPurpose: Validates level parsing.
// Scope: Unit Test
// Expected: Unknown levels fall back to info.
// Test Case ID: LOG-04
func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
