package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stub(t *testing.T, status int, body ErrorBody) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret", time.Second)
}

// TestPurpose: Validates that gateway error codes map back to domain errors.
// Scope: Unit Test
// Expected: Each code unwraps to the matching sentinel so callers can use errors.Is.
// Test Case ID: GWC-01
func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusConflict, CodeDuplicateAgent, agentconfig.ErrDuplicateAgent},
		{http.StatusConflict, CodeDuplicateBinding, agentconfig.ErrDuplicateBinding},
		{http.StatusPreconditionFailed, CodeConflict, agentconfig.ErrConflict},
		{http.StatusUnprocessableEntity, CodeInvariantViolation, agentconfig.ErrInvariantViolation},
		{http.StatusBadRequest, CodePathTraversal, workspace.ErrPathTraversal},
		{http.StatusConflict, CodeAgentNotConfigured, workspace.ErrAgentNotConfigured},
		{http.StatusUnauthorized, "", ErrUnauthorized},
		{http.StatusNotFound, "", ErrNotFound},
		{http.StatusBadGateway, "", ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			c := stub(t, tt.status, ErrorBody{Error: "x", Code: tt.code})
			_, err := c.MergePatch(context.Background(), agentconfig.Patch{})
			assert.ErrorIs(t, err, tt.want)

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

// TestPurpose: Validates that invariant violations keep their detail across the wire.
// Scope: Unit Test
// Expected: The error is an *agentconfig.InvariantError carrying the violations.
// Test Case ID: GWC-02
func TestClient_InvariantDetail(t *testing.T) {
	c := stub(t, http.StatusUnprocessableEntity, ErrorBody{Error: "bad", Code: CodeInvariantViolation, Violations: []string{"admin missing"}})
	_, err := c.Replace(context.Background(), &agentconfig.GatewayConfig{Version: 3})

	var inv *agentconfig.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, []string{"admin missing"}, inv.Violations)
}

// TestPurpose: Validates that Replace sends the read version as If-Match.
// Scope: Unit Test
// Expected: The If-Match header carries the quoted version.
// Test Case ID: GWC-03
func TestClient_ReplaceSendsIfMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, `"7"`, r.Header.Get("If-Match"))
		_ = json.NewEncoder(w).Encode(agentconfig.GatewayConfig{Version: 8})
	}))
	defer srv.Close()

	cfg, err := New(srv.URL, "t", time.Second).Replace(context.Background(), &agentconfig.GatewayConfig{Version: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(8), cfg.Version)
}

// TestPurpose: Validates entity tag parsing.
// Scope: Unit Test
// Expected: Strong and weak tags parse; garbage fails.
// Test Case ID: GWC-04
func TestParseETag(t *testing.T) {
	v, err := ParseETag(ETag(12))
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	v, err = ParseETag(`W/"4"`)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	_, err = ParseETag("abc")
	assert.Error(t, err)
}

// TestPurpose: Validates that an unreachable gateway is reported as unavailable.
// Scope: Unit Test
// Expected: ErrUnavailable.
// Test Case ID: GWC-05
func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, "t", time.Second).Health(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
