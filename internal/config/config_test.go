package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates registry defaults and required settings.
// Scope: Unit Test
// Security: The service must not start without gateway and signing secrets
// Expected: Missing secrets fail validation; defaults apply once they are set.
// Test Case ID: CFG-ENV-01
func TestLoadRegistry(t *testing.T) {
	t.Setenv("GATEWAY_TOKEN", "")
	t.Setenv("CREDENTIAL_SIGNING_SECRET", "")
	t.Setenv("DB_DRIVER", "memory")

	_, err := LoadRegistry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_TOKEN")
	assert.Contains(t, err.Error(), "CREDENTIAL_SIGNING_SECRET")

	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("CREDENTIAL_SIGNING_SECRET", strings.Repeat("s", 32))
	t.Setenv("SIGNAL_TIMEOUT", "not-a-duration")

	cfg, err := LoadRegistry()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Provisioning.ReconcileMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Provisioning.SignalTimeout)
	assert.Equal(t, 5, cfg.Provisioning.RecordMaxAttempts)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

// TestPurpose: Validates gateway configuration loading.
// Scope: Unit Test
// Expected: GATEWAY_TOKEN is required; overrides are read; a postgres config store needs DATABASE_URL.
// Test Case ID: CFG-ENV-02
func TestLoadGateway(t *testing.T) {
	t.Setenv("GATEWAY_TOKEN", "")
	_, err := LoadGateway()
	assert.Error(t, err)

	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("INBOUND_RATE_PER_MINUTE", "5")
	t.Setenv("ROUTER_RELOAD_INTERVAL", "2s")
	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.InboundRatePerMinute)
	assert.Equal(t, 2*time.Second, cfg.ReloadInterval)
	assert.Equal(t, "18789", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.ConfigStore)

	t.Setenv("GATEWAY_CONFIG_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err = LoadGateway()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

// TestPurpose: Validates .env loading does not override the environment.
// Scope: Unit Test
// Expected: Unset keys come from the file; set keys keep their value.
// Test Case ID: CFG-ENV-03
func TestLoadEnvFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FLYCLAW_TEST_A=file\nFLYCLAW_TEST_B=file\n"), 0o600))
	t.Setenv("FLYCLAW_TEST_B", "env")
	os.Unsetenv("FLYCLAW_TEST_A")
	t.Cleanup(func() { os.Unsetenv("FLYCLAW_TEST_A") })

	LoadEnvFiles(path, filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, "file", os.Getenv("FLYCLAW_TEST_A"))
	assert.Equal(t, "env", os.Getenv("FLYCLAW_TEST_B"))
}

// TestPurpose: Validates the trusted proxy list of the registry rate limiter.
// Scope: Unit Test
// Security: X-Forwarded-For is only believed from configured networks (CWE-348)
// Expected: Unset means no trusted proxies; CIDRs and bare addresses parse; a malformed entry fails validation.
// Test Case ID: CFG-ENV-04
func TestLoadRegistry_TrustedProxies(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("CREDENTIAL_SIGNING_SECRET", strings.Repeat("s", 32))
	t.Setenv("RATELIMIT_TRUSTED_PROXIES", "")

	cfg, err := LoadRegistry()
	require.NoError(t, err)
	prefixes, err := cfg.RateLimit.ProxyPrefixes()
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	t.Setenv("RATELIMIT_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.10")
	cfg, err = LoadRegistry()
	require.NoError(t, err)
	prefixes, err = cfg.RateLimit.ProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.10/32", prefixes[1].String())

	t.Setenv("RATELIMIT_TRUSTED_PROXIES", "not-a-network")
	_, err = LoadRegistry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATELIMIT_TRUSTED_PROXIES")
}
