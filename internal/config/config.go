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

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RegistryConfig holds the registry service configuration
type RegistryConfig struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Gateway       GatewayClientConfig
	Credential    CredentialConfig
	Provisioning  ProvisioningConfig
	AdminToken    string
}

// GatewayConfig holds the gateway service configuration
type GatewayConfig struct {
	Server        ServerConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Token         string
	// ConfigStore is "sqlite" (DBPath) or "postgres" (DatabaseURL).
	ConfigStore   string
	DBPath        string
	DatabaseURL   string
	WorkspaceRoot string
	ProfilePath   string
	// ReloadInterval is how often the router re-reads the store.
	ReloadInterval       time.Duration
	InboundRatePerMinute int
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies lists the networks whose X-Forwarded-For header is
	// believed. Empty means the header is ignored.
	TrustedProxies []string
}

// ProxyPrefixes parses TrustedProxies. Bare addresses are single-host
// networks.
func (c RateLimitConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, s := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("RATELIMIT_TRUSTED_PROXIES: invalid network %q", s)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// GatewayClientConfig configures the registry's calls to the gateway.
type GatewayClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// CredentialConfig configures tenant credential issuance.
type CredentialConfig struct {
	SigningSecret string
	TTL           time.Duration
}

// ProvisioningConfig configures the activation state machine.
type ProvisioningConfig struct {
	ShopAPIURL           string
	SkillDocPath         string
	WorkspaceRoot        string
	ProfilePath          string
	ReconcileMaxAttempts int
	SignalTimeout        time.Duration
	SignalMaxElapsed     time.Duration
	RecordMaxAttempts    int
}

// LoadEnvFiles reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadEnvFiles(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// LoadRegistry loads registry configuration from environment variables
func LoadRegistry() (*RegistryConfig, error) {
	cfg := &RegistryConfig{
		Server:        loadServer("8080"),
		Observability: loadObservability("flyclaw-registry"),
		RateLimit:     loadRateLimit(),
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "flyclaw"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "flyclaw"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Gateway: GatewayClientConfig{
			URL:     getEnv("GATEWAY_URL", "http://localhost:18789"),
			Token:   getEnv("GATEWAY_TOKEN", ""),
			Timeout: parseDuration("GATEWAY_TIMEOUT", "10s"),
		},
		Credential: CredentialConfig{
			SigningSecret: getEnv("CREDENTIAL_SIGNING_SECRET", ""),
			TTL:           parseDuration("CREDENTIAL_TTL", "8760h"),
		},
		Provisioning: ProvisioningConfig{
			ShopAPIURL:           getEnv("SHOP_API_URL", "http://localhost:3000/api"),
			SkillDocPath:         getEnv("SKILL_DOC_PATH", ""),
			WorkspaceRoot:        getEnv("WORKSPACE_ROOT", "/var/lib/flyclaw/agents"),
			ProfilePath:          getEnv("AGENT_PROFILE_PATH", ""),
			ReconcileMaxAttempts: parseInt("RECONCILE_MAX_ATTEMPTS", 3),
			SignalTimeout:        parseDuration("SIGNAL_TIMEOUT", "5s"),
			SignalMaxElapsed:     parseDuration("SIGNAL_MAX_ELAPSED", "10m"),
			RecordMaxAttempts:    parseInt("RECORD_MAX_ATTEMPTS", 5),
		},
		AdminToken: getEnv("REGISTRY_ADMIN_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *RegistryConfig) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" && c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD or DATABASE_URL is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver))
	}
	if c.Gateway.Token == "" {
		errs = append(errs, errors.New("GATEWAY_TOKEN is required"))
	}
	if len(c.Credential.SigningSecret) < 32 {
		errs = append(errs, errors.New("CREDENTIAL_SIGNING_SECRET must be at least 32 bytes"))
	}
	if c.Provisioning.ReconcileMaxAttempts < 1 {
		errs = append(errs, errors.New("RECONCILE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Provisioning.RecordMaxAttempts < 1 {
		errs = append(errs, errors.New("RECORD_MAX_ATTEMPTS must be at least 1"))
	}
	if _, err := c.RateLimit.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadGateway loads gateway configuration from environment variables
func LoadGateway() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		Server:               loadServer("18789"),
		Observability:        loadObservability("flyclaw-gateway"),
		RateLimit:            loadRateLimit(),
		Token:                getEnv("GATEWAY_TOKEN", ""),
		ConfigStore:          getEnv("GATEWAY_CONFIG_STORE", "sqlite"),
		DBPath:               getEnv("GATEWAY_DB_PATH", "flyclaw-gateway.db"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		WorkspaceRoot:        getEnv("WORKSPACE_ROOT", "/var/lib/flyclaw/agents"),
		ProfilePath:          getEnv("AGENT_PROFILE_PATH", ""),
		ReloadInterval:       parseDuration("ROUTER_RELOAD_INTERVAL", "30s"),
		InboundRatePerMinute: parseInt("INBOUND_RATE_PER_MINUTE", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("GATEWAY_TOKEN is required"))
	}
	if c.WorkspaceRoot == "" {
		errs = append(errs, errors.New("WORKSPACE_ROOT is required"))
	}
	switch c.ConfigStore {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("GATEWAY_DB_PATH is required"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for GATEWAY_CONFIG_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_CONFIG_STORE must be sqlite or postgres, got %q", c.ConfigStore))
	}
	if c.InboundRatePerMinute < 1 {
		errs = append(errs, errors.New("INBOUND_RATE_PER_MINUTE must be at least 1"))
	}
	return errors.Join(errs...)
}

func loadServer(port string) ServerConfig {
	return ServerConfig{
		Host:         getEnv("SERVER_HOST", "0.0.0.0"),
		Port:         getEnv("SERVER_PORT", port),
		ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
		WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "60s"),
		IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
	}
}

func loadObservability(service string) ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		OTELEnabled:    parseBool("OTEL_ENABLED", false),
		ServiceName:    getEnv("OTEL_SERVICE_NAME", service),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
	}
}

func loadRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
		Burst:             parseInt("RATELIMIT_BURST", 20),
		TrustedProxies:    parseList("RATELIMIT_TRUSTED_PROXIES"),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
