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

// Command registry serves the tenant lifecycle API and drives agent
// provisioning on the gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/flyclaw/flyclaw/internal/config"
	"github.com/flyclaw/flyclaw/internal/credential"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/observability/metrics"
	"github.com/flyclaw/flyclaw/internal/observability/tracing"
	"github.com/flyclaw/flyclaw/internal/provisioning"
	"github.com/flyclaw/flyclaw/internal/reconcile"
	"github.com/flyclaw/flyclaw/internal/store/postgres"
	"github.com/flyclaw/flyclaw/internal/tenant"
	transportHTTP "github.com/flyclaw/flyclaw/internal/transport/http"
	"github.com/flyclaw/flyclaw/internal/workspace"
)

// stores groups the registry's durable state.
type stores struct {
	tenants     tenant.Repository
	credentials credential.Repository
	outbox      provisioning.Outbox
	ping        func(ctx context.Context) error
	close       func()
}

func main() {
	config.LoadEnvFiles()
	cfg, err := config.LoadRegistry()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting flyclaw registry")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Role:           "registry",
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	} else {
		defer tracer.Shutdown(ctx)
	}

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}
	instruments, err := metrics.NewInstruments(meter)
	if err != nil {
		slog.Error("failed to register instruments", logger.Error(err))
		instruments = metrics.NoopInstruments()
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", logger.Error(err))
		os.Exit(1)
	}
	defer st.close()

	profile, err := agentconfig.LoadProfile(cfg.Provisioning.ProfilePath, cfg.Provisioning.WorkspaceRoot)
	if err != nil {
		slog.Error("failed to load agent profile", logger.Error(err))
		os.Exit(1)
	}
	docPath := cfg.Provisioning.SkillDocPath
	if docPath == "" {
		docPath = profile.SkillDoc
	}
	apiDoc, err := workspace.LoadSkillDoc(docPath)
	if err != nil {
		slog.Error("failed to load skill document", logger.Error(err))
		os.Exit(1)
	}

	auditLogger := audit.NewSlogLogger()
	client := gatewayclient.New(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout)
	reconciler := reconcile.New(client, profile, cfg.Provisioning.WorkspaceRoot, cfg.Provisioning.ReconcileMaxAttempts, instruments)

	issuer, err := credential.NewIssuer([]byte(cfg.Credential.SigningSecret), cfg.Credential.TTL, st.credentials, auditLogger)
	if err != nil {
		slog.Error("failed to initialize credential issuer", logger.Error(err))
		os.Exit(1)
	}

	retrier := provisioning.NewRetrier(client, st.outbox, provisioning.RetrierConfig{
		Timeout:    cfg.Provisioning.SignalTimeout,
		MaxElapsed: cfg.Provisioning.SignalMaxElapsed,
	})
	defer retrier.Close()

	orchestrator := provisioning.NewOrchestrator(
		st.tenants,
		reconciler,
		issuer,
		client,
		retrier,
		auditLogger,
		instruments,
		provisioning.Config{
			SignalTimeout:     cfg.Provisioning.SignalTimeout,
			RecordMaxAttempts: cfg.Provisioning.RecordMaxAttempts,
			ShopAPIURL:        cfg.Provisioning.ShopAPIURL,
			APIDoc:            apiDoc,
		},
	)
	tenantService := tenant.NewService(st.tenants, orchestrator, auditLogger)
	retrier.OnDelivered(tenantService.ClearWorkspacePending)

	if n, err := retrier.Resume(ctx); err != nil {
		slog.Error("failed to resume pending workspace signals", logger.Error(err))
	} else if n > 0 {
		slog.Info("resumed pending workspace signals", slog.Int("count", n))
	}

	proxies, err := cfg.RateLimit.ProxyPrefixes()
	if err != nil {
		slog.Error("invalid rate limit configuration", logger.Error(err))
		os.Exit(1)
	}
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst,
		transportHTTP.WithTrustedProxies(proxies))
	defer rateLimiter.Close()

	handler := transportHTTP.NewRegistryHandler(
		tenantService,
		client,
		transportHTTP.HealthCheck{Name: "database", Check: st.ping},
		transportHTTP.HealthCheck{Name: "gateway", Check: client.Health},
	)
	router := transportHTTP.NewRegistryRouter(handler, rateLimiter, transportHTTP.RegistryRouterConfig{
		AdminToken: cfg.AdminToken,
	})
	if cfg.AdminToken == "" {
		slog.Warn("REGISTRY_ADMIN_TOKEN is not set; the lifecycle API is unauthenticated")
	}

	addr := cfg.Server.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.RegistryConfig) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		slog.Warn("using in-memory stores; tenant state is lost on restart")
		return &stores{
			tenants:     tenant.NewMemoryRepository(),
			credentials: credential.NewMemoryRepository(),
			outbox:      provisioning.NewMemoryOutbox(),
			ping:        func(context.Context) error { return nil },
			close:       func() {},
		}, nil
	}

	db, err := postgres.New(ctx, dbConfig(cfg))
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")
	return &stores{
		tenants:     postgres.NewTenantRepository(db),
		credentials: postgres.NewCredentialRepository(db),
		outbox:      postgres.NewSignalOutbox(db),
		ping:        db.Ping,
		close:       db.Close,
	}, nil
}

func dbConfig(cfg *config.RegistryConfig) postgres.Config {
	return postgres.Config{
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}
}

func runMigrate(cfg *config.RegistryConfig) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires DB_DRIVER=postgres, got %q", cfg.Database.Driver)
	}
	ctx := context.Background()
	db, err := postgres.New(ctx, dbConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
