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

// Command gateway owns the agent configuration, the agent workspaces and
// inbound message routing.
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
	"github.com/flyclaw/flyclaw/internal/observability/logger"
	"github.com/flyclaw/flyclaw/internal/observability/metrics"
	"github.com/flyclaw/flyclaw/internal/observability/tracing"
	"github.com/flyclaw/flyclaw/internal/router"
	"github.com/flyclaw/flyclaw/internal/store/postgres"
	"github.com/flyclaw/flyclaw/internal/store/sqlite"
	transportHTTP "github.com/flyclaw/flyclaw/internal/transport/http"
	"github.com/flyclaw/flyclaw/internal/workspace"
)

func main() {
	config.LoadEnvFiles()
	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting flyclaw gateway")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Role:           "gateway",
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	} else {
		defer tracer.Shutdown(context.Background())
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

	profile, err := agentconfig.LoadProfile(cfg.ProfilePath, cfg.WorkspaceRoot)
	if err != nil {
		slog.Error("failed to load agent profile", logger.Error(err))
		os.Exit(1)
	}

	persister, closeStore, err := openConfigStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open config database", logger.Error(err))
		os.Exit(1)
	}
	defer closeStore()

	store, err := agentconfig.NewStore(ctx, persister, profile.Admin)
	if err != nil {
		slog.Error("failed to load gateway config", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("gateway config loaded",
		logger.Component("gateway"),
		slog.Int64("version", store.Read().Version),
		slog.Int("agents", len(store.Read().Agents)),
	)

	rt := router.New(store, instruments)
	store.Subscribe(rt.OnChange)
	go rt.Run(ctx, cfg.ReloadInterval)

	workspaces := workspace.NewProvisioner(cfg.WorkspaceRoot, workspace.WithAgents(store))

	// Agent execution is a separate process; accepted messages are only
	// resolved and acknowledged here.
	handler := transportHTTP.NewGatewayHandler(store, workspaces, rt, nil, audit.NewSlogLogger())
	httpRouter := transportHTTP.NewGatewayRouter(handler, transportHTTP.GatewayRouterConfig{
		Token:                cfg.Token,
		InboundRatePerMinute: cfg.InboundRatePerMinute,
	})

	addr := cfg.Server.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      httpRouter,
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
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func openConfigStore(ctx context.Context, cfg *config.GatewayConfig) (agentconfig.Persister, func(), error) {
	if cfg.ConfigStore == "postgres" {
		db, err := postgres.New(ctx, postgres.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("gateway config stored in postgres")
		return postgres.NewConfigRepository(db), db.Close, nil
	}

	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("gateway config stored in sqlite", slog.String("path", cfg.DBPath))
	return db, func() { db.Close() }, nil
}
