// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/bus"
	"github.com/lightbus/lightbus/config"
	"github.com/lightbus/lightbus/internal/health"
	xlog "github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/telemetry"
	"github.com/lightbus/lightbus/internal/version"
	"github.com/lightbus/lightbus/transport"
)

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	addr := fs.String("addr", "", "health/metrics listen address (overrides config)")
	_ = fs.Parse(args)

	cfg, code := loadConfig(*configPath)
	if code != exitOK {
		return code
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	logger := xlog.WithComponent("run")
	ctx, cancel, interrupted := signalContext()
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error().Err(err).Msg("telemetry setup failed")
		return exitConfig
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	tr, err := buildTransports(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("transport setup failed")
		return exitTransport
	}

	client := bus.New(tr, cfg.Settings())
	if err := bus.RunSetupHooks(client); err != nil {
		logger.Error().Err(err).Msg("setup hook failed")
		return exitConfig
	}

	if *configPath != "" {
		if err := config.Watch(ctx, *configPath, nil); err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable")
		}
	}

	healthMgr := health.NewManager(version.Version)
	healthMgr.Register(health.CheckerFunc{CheckName: "bus", Fn: func(ctx context.Context) health.CheckResult {
		if client.State() == bus.StateRunning {
			return health.CheckResult{Status: health.StatusHealthy}
		}
		return health.CheckResult{Status: health.StatusUnhealthy, Message: string(client.State())}
	}})

	httpServer := serveOps(cfg.HTTPAddr, healthMgr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := client.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("bus start failed")
		var failure *transport.Failure
		if errors.As(err, &failure) {
			return exitTransport
		}
		return exitConfig
	}
	healthMgr.SetReady(true)

	<-ctx.Done()
	healthMgr.SetReady(false)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Bus.GracefulShutdownTimeout)+10*time.Second)
	defer stopCancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("bus stop failed")
	}

	if *interrupted {
		return exitInterrupt
	}
	return exitOK
}

// serveOps exposes health, readiness and metrics on a small chi router.
func serveOps(addr string, healthMgr *health.Manager, logger zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(60, time.Minute))
	r.Method(http.MethodGet, "/healthz", healthMgr.HealthHandler())
	r.Method(http.MethodGet, "/readyz", healthMgr.ReadyHandler())
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("event", "ops.server_failed").Msg("ops server failed")
		}
	}()
	return server
}
