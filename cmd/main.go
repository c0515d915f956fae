// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/synopticon/distribution/config"
	"github.com/synopticon/distribution/manager"
	"github.com/synopticon/distribution/ratelimit"
	"github.com/synopticon/distribution/server/health"
	"github.com/synopticon/distribution/server/otel"
	"github.com/synopticon/distribution/session"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting event distribution service", "version", cfg.Telemetry.ServiceVersion, "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"sessions", len(cfg.Sessions),
		"retry_attempts", cfg.Distribution.RetryAttempts,
		"retry_delay", cfg.Distribution.RetryDelay,
		"health_check_interval", cfg.Distribution.HealthCheckInterval,
		"rate_limit_enabled", cfg.Distribution.RateLimit.Enabled,
		"health_enabled", cfg.Health.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown otel.ShutdownFunc
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(cfg.Telemetry, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		tracer = otel.Tracer(cfg.Telemetry, cfg.Telemetry.ServiceName)
		if tracer != nil {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	limiter := ratelimit.New(cfg.Distribution.RateLimit)
	defer limiter.Stop()

	sessions := session.NewManager(session.Options{
		Manager: manager.Options{
			RetryAttempts:       cfg.Distribution.RetryAttempts,
			RetryDelay:          cfg.Distribution.RetryDelay,
			HealthCheckInterval: cfg.Distribution.HealthCheckInterval,
			Limiter:             limiter,
			Metrics:             metrics,
			Tracer:              tracer,
			Logger:              logger,
		},
		Defaults:     cfg.Distributors,
		HealthChecks: true,
		Metrics:      metrics,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, sc := range cfg.Sessions {
		st, err := sessions.CreateSession(ctx, sc.ID, session.Config{
			Distributors: sc.Distributors,
			EventRouting: sc.EventRouting,
		})
		if err != nil {
			slog.Error("Failed to create session", "session_id", sc.ID, "error", err)
			_ = sessions.Cleanup(context.Background())
			os.Exit(1)
		}
		for t, e := range st.InitErrors {
			slog.Warn("Distributor not connected at startup", "session_id", sc.ID, "type", t, "error", e)
		}
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, sessions, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Event distribution service started", "sessions", len(sessions.ListSessions()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	if healthServer != nil {
		healthServer.Drain()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Health.ShutdownTimeout)
	defer shutdownCancel()

	if err := sessions.Cleanup(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Event distribution service stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
