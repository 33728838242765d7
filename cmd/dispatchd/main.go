// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/dispatch/balancer"
	"github.com/absmach/fluxdispatch/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting dispatch daemon", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"label", cfg.Dispatcher.Label,
		"threads", cfg.Dispatcher.Threads,
		"balancer_enabled", cfg.Balancer.Enabled,
		"rebalance_interval", cfg.Balancer.RebalanceInterval,
		"pairs", cfg.Workload.Pairs,
		"log_level", cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		slog.Error("Dispatch daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Dispatch daemon stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var telemetry *otel.Provider
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		p, err := otel.New(ctx, cfg.Telemetry, cfg.Dispatcher)
		if err != nil {
			return err
		}
		telemetry = p
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.OTLPEndpoint)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	if cfg.Telemetry.MetricsEnabled {
		m, err := dispatch.NewMetrics(telemetry.MeterProvider())
		if err != nil {
			return err
		}
		opts = append(opts, dispatch.WithMetrics(m))
	}
	if !cfg.Balancer.Enabled {
		opts = append(opts, dispatch.WithBalancer(balancer.Noop{}))
	}

	d, err := dispatch.New(cfg.ToDispatch(), opts...)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	wl, err := newWorkload(d, cfg.Workload, logger)
	if err != nil {
		_ = d.Shutdown(context.Background())
		return err
	}
	sum, runErr := wl.Run(ctx)
	switch {
	case runErr == nil:
		slog.Info("Workload finished",
			"pairs", sum.Pairs,
			"messages", sum.Messages,
			"bytes", sum.Bytes,
			"max_latency", sum.MaxLatency,
			"colocated_pairs", sum.Colocated,
			"migrations", d.Stats().GetMigrations())
	case errors.Is(runErr, context.Canceled):
		slog.Info("Workload interrupted")
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownTimeout)
	defer cancel()
	shutdownErr := d.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		slog.Error("Error during shutdown", "error", shutdownErr)
	}

	if telemetry != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	return errors.Join(runErr, shutdownErr)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
