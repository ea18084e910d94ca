// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

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

	"github.com/expgate/expgate/pkg/logging"
	"github.com/expgate/expgate/services/rollout/audit"
	"github.com/expgate/expgate/services/rollout/gate"
	"github.com/expgate/expgate/services/rollout/handlers"
	"github.com/expgate/expgate/services/rollout/manager"
	"github.com/expgate/expgate/services/rollout/metrics"
	"github.com/expgate/expgate/services/rollout/notify"
	"github.com/expgate/expgate/services/rollout/routes"
	"github.com/expgate/expgate/services/rollout/sink"
	"github.com/expgate/expgate/services/rollout/stats"
	"github.com/expgate/expgate/services/rollout/store"
	"github.com/expgate/expgate/services/rollout/telemetry"
	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rollout engine server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// initTracer configures the OTLP trace exporter. A missing endpoint leaves
// the default no-op tracer in place.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		slog.Info("OTLP endpoint not configured, tracing disabled")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("expgate")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe() error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	level := "info"
	if cfg.Server.Debug {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level})

	cleanup, err := initTracer(cfg.Otel.Endpoint)
	if err != nil {
		return fmt.Errorf("setup OTLP tracer: %w", err)
	}
	defer cleanup(context.Background())

	tel, err := telemetry.New(nil)
	if err != nil {
		return err
	}

	st := store.New(logger)
	collector := metrics.NewCollector(st, &metrics.Config{
		SessionRetention:  durationOr(cfg.Collector.SessionRetention, 24*time.Hour),
		RankReservoirSize: cfg.Collector.RankReservoirSize,
		Logger:            logger,
		Telemetry:         tel,
	})

	auditCfg := audit.Config{
		Path:       cfg.Audit.Path,
		InMemory:   cfg.Audit.InMemory,
		SyncWrites: cfg.Audit.SyncWrites,
		Logger:     logger,
	}
	if auditCfg.Path == "" && !auditCfg.InMemory {
		auditCfg.Path = "./data/audit"
		auditCfg.SyncWrites = true
	}
	auditLog, err := audit.Open(auditCfg)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	var notifier notify.Notifier = &notify.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier, err = notify.NewWebhookNotifier(notify.WebhookConfig{URL: cfg.Notify.WebhookURL})
		if err != nil {
			return fmt.Errorf("configure webhook notifier: %w", err)
		}
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify.QueueDepth, logger)

	mgr := manager.New(st, &manager.Config{
		Cooldown:  durationOr(cfg.Manager.Cooldown, time.Hour),
		Logger:    logger,
		Audit:     auditLog,
		Notify:    dispatcher,
		Telemetry: tel,
	})
	installExperiments(cfg, mgr, logger)

	alpha := cfg.Gate.Alpha
	if alpha == 0 {
		alpha = 0.05
	}
	controller := gate.New(st, collector, mgr, &gate.Config{
		Interval:         durationOr(cfg.Gate.Interval, 30*time.Second),
		DwellTime:        durationOr(cfg.Gate.DwellTime, 15*time.Minute),
		WarningStreak:    cfg.Gate.WarningStreak,
		EscalationStreak: cfg.Gate.EscalationStreak,
		Analyzer:         stats.NewAnalyzer(&stats.Config{Alpha: alpha, Logger: logger}),
		Logger:           logger,
		Telemetry:        tel,
	})

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}

	h := handlers.NewHandlers(st, collector, mgr).
		WithAnalysis(controller).
		WithEvents(auditLog).
		WithTelemetry(tel)
	routes.SetupRoutes(router, h)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("rollout engine listening", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		controller.Run(ctx)
		return nil
	})
	group.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})
	group.Go(func() error {
		runSessionFlusher(ctx, collector, logger)
		return nil
	})

	if cfg.Influx.URL != "" {
		exporter := sink.New(sink.Config{
			URL:      cfg.Influx.URL,
			Token:    cfg.Influx.Token,
			Org:      cfg.Influx.Org,
			Bucket:   cfg.Influx.Bucket,
			Interval: durationOr(cfg.Influx.Interval, time.Minute),
			Logger:   logger,
		}, st, collector)
		defer exporter.Close()
		group.Go(func() error {
			exporter.Run(ctx)
			return nil
		})
	}

	group.Go(func() error {
		return watchConfig(ctx, configPath, mgr, logger)
	})

	return group.Wait()
}

// installExperiments upserts each configured experiment. A bad definition is
// skipped with an error log so one typo cannot keep the rest offline.
func installExperiments(cfg *Config, mgr *manager.Manager, logger *slog.Logger) {
	for i := range cfg.Experiments {
		def := &cfg.Experiments[i]
		if err := mgr.Upsert(def); err != nil {
			logger.Error("experiment rejected",
				slog.String("experiment", def.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runSessionFlusher rotates the collector's session identity window.
func runSessionFlusher(ctx context.Context, collector *metrics.Collector, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := collector.FlushExpired(now); n > 0 {
				logger.Debug("expired sessions flushed", slog.Int("count", n))
			}
		}
	}
}

// watchConfig reloads experiment definitions when the config file changes.
// Server and infrastructure settings require a restart; only the experiments
// block is hot-reloaded.
func watchConfig(ctx context.Context, path string, mgr *manager.Manager, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Editors often replace the file; re-add the watch.
			_ = watcher.Add(path)

			cfg, err := LoadConfig(path)
			if err != nil {
				logger.Error("config reload failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("config changed, reloading experiments",
				slog.Int("count", len(cfg.Experiments)))
			installExperiments(cfg, mgr, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", slog.String("error", err.Error()))
		}
	}
}
