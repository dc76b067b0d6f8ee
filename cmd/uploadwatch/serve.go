// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/uploadwatch/pkg/logging"
	"github.com/AleutianAI/uploadwatch/services/monitor"
	"github.com/AleutianAI/uploadwatch/services/monitor/admin"
	"github.com/AleutianAI/uploadwatch/services/monitor/cluster"
	"github.com/AleutianAI/uploadwatch/services/monitor/config"
	"github.com/AleutianAI/uploadwatch/services/monitor/mail"
	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"github.com/AleutianAI/uploadwatch/services/monitor/storage"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("uploadwatch")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func newBackend(ctx context.Context, logger *slog.Logger) (storage.Backend, error) {
	switch settings.Backend {
	case "gcs":
		return storage.NewGCS(ctx, storage.GCSConfig{
			ProjectID:       settings.GCS.Project,
			Bucket:          settings.GCS.Bucket,
			SubscriptionID:  settings.GCS.Subscription,
			CredentialsFile: settings.GCS.Credentials,
		}, logger)
	case "local":
		return storage.NewLocal(storage.LocalConfig{
			Root:         settings.Local.Root,
			DefaultOwner: settings.Local.Owner,
		}, logger)
	default:
		return nil, errors.New("backend must be \"gcs\" or \"local\"")
	}
}

func newBus(ctx context.Context, logger *slog.Logger) (cluster.Bus, func(), error) {
	switch settings.Bus.Kind {
	case "pubsub":
		bus, err := cluster.NewPubSubBus(ctx, settings.Bus.Project,
			settings.Bus.Topic, settings.Bus.Subscription, logger)
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { _ = bus.Close() }, nil
	case "memory":
		// Single-instance deployments have no peers to talk to.
		return cluster.NewInMemoryBus(), func() {}, nil
	default:
		return nil, nil, errors.New("bus.kind must be \"pubsub\" or \"memory\"")
	}
}

func newDirectory() (storage.Directory, error) {
	if settings.DirectoryPath != "" {
		return storage.LoadStaticDirectory(settings.DirectoryPath)
	}
	// Without a directory file, make at least the configured local
	// owner resolvable so startup validation can pass in dev setups.
	d := storage.NewStaticDirectory(nil)
	d.Put(settings.Local.Owner, policy.Identity{UserName: settings.Local.Owner})
	return d, nil
}

func runServe(cmd *cobra.Command, args []string) {
	bootstrap := logging.NewBootstrapRecorder(0)

	// Initial verbosity comes from process settings; once the policy
	// config loads, its log_level takes over (and follows reloads).
	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(settings.LogLevel),
		LogDir:  settings.LogDir,
		Service: "monitor",
		JSON:    settings.LogJSON,
	})
	defer appLogger.Close()
	logger := logging.WithBootstrap(appLogger.Slog(), bootstrap)
	slog.SetDefault(logger)

	auditLogger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  settings.LogDir,
		Service: "uploads",
		Quiet:   true,
	})
	defer auditLogger.Close()

	if settings.Tracing {
		cleanup, err := initTracer()
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, logger)
	if err != nil {
		log.Fatalf("failed to create storage backend: %v", err)
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	bus, closeBus, err := newBus(ctx, logger)
	if err != nil {
		log.Fatalf("failed to create cluster bus: %v", err)
	}
	defer closeBus()

	directory, err := newDirectory()
	if err != nil {
		log.Fatalf("failed to load user directory: %v", err)
	}

	// The store is loaded inside monitor.New; messages carry the policy
	// config's sender address themselves.
	store := config.NewStore(config.NewYAMLFile(settings.PolicyPath, logger), logger)

	var mailer mail.Mailer
	if settings.SMTP.Host != "" {
		mailer = mail.NewSMTP(mail.SMTPConfig{
			Host:     settings.SMTP.Host,
			Port:     settings.SMTP.Port,
			Username: settings.SMTP.Username,
			Password: settings.SMTP.Password,
		}, logger)
	} else {
		logger.Warn("no SMTP relay configured, notification emails will only be recorded")
		mailer = mail.NewRecorder()
	}

	svc, err := monitor.New(ctx, monitor.Options{
		InstanceID: settings.InstanceID,
		Store:      store,
		Backend:    backend,
		Directory:  directory,
		Bus:        bus,
		Mailer:     mailer,
		Audit:      auditLogger.Slog(),
		Bootstrap:  bootstrap,
		Logger:     logger,
		Log:        appLogger,
	})
	if err != nil {
		log.Fatalf("monitor initialization failed: %v", err)
	}

	router := admin.NewRouter(admin.Deps{
		Store:       store,
		Coordinator: svc.Coordinator(),
		LogDir:      settings.LogDir,
		Status: admin.StatusDeps{
			InstanceID:  svc.InstanceID(),
			Store:       store,
			Coordinator: svc.Coordinator(),
			Worker:      svc.Worker(),
			Queue:       svc.Queue(),
			Bootstrap:   bootstrap,
		},
	})

	httpServer := &http.Server{Addr: settings.Listen, Handler: router}
	go func() {
		logger.Info("admin API listening", "addr", settings.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("admin server failed: %v", err)
		}
	}()

	if err := svc.Run(ctx); err != nil {
		logger.Error("monitor exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
}
