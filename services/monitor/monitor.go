// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor assembles the upload policy monitor: configuration
// store, storage event subscription, policy engine, deferred
// remediation worker, and cluster coordination.
//
// # Description
//
// One Service runs per instance. All instances evaluate admin traffic
// and serve the admin API; the coordinator elects a single instance to
// hold the storage event subscription and the remediation worker, so
// each upload is evaluated once.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/uploadwatch/pkg/logging"
	"github.com/AleutianAI/uploadwatch/services/monitor/cluster"
	"github.com/AleutianAI/uploadwatch/services/monitor/config"
	"github.com/AleutianAI/uploadwatch/services/monitor/mail"
	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"github.com/AleutianAI/uploadwatch/services/monitor/queue"
	"github.com/AleutianAI/uploadwatch/services/monitor/storage"
	"github.com/AleutianAI/uploadwatch/services/monitor/watch"
)

// Options carries the collaborators and knobs for one Service.
type Options struct {
	// InstanceID identifies this instance on the cluster bus. Empty
	// generates a random one.
	InstanceID string

	Store     *config.Store
	Backend   storage.Backend
	Directory storage.Directory
	Bus       cluster.Bus
	Mailer    mail.Mailer

	// AdminMatcher overrides the default admin heuristic. Nil keeps
	// the username-suffix check.
	AdminMatcher policy.AdminMatcher

	// Owner overrides the subscription ownership heuristic. Nil keeps
	// lowest-instance-id.
	Owner cluster.OwnerFunc

	Coordinator cluster.CoordinatorConfig
	Worker      queue.WorkerConfig

	// Audit receives one line per triggered log action. Nil falls back
	// to Logger.
	Audit *slog.Logger

	// Bootstrap, when set, captures initialization diagnostics for the
	// status endpoint.
	Bootstrap *logging.BootstrapRecorder

	Logger *slog.Logger

	// Log, when set, receives the policy config's log_level at startup
	// and again on every reload, so operators can change verbosity by
	// editing the shared config.
	Log *logging.Logger
}

// Service is one assembled monitor instance.
type Service struct {
	instanceID string
	store      *config.Store
	backend    storage.Backend
	queue      *queue.DelayedActionQueue
	worker     *queue.Worker
	sub        *watch.Subscription
	coord      *cluster.Coordinator
	logger     *slog.Logger
	log        *logging.Logger

	// transitions serializes ownership callbacks so a lose/regain pair
	// always runs stop-then-start in order.
	transitions sync.Mutex

	// runCtx is the context Run was started with; ownership callbacks
	// use it to attach the subscription and start the worker.
	runCtx context.Context
}

// New validates the environment and wires the service together.
// Initialization is strict: an unloadable config, an unreachable
// backend, or an unresolvable acting principal all fail construction,
// because a monitor that starts half-blind silently enforces nothing.
func New(ctx context.Context, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Bootstrap != nil {
		logger = logging.WithBootstrap(logger, opts.Bootstrap)
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	logger.Info("initializing upload monitor", "instance", instanceID)

	if err := opts.Store.Load(ctx); err != nil {
		logger.Error("initialization failed: configuration unloadable", "error", err)
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := opts.Store.Current()
	logger.Info("configuration loaded",
		"rules", len(cfg.Rules), "log_level", cfg.LogLevel, "run_as", cfg.RunAsUser)
	if opts.Log != nil {
		opts.Log.SetSlogLevel(cfg.SlogLevel())
	}

	if err := opts.Backend.Ping(ctx); err != nil {
		logger.Error("initialization failed: storage backend unreachable", "error", err)
		return nil, fmt.Errorf("ping storage backend: %w", err)
	}
	logger.Info("storage backend reachable")

	self, err := opts.Directory.ResolveUser(ctx, cfg.RunAsUser)
	if err != nil {
		logger.Error("initialization failed: acting principal unresolvable",
			"run_as", cfg.RunAsUser, "error", err)
		return nil, fmt.Errorf("resolve acting principal %q: %w", cfg.RunAsUser, err)
	}
	logger.Info("acting principal resolved", "run_as", cfg.RunAsUser, "user_name", self.UserName)

	audit := opts.Audit
	if audit == nil {
		audit = logger
	}

	q := queue.NewDelayedActionQueue(queue.DefaultDwell, nil)
	worker := queue.NewWorker(q, opts.Backend, opts.Worker, logger, nil)

	engine := policy.NewEngine(opts.AdminMatcher, logger)
	sub := watch.NewSubscription(watch.Options{
		Backend:   opts.Backend,
		Directory: opts.Directory,
		Snapshots: opts.Store,
		Engine:    engine,
		Queue:     q,
		Mailer:    opts.Mailer,
		SelfID:    cfg.RunAsUser,
		Audit:     audit,
		Logger:    logger,
	})

	coord := cluster.NewCoordinator(opts.Bus, instanceID, opts.Owner, opts.Coordinator, logger)

	s := &Service{
		instanceID: instanceID,
		store:      opts.Store,
		backend:    opts.Backend,
		queue:      q,
		worker:     worker,
		sub:        sub,
		coord:      coord,
		logger:     logger,
		log:        opts.Log,
	}
	coord.OnOwnershipChange = s.onOwnershipChange
	coord.OnReconfigure = s.onReconfigure
	return s, nil
}

// Run starts cluster coordination and blocks until ctx is cancelled,
// then tears the service down in reverse order.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx
	if err := s.coord.Start(ctx); err != nil {
		return fmt.Errorf("start cluster coordinator: %w", err)
	}
	s.logger.Info("upload monitor running", "instance", s.instanceID)

	<-ctx.Done()

	s.logger.Info("upload monitor shutting down", "instance", s.instanceID)
	shutdownCtx := context.WithoutCancel(ctx)
	s.coord.Stop(shutdownCtx)
	s.sub.Detach()
	s.worker.Stop()
	return nil
}

// onOwnershipChange attaches or detaches the event pipeline as this
// instance gains or loses the subscription.
func (s *Service) onOwnershipChange(isOwner bool) {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if isOwner {
		if err := s.sub.Attach(ctx); err != nil {
			s.logger.Error("failed to attach event subscription", "error", err)
			return
		}
		// Stop waits for the loop to exit, so a regain right after a
		// loss never races a still-stopping worker.
		if err := s.worker.Start(ctx); err != nil && err != queue.ErrAlreadyRunning {
			s.logger.Error("failed to start remediation worker", "error", err)
		}
		return
	}
	s.sub.Detach()
	s.worker.Stop()
}

// onReconfigure reloads the shared configuration. A reload of
// unchanged state is a no-op by construction, so duplicate
// notifications are harmless.
func (s *Service) onReconfigure() {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.store.Load(ctx); err != nil {
		// Keep running on the prior snapshot.
		s.logger.Error("reconfigure failed, keeping active configuration", "error", err)
		return
	}
	cfg := s.store.Current()
	if s.log != nil {
		s.log.SetSlogLevel(cfg.SlogLevel())
	}
	s.logger.Info("configuration reloaded", "rules", len(cfg.Rules), "log_level", cfg.LogLevel)
}

// InstanceID returns this instance's cluster identifier.
func (s *Service) InstanceID() string { return s.instanceID }

// Coordinator exposes the cluster coordinator for the admin surface.
func (s *Service) Coordinator() *cluster.Coordinator { return s.coord }

// Worker exposes the remediation worker for the admin surface.
func (s *Service) Worker() *queue.Worker { return s.worker }

// Queue exposes the deferred action queue for the admin surface.
func (s *Service) Queue() *queue.DelayedActionQueue { return s.queue }
