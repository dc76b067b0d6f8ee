// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch connects storage events to the policy engine. One
// Subscription is attached per cluster at a time; the coordinator
// decides which instance holds it.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/uploadwatch/services/monitor/mail"
	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"github.com/AleutianAI/uploadwatch/services/monitor/queue"
	"github.com/AleutianAI/uploadwatch/services/monitor/storage"
)

var (
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploadwatch",
		Subsystem: "watch",
		Name:      "events_total",
		Help:      "Storage events received, by kind",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploadwatch",
		Subsystem: "watch",
		Name:      "events_dropped_total",
		Help:      "Storage events dropped before evaluation, by reason",
	}, []string{"reason"})

	actionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploadwatch",
		Subsystem: "watch",
		Name:      "actions_dispatched_total",
		Help:      "Policy actions dispatched, by kind",
	}, []string{"kind"})
)

// SnapshotSource yields the current compiled policy snapshot. The
// config store satisfies this.
type SnapshotSource interface {
	Snapshot() *policy.Snapshot
}

// Subscription owns the storage event subscription and runs each event
// through the policy engine, dispatching the resulting actions.
//
// # Thread Safety
//
// Attach and Detach are safe to call concurrently; HandleEvent may be
// invoked from multiple backend dispatch goroutines at once.
type Subscription struct {
	backend   storage.Backend
	directory storage.Directory
	snapshots SnapshotSource
	engine    *policy.Engine
	queue     *queue.DelayedActionQueue
	mailer    mail.Mailer

	// selfID is the monitor's own acting principal. Entries it owns are
	// skipped so remediation output never re-enters the pipeline.
	selfID string

	// audit receives one structured line per triggered log action. It
	// is a separate logger so policy hits can be routed to their own
	// data log.
	audit  *slog.Logger
	logger *slog.Logger

	mu       sync.Mutex
	cancel   func()
	attached bool
}

// Options carries the subscription's collaborators.
type Options struct {
	Backend   storage.Backend
	Directory storage.Directory
	Snapshots SnapshotSource
	Engine    *policy.Engine
	Queue     *queue.DelayedActionQueue
	Mailer    mail.Mailer
	SelfID    string
	Audit     *slog.Logger
	Logger    *slog.Logger
}

// NewSubscription creates a detached subscription.
func NewSubscription(opts Options) *Subscription {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := opts.Audit
	if audit == nil {
		audit = logger
	}
	return &Subscription{
		backend:   opts.Backend,
		directory: opts.Directory,
		snapshots: opts.Snapshots,
		engine:    opts.Engine,
		queue:     opts.Queue,
		mailer:    opts.Mailer,
		selfID:    opts.SelfID,
		audit:     audit,
		logger:    logger,
	}
}

// Attach subscribes to creation and move events. Attaching an already
// attached subscription is a no-op, so ownership callbacks can fire it
// without tracking state themselves.
func (s *Subscription) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil
	}
	kinds := []policy.EventKind{policy.EntryCreated, policy.EntryMoved}
	cancel, err := s.backend.Subscribe(ctx, kinds, s.HandleEvent)
	if err != nil {
		return err
	}
	s.cancel = cancel
	s.attached = true
	s.logger.Info("event subscription attached")
	return nil
}

// Detach stops event delivery. Events already in flight may still
// complete. Idempotent.
func (s *Subscription) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return
	}
	s.cancel()
	s.cancel = nil
	s.attached = false
	s.logger.Info("event subscription detached")
}

// Attached reports whether the subscription is currently receiving
// events.
func (s *Subscription) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// HandleEvent processes one storage event end to end: resolve the
// entry, pre-filter on size, resolve the owner, evaluate the rule
// chain, dispatch actions. Failures drop the event; there is no retry
// because the policy is advisory and the next upload gets a fresh
// evaluation.
func (s *Subscription) HandleEvent(ctx context.Context, ev storage.Event) {
	eventsReceived.WithLabelValues(string(ev.Kind)).Inc()

	snap := s.snapshots.Snapshot()
	if snap == nil {
		eventsDropped.WithLabelValues("no_config").Inc()
		return
	}
	minBytes, anyEnabled := snap.MinThresholdBytes()
	if !anyEnabled {
		eventsDropped.WithLabelValues("no_enabled_rules").Inc()
		return
	}

	entry, err := s.backend.ResolveEntry(ctx, ev.EntryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted or renamed between event and lookup. Routine.
			eventsDropped.WithLabelValues("entry_gone").Inc()
			return
		}
		eventsDropped.WithLabelValues("resolve_error").Inc()
		s.logger.Error("failed to resolve entry for event",
			"entry_id", ev.EntryID, "kind", string(ev.Kind), "error", err)
		return
	}

	if s.selfID != "" && entry.OwnerID == s.selfID {
		eventsDropped.WithLabelValues("self").Inc()
		return
	}

	// Cheap size gate before the directory lookup: anything below every
	// enabled threshold can never match a size rule, but rules without a
	// size predicate still need full evaluation.
	if minBytes > 0 && entry.Size < minBytes {
		eventsDropped.WithLabelValues("below_threshold").Inc()
		return
	}

	owner, err := s.directory.ResolveUser(ctx, entry.OwnerID)
	if err != nil {
		eventsDropped.WithLabelValues("owner_unresolved").Inc()
		s.logger.Warn("failed to resolve entry owner, dropping event",
			"entry_id", entry.ID, "owner_id", entry.OwnerID, "error", err)
		return
	}

	fileEv := policy.FileEvent{
		Path:        entry.Path,
		Size:        entry.Size,
		ContentType: entry.ContentType,
		OwnerID:     entry.OwnerID,
		Kind:        ev.Kind,
	}
	for _, act := range s.engine.Evaluate(fileEv, owner, snap) {
		s.dispatch(ctx, act, entry, owner, snap.Config)
	}
}

func (s *Subscription) dispatch(ctx context.Context, act policy.ActionRequest, entry storage.Entry, owner policy.Identity, cfg *policy.Config) {
	actionsDispatched.WithLabelValues(string(act.Kind)).Inc()
	switch act.Kind {
	case policy.ActionLog:
		s.audit.Info("upload matched policy rule",
			"rule", act.RuleName,
			"ordinal", act.RuleOrdinal,
			"path", entry.Path,
			"size_bytes", entry.Size,
			"content_type", entry.ContentType,
			"owner", owner.UserName,
			"server", entry.Server)

	case policy.ActionEmail:
		if owner.Email == "" {
			s.logger.Warn("email action skipped, owner has no address",
				"rule", act.RuleName, "owner", owner.UserName)
			return
		}
		msg := mail.Message{
			From:     cfg.EmailFrom,
			FromName: cfg.EmailFromName,
			To:       []string{owner.Email},
			Subject:  act.Subject,
			Body:     act.Body,
		}
		if err := s.mailer.Send(ctx, msg); err != nil {
			s.logger.Error("email action failed",
				"rule", act.RuleName, "to", owner.Email, "error", err)
		}

	case policy.ActionOverwrite:
		s.queue.Enqueue(queue.PendingAction{
			TargetPath: entry.Path,
			SourcePath: act.OverwriteSource,
			Server:     entry.Server,
		})
		s.logger.Info("overwrite deferred",
			"rule", act.RuleName, "path", entry.Path, "source", act.OverwriteSource)

	default:
		s.logger.Error("unknown action kind", "kind", string(act.Kind), "rule", act.RuleName)
	}
}
