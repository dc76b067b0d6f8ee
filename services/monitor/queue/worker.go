// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/AleutianAI/uploadwatch/services/monitor/storage"
)

// ErrAlreadyRunning is returned by Start when a worker is started
// twice without an intervening Stop.
var ErrAlreadyRunning = fmt.Errorf("worker: already running")

// State is the worker lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// WorkerConfig holds the worker's timing knobs. Defaults match
// production behavior; tests shrink them.
type WorkerConfig struct {
	// StartupGrace is slept once before the first drain pass.
	StartupGrace time.Duration

	// PollInterval is slept after a pass that found nothing eligible.
	PollInterval time.Duration
}

// DefaultWorkerConfig returns the production timing: a 5 second startup
// grace and a 60 second polling interval.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		StartupGrace: 5 * time.Second,
		PollInterval: 60 * time.Second,
	}
}

// Worker is the single background loop that drains the delayed-action
// queue and executes remediation against the storage backend.
//
// # Description
//
// Exactly one Worker runs per process, so remediation actions are
// serialized and never run concurrently with each other in-process.
// Each attempt is independently recovered: a failure is logged and the
// item is discarded, not requeued (at-most-once delivery).
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. The run loop checks for
// cancellation before each pass and during every sleep, so shutdown
// latency is bounded by an in-flight backend call, not by the polling
// interval.
type Worker struct {
	queue   *DelayedActionQueue
	backend storage.Backend
	config  WorkerConfig
	logger  *slog.Logger
	clock   Clock

	mu    sync.Mutex
	state State
	done  chan struct{}

	// stopped is closed by the run loop on exit; Stop waits on it so a
	// Start right after Stop always observes a stopped worker.
	stopped chan struct{}
}

// NewWorker creates a stopped worker. A nil logger falls back to
// slog.Default(); a nil clock falls back to the system clock.
func NewWorker(q *DelayedActionQueue, backend storage.Backend, config WorkerConfig, logger *slog.Logger, clock Clock) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Worker{
		queue:   q,
		backend: backend,
		config:  config,
		logger:  logger,
		clock:   clock,
		state:   StateStopped,
	}
}

// State reports the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the worker goroutine. It fails with ErrAlreadyRunning
// unless the worker is stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.state = StateStarting
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})
	done, stopped := w.done, w.stopped
	w.mu.Unlock()

	w.logger.Info("remediation worker starting",
		"startup_grace", w.config.StartupGrace.String(),
		"poll_interval", w.config.PollInterval.String(),
	)
	go w.run(ctx, done, stopped)
	return nil
}

// Stop signals the run loop to exit and waits for it to finish. Safe
// to call multiple times and from multiple goroutines; every caller
// returns once the loop has exited, bounded by an in-flight backend
// call rather than the polling interval.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	if w.state != StateStopping {
		w.state = StateStopping
		close(w.done)
	}
	stopped := w.stopped
	w.mu.Unlock()
	<-stopped
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context, done chan struct{}, stopped chan struct{}) {
	defer func() {
		w.setState(StateStopped)
		close(stopped)
		w.logger.Info("remediation worker stopped")
	}()

	if !w.sleep(ctx, done, w.config.StartupGrace) {
		return
	}
	w.setState(StateRunning)
	w.logger.Info("remediation worker running")

	for {
		if cancelled(ctx, done) {
			return
		}
		drained := false
		for {
			item, ok := w.queue.TryPop()
			if !ok {
				break
			}
			drained = true
			w.execute(ctx, item)
			if cancelled(ctx, done) {
				return
			}
		}
		if !drained {
			if !w.sleep(ctx, done, w.config.PollInterval) {
				return
			}
			w.logger.Debug("remediation worker woke up")
		}
	}
}

// sleep waits for d, returning false when cancelled before it elapsed.
func (w *Worker) sleep(ctx context.Context, done chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !cancelled(ctx, done)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

func cancelled(ctx context.Context, done chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-done:
		return true
	default:
		return false
	}
}

// execute performs one remediation. Failures are logged and the item
// is dropped; the loop continues.
func (w *Worker) execute(ctx context.Context, item PendingAction) {
	start := time.Now()
	err := w.remediate(ctx, item)
	remediationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		remediations.WithLabelValues("error").Inc()
		w.logger.Error("remediation failed",
			"target", item.TargetPath, "source", item.SourcePath, "error", err)
		return
	}
	remediations.WithLabelValues("success").Inc()
	w.logger.Info("remediation completed",
		"target", item.TargetPath, "source", item.SourcePath)
}

// remediate overwrites the target with the source's current content and
// renames the superseded object to a timestamped "removed" name in the
// same directory. The copy preserves the target's identifier lineage,
// so downstream references to the original entry still resolve; the
// rename keeps the object visible instead of deleting it.
//
// The copy/rename pair is not atomic: a crash between the two steps
// leaves the destination duplicated rather than lost.
func (w *Worker) remediate(ctx context.Context, item PendingAction) error {
	src, err := w.backend.FindEntry(ctx, item.SourcePath)
	if err != nil {
		return fmt.Errorf("resolve overwrite source %q: %w", item.SourcePath, err)
	}

	w.logger.Info("overwriting entry",
		"target", item.TargetPath, "source", src.Path, "source_version", src.Version)

	replaced, err := w.backend.CopyEntry(ctx, src.Path, item.TargetPath, src.OwnerID, true)
	if err != nil {
		return fmt.Errorf("copy %q over %q: %w", src.Path, item.TargetPath, err)
	}

	// The timestamp suffix keeps concurrent processors of the same
	// event from colliding on the rename.
	removedName := fmt.Sprintf("removed_%d_%s", w.clock.Now().UnixMilli(), path.Base(item.TargetPath))
	if _, err := w.backend.RenameEntry(ctx, replaced, removedName); err != nil {
		return fmt.Errorf("rename superseded entry %q: %w", item.TargetPath, err)
	}
	return nil
}
