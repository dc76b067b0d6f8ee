// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue holds the age-gated delayed-action queue and the
// background worker that executes content remediation against the
// storage backend.
package queue

import (
	"sync"
	"time"
)

// DefaultDwell is the minimum age a queued action must reach before it
// becomes eligible for execution. Copying over a path whose upload is
// still being finalized can race with that upload; the dwell interval
// empirically exceeds worst-case finalization time.
const DefaultDwell = 60 * time.Second

// PendingAction is one deferred remediation: overwrite TargetPath with
// the content at SourcePath. Duplicates for the same target are allowed
// and each executes in FIFO order.
type PendingAction struct {
	TargetPath string
	SourcePath string

	// Server names the storage server or tenant the target lives on.
	Server string

	// EnqueuedAt is stamped by Enqueue.
	EnqueuedAt time.Time
}

// DelayedActionQueue is an in-process, mutex-guarded FIFO of pending
// remediations, gated by minimum age.
//
// # Thread Safety
//
// Enqueue and TryPop share one lock; the event-delivery path only ever
// holds it for an append, so enqueueing never stalls event dispatch
// beyond the lock itself.
type DelayedActionQueue struct {
	mu    sync.Mutex
	items []PendingAction
	dwell time.Duration
	clock Clock
}

// NewDelayedActionQueue creates a queue with the given dwell time. A
// non-positive dwell falls back to DefaultDwell; a nil clock falls back
// to the system clock.
func NewDelayedActionQueue(dwell time.Duration, clock Clock) *DelayedActionQueue {
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &DelayedActionQueue{dwell: dwell, clock: clock}
}

// Enqueue appends the action, stamping it with the current time.
func (q *DelayedActionQueue) Enqueue(a PendingAction) {
	a.EnqueuedAt = q.clock.Now()
	q.mu.Lock()
	q.items = append(q.items, a)
	depth := len(q.items)
	q.mu.Unlock()
	queueDepth.Set(float64(depth))
	actionsEnqueued.Inc()
}

// TryPop removes and returns the first item, in enqueue order, whose
// age exceeds the dwell time. It returns false when nothing is eligible
// yet. Since age is monotonic with enqueue order the item returned is
// the oldest eligible one.
func (q *DelayedActionQueue) TryPop() (PendingAction, bool) {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if now.Sub(item.EnqueuedAt) > q.dwell {
			q.items = append(q.items[:i], q.items[i+1:]...)
			queueDepth.Set(float64(len(q.items)))
			return item, true
		}
	}
	return PendingAction{}, false
}

// Len reports the number of queued actions, eligible or not.
func (q *DelayedActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
