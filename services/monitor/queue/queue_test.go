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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPopGatesOnDwell(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	q := NewDelayedActionQueue(60*time.Second, clock)

	q.Enqueue(PendingAction{TargetPath: "/courses/a/big.mp4", SourcePath: "/internal/placeholder.mp4"})

	// t=30s: still too young.
	clock.Advance(30 * time.Second)
	_, ok := q.TryPop()
	assert.False(t, ok)

	// t=61s: eligible.
	clock.Advance(31 * time.Second)
	item, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "/courses/a/big.mp4", item.TargetPath)

	// The same logical item is never returned twice.
	_, ok = q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestTryPopExactDwellBoundaryIsNotEligible(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	q := NewDelayedActionQueue(60*time.Second, clock)
	q.Enqueue(PendingAction{TargetPath: "/t"})

	// Age must exceed the dwell, not merely reach it.
	clock.Advance(60 * time.Second)
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestTryPopReturnsOldestEligibleFirst(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	q := NewDelayedActionQueue(60*time.Second, clock)

	q.Enqueue(PendingAction{TargetPath: "/first"})
	clock.Advance(10 * time.Second)
	q.Enqueue(PendingAction{TargetPath: "/second"})
	clock.Advance(55 * time.Second) // first is 65s old, second 55s

	item, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "/first", item.TargetPath)

	_, ok = q.TryPop()
	assert.False(t, ok, "second item is still inside the dwell window")

	clock.Advance(10 * time.Second)
	item, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "/second", item.TargetPath)
}

func TestEnqueueAllowsDuplicateTargets(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	q := NewDelayedActionQueue(time.Second, clock)

	q.Enqueue(PendingAction{TargetPath: "/same"})
	q.Enqueue(PendingAction{TargetPath: "/same"})
	clock.Advance(2 * time.Second)

	_, ok := q.TryPop()
	require.True(t, ok)
	_, ok = q.TryPop()
	require.True(t, ok, "both duplicates must execute")
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	q := NewDelayedActionQueue(time.Millisecond, clock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(PendingAction{TargetPath: "/p"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())

	clock.Advance(time.Second)
	popped := 0
	for {
		if _, ok := q.TryPop(); !ok {
			break
		}
		popped++
	}
	assert.Equal(t, 50, popped)
}
