// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the narrow interface the monitor needs from a
// shared storage backend, plus concrete implementations for Google
// Cloud Storage and a local filesystem (development and tests).
package storage

import (
	"context"
	"errors"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
)

// ErrNotFound reports that an entry referenced by id or path no longer
// exists. Event handling treats it as "file vanished before lookup"
// and drops the event silently.
var ErrNotFound = errors.New("storage: entry not found")

// Event is one raw storage notification. The payload intentionally
// carries only an identifier; receivers resolve the full entry
// themselves so the event stays small.
type Event struct {
	Kind    policy.EventKind
	EntryID string

	// Server identifies the storage server or tenant the event came
	// from, for backends that host more than one.
	Server string
}

// Entry is the resolved metadata for one stored object.
type Entry struct {
	ID          string
	Path        string
	Name        string
	Size        int64
	ContentType string

	// OwnerID is the principal that created the entry.
	OwnerID string

	// Version is the backend's content version (generation) of the
	// entry at resolution time.
	Version int64

	Server string
}

// Listener receives delivered events. Backends may invoke it from
// multiple dispatch goroutines concurrently.
type Listener func(ctx context.Context, ev Event)

// Backend is the storage collaborator contract. Every call can fail
// with a backend-specific error; ErrNotFound is the only error callers
// branch on.
type Backend interface {
	// Subscribe registers interest in the given event kinds and starts
	// delivering events to fn until the context is cancelled or the
	// returned cancel function is called.
	Subscribe(ctx context.Context, kinds []policy.EventKind, fn Listener) (cancel func(), err error)

	// ResolveEntry looks up an entry by the identifier carried in an
	// event.
	ResolveEntry(ctx context.Context, id string) (Entry, error)

	// FindEntry looks up an entry by path.
	FindEntry(ctx context.Context, path string) (Entry, error)

	// CopyEntry copies the current version of the entry at srcPath over
	// dstPath. With overwrite set the destination keeps its identifier
	// lineage; ownerID becomes the owning principal of the result.
	CopyEntry(ctx context.Context, srcPath, dstPath, ownerID string, overwrite bool) (Entry, error)

	// RenameEntry renames the entry within its directory.
	RenameEntry(ctx context.Context, e Entry, newName string) (Entry, error)

	// Ping verifies the backend is reachable. Called once at startup;
	// failure is fatal to initialization.
	Ping(ctx context.Context) error
}

// Directory resolves a storage principal to a full identity. Used once
// per event that survives the size pre-filter.
type Directory interface {
	ResolveUser(ctx context.Context, principalID string) (policy.Identity, error)
}
