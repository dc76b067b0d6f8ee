// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
)

func newLocalFixture(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := NewLocal(LocalConfig{Root: root, DefaultOwner: "u1"}, nil)
	require.NoError(t, err)
	return b, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestNewLocal_RejectsMissingRoot(t *testing.T) {
	_, err := NewLocal(LocalConfig{Root: "/does/not/exist"}, nil)
	require.Error(t, err)
}

func TestLocal_ResolveAndFind(t *testing.T) {
	b, root := newLocalFixture(t)
	writeFile(t, root, "courses/cs101/notes.pdf", "0123456789")

	e, err := b.ResolveEntry(context.Background(), "courses/cs101/notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/courses/cs101/notes.pdf", e.Path)
	assert.Equal(t, "notes.pdf", e.Name)
	assert.Equal(t, int64(10), e.Size)
	assert.Equal(t, "u1", e.OwnerID)
	assert.True(t, strings.HasPrefix(e.ContentType, "application/pdf"))

	byPath, err := b.FindEntry(context.Background(), "/courses/cs101/notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byPath.ID)

	_, err = b.FindEntry(context.Background(), "/courses/cs101/missing.pdf")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocal_CopyOverwriteAndRename(t *testing.T) {
	b, root := newLocalFixture(t)
	writeFile(t, root, "system/placeholder.txt", "file removed by policy")
	writeFile(t, root, "courses/cs101/huge.mov", strings.Repeat("x", 100))

	replaced, err := b.CopyEntry(context.Background(),
		"/system/placeholder.txt", "/courses/cs101/huge.mov", "svc", true)
	require.NoError(t, err)
	assert.Equal(t, int64(len("file removed by policy")), replaced.Size)

	renamed, err := b.RenameEntry(context.Background(), replaced, "removed_1_huge.mov")
	require.NoError(t, err)
	assert.Equal(t, "/courses/cs101/removed_1_huge.mov", renamed.Path)

	_, err = b.FindEntry(context.Background(), "/courses/cs101/huge.mov")
	require.ErrorIs(t, err, ErrNotFound)

	data, err := os.ReadFile(filepath.Join(root, "courses/cs101/removed_1_huge.mov"))
	require.NoError(t, err)
	assert.Equal(t, "file removed by policy", string(data))
}

func TestLocal_CopyWithoutOverwriteRefusesExisting(t *testing.T) {
	b, root := newLocalFixture(t)
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "b.txt", "b")

	_, err := b.CopyEntry(context.Background(), "/a.txt", "/b.txt", "svc", false)
	require.Error(t, err)

	_, err = b.CopyEntry(context.Background(), "/missing.txt", "/c.txt", "svc", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocal_SubscribeDeliversCreations(t *testing.T) {
	b, root := newLocalFixture(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var mu sync.Mutex
	var got []Event
	cancel, err := b.Subscribe(ctx, []policy.EventKind{policy.EntryCreated, policy.EntryMoved},
		func(_ context.Context, ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	require.NoError(t, err)
	defer cancel()

	writeFile(t, root, "upload.bin", "payload")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			if ev.EntryID == "upload.bin" && ev.Kind == policy.EntryCreated {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocal_SubscribeWatchesNewSubdirectories(t *testing.T) {
	b, root := newLocalFixture(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var mu sync.Mutex
	var got []Event
	cancel, err := b.Subscribe(ctx, []policy.EventKind{policy.EntryCreated},
		func(_ context.Context, ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "new/dir"), 0o755))
	// Give the watcher a beat to pick up the new directories before the
	// file lands in them.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, root, "new/dir/late.txt", "hello")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			if ev.EntryID == "new/dir/late.txt" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocal_SubscribeDeliversFilesAlreadyInNewTree(t *testing.T) {
	b, root := newLocalFixture(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var mu sync.Mutex
	var got []Event
	cancel, err := b.Subscribe(ctx, []policy.EventKind{policy.EntryCreated},
		func(_ context.Context, ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	require.NoError(t, err)
	defer cancel()

	// Directory and file land back to back, so the file can exist
	// before the new directory's watch is in place. The tree scan on
	// the directory event must still surface it.
	writeFile(t, root, "unpacked/deep/early.txt", "hello")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			if ev.EntryID == "unpacked/deep/early.txt" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
