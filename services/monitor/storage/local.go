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
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
)

// LocalConfig configures the local filesystem backend.
type LocalConfig struct {
	// Root is the directory subtree to treat as the shared store. Entry
	// ids and paths are relative to it.
	Root string

	// DefaultOwner is the principal assigned to every entry. The local
	// filesystem carries no upload attribution, so development runs
	// pin a single owner.
	DefaultOwner string
}

// LocalBackend implements Backend over a directory subtree, watched
// with fsnotify. It exists for development and tests; it cannot tell a
// move from a creation, so files moved into the tree are delivered as
// EntryCreated.
type LocalBackend struct {
	config LocalConfig
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLocal creates a backend rooted at config.Root. The root must
// already exist.
func NewLocal(config LocalConfig, logger *slog.Logger) (*LocalBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(config.Root)
	if err != nil {
		return nil, fmt.Errorf("storage root %s is not accessible: %w", config.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", config.Root)
	}
	return &LocalBackend{config: config, logger: logger}, nil
}

func (b *LocalBackend) Subscribe(ctx context.Context, kinds []policy.EventKind, fn Listener) (func(), error) {
	wanted := make(map[policy.EventKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	if !wanted[policy.EntryCreated] {
		return nil, fmt.Errorf("local backend only delivers creation events")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := addRecursive(watcher, b.config.Root); err != nil {
		watcher.Close()
		return nil, err
	}
	b.mu.Lock()
	b.watcher = watcher
	b.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	go b.dispatch(watchCtx, watcher, fn)
	b.logger.Info("watching storage root", "root", b.config.Root)

	return func() {
		cancel()
		watcher.Close()
	}, nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		return nil
	})
}

func (b *LocalBackend) dispatch(ctx context.Context, watcher *fsnotify.Watcher, fn Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				// New subdirectory. MkdirAll and archive unpacks create
				// nested levels before the parent watch is in place, so
				// walk the whole new tree: watch every directory and
				// deliver anything already written into it.
				b.scanNewTree(ctx, watcher, ev.Name, fn)
				continue
			}
			b.emit(ctx, ev.Name, fn)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Error("filesystem watcher error", "error", err)
		}
	}
}

// emit delivers one creation event for the file at abs. Files that
// vanish or sit outside the root are skipped.
func (b *LocalBackend) emit(ctx context.Context, abs string, fn Listener) {
	rel, err := filepath.Rel(b.config.Root, abs)
	if err != nil {
		return
	}
	fn(ctx, Event{
		Kind:    policy.EntryCreated,
		EntryID: filepath.ToSlash(rel),
		Server:  b.config.Root,
	})
}

// scanNewTree watches a directory created after Subscribe, including
// any nested directories, and delivers events for files already inside
// it. A file observed here and again through its own Create event is
// delivered twice; downstream evaluation tolerates duplicates.
func (b *LocalBackend) scanNewTree(ctx context.Context, watcher *fsnotify.Watcher, dir string, fn Listener) {
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				b.logger.Warn("failed to watch new directory", "path", p, "error", err)
			}
			return nil
		}
		b.emit(ctx, p, fn)
		return nil
	})
	if err != nil {
		b.logger.Warn("failed to scan new directory", "path", dir, "error", err)
	}
}

func (b *LocalBackend) ResolveEntry(_ context.Context, id string) (Entry, error) {
	return b.lookup(id)
}

func (b *LocalBackend) FindEntry(_ context.Context, p string) (Entry, error) {
	return b.lookup(strings.TrimPrefix(p, "/"))
}

func (b *LocalBackend) lookup(rel string) (Entry, error) {
	abs := filepath.Join(b.config.Root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return Entry{}, ErrNotFound
	}
	return Entry{
		ID:          rel,
		Path:        "/" + rel,
		Name:        info.Name(),
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(info.Name())),
		OwnerID:     b.config.DefaultOwner,
		Version:     info.ModTime().UnixNano(),
		Server:      b.config.Root,
	}, nil
}

func (b *LocalBackend) CopyEntry(_ context.Context, srcPath, dstPath, _ string, overwrite bool) (Entry, error) {
	srcRel := strings.TrimPrefix(srcPath, "/")
	dstRel := strings.TrimPrefix(dstPath, "/")
	srcAbs := filepath.Join(b.config.Root, filepath.FromSlash(srcRel))
	dstAbs := filepath.Join(b.config.Root, filepath.FromSlash(dstRel))

	src, err := os.Open(srcAbs)
	if os.IsNotExist(err) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open copy source %s: %w", srcRel, err)
	}
	defer src.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	dst, err := os.OpenFile(dstAbs, flags, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open copy destination %s: %w", dstRel, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return Entry{}, fmt.Errorf("failed to copy %s over %s: %w", srcRel, dstRel, err)
	}
	if err := dst.Close(); err != nil {
		return Entry{}, fmt.Errorf("failed to finish copy to %s: %w", dstRel, err)
	}
	return b.lookup(dstRel)
}

func (b *LocalBackend) RenameEntry(_ context.Context, e Entry, newName string) (Entry, error) {
	rel := strings.TrimPrefix(e.Path, "/")
	oldAbs := filepath.Join(b.config.Root, filepath.FromSlash(rel))
	newRel := filepath.ToSlash(filepath.Join(filepath.Dir(rel), newName))
	newAbs := filepath.Join(b.config.Root, filepath.FromSlash(newRel))

	if err := os.Rename(oldAbs, newAbs); err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("failed to rename %s to %s: %w", rel, newName, err)
	}
	return b.lookup(newRel)
}

func (b *LocalBackend) Ping(_ context.Context) error {
	if _, err := os.Stat(b.config.Root); err != nil {
		return fmt.Errorf("storage root %s is not reachable: %w", b.config.Root, err)
	}
	return nil
}
