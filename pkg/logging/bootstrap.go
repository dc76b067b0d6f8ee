// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultBootstrapCapacity bounds the bootstrap record buffer.
const DefaultBootstrapCapacity = 256

// BootstrapRecorder captures startup log records in a bounded ring so
// the earliest moments of a run survive even when initialization dies
// before file logging is up. The buffer is exposed through the status
// surface for operators diagnosing a failed start.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type BootstrapRecorder struct {
	mu       sync.Mutex
	capacity int
	lines    []string
	dropped  int
}

// NewBootstrapRecorder creates a recorder holding at most capacity
// lines. A non-positive capacity uses DefaultBootstrapCapacity.
func NewBootstrapRecorder(capacity int) *BootstrapRecorder {
	if capacity <= 0 {
		capacity = DefaultBootstrapCapacity
	}
	return &BootstrapRecorder{capacity: capacity}
}

// Record appends one formatted line, evicting the oldest when full.
func (r *BootstrapRecorder) Record(level Level, msg string, args ...any) {
	line := fmt.Sprintf("%s %s %s", time.Now().Format(time.RFC3339), level, msg)
	for k, v := range argsToMap(args) {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) >= r.capacity {
		r.lines = r.lines[1:]
		r.dropped++
	}
	r.lines = append(r.lines, line)
}

// Lines returns a copy of the captured lines, oldest first.
func (r *BootstrapRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Dropped reports how many lines were evicted to stay within capacity.
func (r *BootstrapRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Handler returns a slog.Handler that tees records into the recorder.
// Wired alongside the real handlers so startup lines land in both.
func (r *BootstrapRecorder) Handler() slog.Handler {
	return &bootstrapHandler{recorder: r}
}

type bootstrapHandler struct {
	recorder *BootstrapRecorder
	attrs    []slog.Attr
}

func (h *bootstrapHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *bootstrapHandler) Handle(_ context.Context, rec slog.Record) error {
	args := make([]any, 0, 2*(len(h.attrs)+rec.NumAttrs()))
	for _, a := range h.attrs {
		args = append(args, a.Key, a.Value.Any())
	}
	rec.Attrs(func(a slog.Attr) bool {
		args = append(args, a.Key, a.Value.Any())
		return true
	})
	h.recorder.Record(fromSlogLevel(rec.Level), rec.Message, args...)
	return nil
}

func (h *bootstrapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bootstrapHandler{recorder: h.recorder, attrs: merged}
}

func (h *bootstrapHandler) WithGroup(string) slog.Handler { return h }

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// WithBootstrap wraps a logger so every record also lands in the
// recorder. The returned slog.Logger shares the original's level
// filtering for its primary destination; the recorder itself accepts
// every level.
func WithBootstrap(logger *slog.Logger, recorder *BootstrapRecorder) *slog.Logger {
	return slog.New(&multiHandler{handlers: []slog.Handler{logger.Handler(), recorder.Handler()}})
}
