// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestBootstrapRecorder_RecordAndLines(t *testing.T) {
	r := NewBootstrapRecorder(10)
	r.Record(LevelInfo, "loading configuration", "path", "/etc/uploadwatch/policy.yaml")
	r.Record(LevelError, "backend unreachable")

	lines := r.Lines()
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "loading configuration") {
		t.Errorf("First line missing message: %q", lines[0])
	}
	if !strings.Contains(lines[0], "path=/etc/uploadwatch/policy.yaml") {
		t.Errorf("First line missing attribute: %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR") {
		t.Errorf("Second line should carry the level: %q", lines[1])
	}
}

func TestBootstrapRecorder_EvictsOldestAtCapacity(t *testing.T) {
	r := NewBootstrapRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(LevelInfo, fmt.Sprintf("step %d", i))
	}

	lines := r.Lines()
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "step 2") {
		t.Errorf("Oldest surviving line should be step 2: %q", lines[0])
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", r.Dropped())
	}
}

func TestWithBootstrap_TeesIntoBothDestinations(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewBootstrapRecorder(0)

	logger := WithBootstrap(base, r)
	logger.Info("probing storage backend", "bucket", "uploads")

	if !strings.Contains(buf.String(), "probing storage backend") {
		t.Error("Primary destination should receive the record")
	}
	lines := r.Lines()
	if len(lines) != 1 {
		t.Fatalf("Expected 1 recorded line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "bucket=uploads") {
		t.Errorf("Recorded line missing attribute: %q", lines[0])
	}
}

func TestBootstrapRecorder_ConcurrentRecord(t *testing.T) {
	r := NewBootstrapRecorder(1000)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				r.Record(LevelInfo, "concurrent")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if got := len(r.Lines()); got != 500 {
		t.Errorf("Expected 500 lines, got %d", got)
	}
}
