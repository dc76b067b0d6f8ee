// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *policy.Config {
	return &policy.Config{
		LogLevel:  "info",
		RunAsUser: "administrator",
		EmailFrom: "noreply@example.edu",
		Rules: []policy.RuleConfig{
			{Ordinal: 0, Enabled: true, Name: "videos", FileSizeMB: 500, TypeRegex: "video/.*", ActionLog: true},
			{Ordinal: 1, Name: "spare"},
		},
	}
}

func newFileStore(t *testing.T) (*Store, *YAMLFile) {
	t.Helper()
	file := NewYAMLFile(filepath.Join(t.TempDir(), "uploadwatch.yaml"), nil)
	return NewStore(file, nil), file
}

func TestLoadSeedsDefaultsWhenFileMissing(t *testing.T) {
	store, _ := newFileStore(t)
	require.NoError(t, store.Load(context.Background()))

	cfg := store.Current()
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Rules, policy.DefaultRuleCount)
	for i, r := range cfg.Rules {
		assert.Equal(t, i, r.Ordinal)
		assert.False(t, r.Enabled)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store, file := newFileStore(t)
	require.NoError(t, store.Save(context.Background(), validConfig()))

	// A second store against the same file sees the saved state.
	other := NewStore(file, nil)
	require.NoError(t, other.Load(context.Background()))
	assert.Equal(t, validConfig(), other.Current())
}

func TestReloadIsIdempotent(t *testing.T) {
	store, _ := newFileStore(t)
	require.NoError(t, store.Save(context.Background(), validConfig()))

	require.NoError(t, store.Load(context.Background()))
	first := store.Current()
	require.NoError(t, store.Load(context.Background()))
	second := store.Current()

	assert.Equal(t, first, second, "reloading unchanged persisted state must yield identical config")
}

func TestFailedSaveKeepsPriorSnapshot(t *testing.T) {
	store, _ := newFileStore(t)
	require.NoError(t, store.Save(context.Background(), validConfig()))
	before := store.Current()

	bad := validConfig()
	bad.LogLevel = "loud" // fails oneof validation
	require.Error(t, store.Save(context.Background(), bad))
	assert.Equal(t, before, store.Current())

	dup := validConfig()
	dup.Rules[1].Ordinal = 0 // duplicate ordinal
	require.Error(t, store.Save(context.Background(), dup))
	assert.Equal(t, before, store.Current())
}

func TestFailedPersistenceKeepsPriorSnapshot(t *testing.T) {
	store := NewStore(failingPersistence{}, nil)
	require.Error(t, store.Load(context.Background()))
	assert.Nil(t, store.Current())
}

func TestSaveRejectsSparseOrdinals(t *testing.T) {
	store, _ := newFileStore(t)
	cfg := validConfig()
	cfg.Rules[1].Ordinal = 7
	require.Error(t, store.Save(context.Background(), cfg))
}

func TestSnapshotSwapIsVisibleToReaders(t *testing.T) {
	store, _ := newFileStore(t)
	require.NoError(t, store.Save(context.Background(), validConfig()))
	snapA := store.Snapshot()

	updated := validConfig()
	updated.Rules[0].FileSizeMB = 900
	require.NoError(t, store.Save(context.Background(), updated))
	snapB := store.Snapshot()

	assert.NotSame(t, snapA, snapB)
	assert.Equal(t, int64(500), snapA.Config.Rules[0].FileSizeMB, "old snapshot stays immutable")
	assert.Equal(t, int64(900), snapB.Config.Rules[0].FileSizeMB)
}

type failingPersistence struct{}

func (failingPersistence) Load(ctx context.Context) (*policy.Config, error) {
	return nil, fmt.Errorf("backend unavailable")
}

func (failingPersistence) Save(ctx context.Context, cfg *policy.Config) error {
	return fmt.Errorf("backend unavailable")
}
