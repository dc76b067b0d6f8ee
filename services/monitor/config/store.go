// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config owns the in-memory policy configuration: loading it
// from the persistence collaborator, validating edits, and publishing
// immutable compiled snapshots to concurrent readers.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"github.com/go-playground/validator/v10"
)

// Persistence is the external collaborator that serializes the policy
// configuration. Load always returns the full current state; Save
// replaces it whole.
type Persistence interface {
	Load(ctx context.Context) (*policy.Config, error)
	Save(ctx context.Context, cfg *policy.Config) error
}

// Store holds the live configuration snapshot.
//
// Readers call Snapshot and get an immutable compiled view; reload
// swaps the snapshot pointer atomically, so readers never block and
// never observe a half-updated rule list. A failed save or reload
// leaves the previous snapshot active.
type Store struct {
	persist  Persistence
	logger   *slog.Logger
	validate *validator.Validate
	snap     atomic.Pointer[policy.Snapshot]
}

// NewStore creates a store bound to the given persistence. The store
// is empty until Load succeeds.
func NewStore(persist Persistence, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persist:  persist,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load reads the persisted configuration, compiles it, and publishes
// the snapshot. Called once at startup and again on every reconfigure
// notification; reloading is idempotent because it always re-reads the
// full persisted state rather than applying a delta.
func (s *Store) Load(ctx context.Context) error {
	cfg, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := s.check(cfg); err != nil {
		return fmt.Errorf("persisted configuration invalid: %w", err)
	}
	s.snap.Store(policy.Compile(cfg, s.logger))
	s.logger.Info("configuration loaded", "rules", len(cfg.Rules), "log_level", cfg.LogLevel)
	return nil
}

// Snapshot returns the current compiled configuration, or nil when
// nothing has been loaded yet.
func (s *Store) Snapshot() *policy.Snapshot {
	return s.snap.Load()
}

// Current returns the current raw configuration for the administration
// surface, or nil when nothing has been loaded yet.
func (s *Store) Current() *policy.Config {
	if snap := s.snap.Load(); snap != nil {
		return snap.Config
	}
	return nil
}

// Save validates cfg, persists it, and applies it locally. It returns
// an error without touching the active snapshot when validation or
// persistence fails, so a failed save never loses the prior
// configuration. Broadcasting the change to peers is the caller's job.
func (s *Store) Save(ctx context.Context, cfg *policy.Config) error {
	if err := s.check(cfg); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	if err := s.persist.Save(ctx, cfg); err != nil {
		return fmt.Errorf("persist configuration: %w", err)
	}
	s.snap.Store(policy.Compile(cfg, s.logger))
	s.logger.Info("configuration saved", "rules", len(cfg.Rules))
	return nil
}

// check runs struct validation plus the ordinal density invariant:
// ordinals must be exactly 0..N-1 with no gaps or duplicates.
func (s *Store) check(cfg *policy.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if err := s.validate.Struct(cfg); err != nil {
		return err
	}
	seen := make(map[int]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if r.Ordinal < 0 || r.Ordinal >= len(cfg.Rules) || seen[r.Ordinal] {
			return fmt.Errorf("rule ordinals must be dense 0..%d, got duplicate or out-of-range ordinal %d",
				len(cfg.Rules)-1, r.Ordinal)
		}
		seen[r.Ordinal] = true
	}
	return nil
}
