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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"gopkg.in/yaml.v3"
)

// YAMLFile persists the policy configuration as a YAML document on the
// shared filesystem. All cluster instances point at the same file, so a
// reconfigure notification makes every peer converge on the same state.
type YAMLFile struct {
	Path   string
	logger *slog.Logger
}

// NewYAMLFile creates file-backed persistence at path.
func NewYAMLFile(path string, logger *slog.Logger) *YAMLFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &YAMLFile{Path: path, logger: logger}
}

// Load reads and decodes the file. A missing file is seeded with the
// default configuration so a fresh install starts with editable
// placeholder rules.
func (f *YAMLFile) Load(ctx context.Context) (*policy.Config, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		f.logger.Info("configuration file missing, seeding defaults", "path", f.Path)
		cfg := policy.DefaultConfig()
		if err := f.Save(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed default configuration: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	var cfg policy.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return &cfg, nil
}

// Save writes the configuration atomically: marshal to a temp file in
// the same directory, then rename over the target. A crash mid-save
// never leaves a torn file for peers to reload.
func (f *YAMLFile) Save(ctx context.Context, cfg *policy.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".uploadwatch-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace %s: %w", f.Path, err)
	}
	return nil
}
