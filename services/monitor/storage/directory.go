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
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
)

// directoryRecord is one user in the static directory file.
type directoryRecord struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	UserName string `yaml:"user_name"`
}

// StaticDirectory resolves principals from an in-memory table, loaded
// from a YAML file. It serves deployments without an identity service
// and every test.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]policy.Identity
}

// NewStaticDirectory creates a directory from an explicit table.
func NewStaticDirectory(users map[string]policy.Identity) *StaticDirectory {
	if users == nil {
		users = make(map[string]policy.Identity)
	}
	return &StaticDirectory{users: users}
}

// LoadStaticDirectory reads a YAML map of principal id to user record.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file %s: %w", path, err)
	}
	var records map[string]directoryRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse directory file %s: %w", path, err)
	}
	users := make(map[string]policy.Identity, len(records))
	for id, r := range records {
		users[id] = policy.Identity{DisplayName: r.Name, Email: r.Email, UserName: r.UserName}
	}
	return NewStaticDirectory(users), nil
}

func (d *StaticDirectory) ResolveUser(_ context.Context, principalID string) (policy.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[principalID]
	if !ok {
		return policy.Identity{}, fmt.Errorf("principal %s not found in directory", principalID)
	}
	return u, nil
}

// Put adds or replaces one user. Intended for tests and tooling.
func (d *StaticDirectory) Put(principalID string, u policy.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[principalID] = u
}
