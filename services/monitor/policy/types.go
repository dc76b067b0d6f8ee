// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"log/slog"
	"regexp"
	"sort"
)

// DefaultRuleCount is the number of placeholder rules seeded into a
// fresh configuration so administrators have slots to fill in.
const DefaultRuleCount = 5

// RuleConfig is one policy rule as persisted and edited through the
// administration surface. Rules are evaluated strictly in Ordinal order;
// ordinals are dense (0..N-1) for the life of a configuration snapshot.
type RuleConfig struct {
	Ordinal int    `yaml:"ordinal" json:"ordinal" validate:"gte=0"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Name    string `yaml:"name" json:"name"`

	ActionLog       bool `yaml:"action_log" json:"action_log"`
	ActionEmail     bool `yaml:"action_email" json:"action_email"`
	ActionOverwrite bool `yaml:"action_overwrite" json:"action_overwrite"`

	// FileSizeMB is the rule's size threshold in megabytes. A file
	// matches when its size in bytes is at least this many MB.
	FileSizeMB int64 `yaml:"file_size_mb" json:"file_size_mb" validate:"gte=0"`

	// AdminOnly restricts the rule to files owned by admin-equivalent
	// users. Non-admin owners skip the rule entirely.
	AdminOnly bool `yaml:"admin_only" json:"admin_only"`

	TypeRegex string `yaml:"type_regex" json:"type_regex"`
	PathRegex string `yaml:"path_regex" json:"path_regex"`

	EmailSubject  string `yaml:"email_subject" json:"email_subject"`
	EmailBody     string `yaml:"email_body" json:"email_body"`
	OverwritePath string `yaml:"overwrite_path" json:"overwrite_path"`

	// ContinueRules lets evaluation proceed to the next rule even after
	// this rule matched. Non-matching rules never halt evaluation.
	ContinueRules bool `yaml:"continue_rules" json:"continue_rules"`
}

// Config is the whole policy state. It is owned by the config store and
// replaced atomically on reload; nothing mutates a Config in place once
// it has been published.
type Config struct {
	LogLevel      string       `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	RunAsUser     string       `yaml:"run_as_user" json:"run_as_user" validate:"required"`
	EmailFrom     string       `yaml:"email_from" json:"email_from" validate:"omitempty,email"`
	EmailFromName string       `yaml:"email_from_name" json:"email_from_name"`
	Rules         []RuleConfig `yaml:"rules" json:"rules" validate:"dive"`
}

// DefaultConfig returns a fresh configuration with disabled placeholder
// rules numbered 0..DefaultRuleCount-1.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:  "info",
		RunAsUser: "administrator",
	}
	for i := 0; i < DefaultRuleCount; i++ {
		cfg.Rules = append(cfg.Rules, RuleConfig{Ordinal: i, FileSizeMB: 5000})
	}
	return cfg
}

// SlogLevel maps the configured verbosity onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EventKind distinguishes the two storage events the monitor cares about.
type EventKind string

const (
	EntryCreated EventKind = "created"
	EntryMoved   EventKind = "moved"
)

// FileEvent is the ephemeral descriptor derived from one raw storage
// event. It is produced by the subscription, consumed once by the rule
// engine, and not retained.
type FileEvent struct {
	Path        string
	Size        int64
	ContentType string
	OwnerID     string
	Kind        EventKind
}

// Identity is a resolved user: the owner of an uploaded file, with
// enough detail to address a notification.
type Identity struct {
	DisplayName string
	Email       string
	UserName    string
}

// ActionKind enumerates the remediation actions a rule can trigger.
type ActionKind string

const (
	ActionLog       ActionKind = "log"
	ActionEmail     ActionKind = "email"
	ActionOverwrite ActionKind = "overwrite"
)

// ActionRequest is one triggered action, carrying everything the
// dispatcher needs: the expanded message for email actions and the
// overwrite source for overwrite actions.
type ActionRequest struct {
	Kind        ActionKind
	RuleOrdinal int
	RuleName    string

	// Subject and Body are the rule's templates with placeholders
	// already expanded against the triggering event.
	Subject string
	Body    string

	// OverwriteSource is the path of the replacement content for
	// overwrite actions.
	OverwriteSource string
}

// compiledRule is a RuleConfig with its match patterns compiled. A
// malformed pattern compiles to nil, which never matches.
type compiledRule struct {
	RuleConfig
	sizeBytes int64

	// A nil regexp with its bad flag clear means "no constraint"; the
	// bad flag marks a malformed pattern, which never matches.
	typeRe  *regexp.Regexp
	typeBad bool
	pathRe  *regexp.Regexp
	pathBad bool
}

// Snapshot is an immutable compiled view of a Config. Evaluators read a
// snapshot reference; reload swaps the whole snapshot so no evaluator
// ever observes a half-updated rule list.
type Snapshot struct {
	Config *Config
	rules  []compiledRule

	// minThresholdBytes is the smallest threshold among enabled rules,
	// used by the subscription pre-filter. Zero when no rule is enabled.
	minThresholdBytes int64
	hasEnabled        bool
}

// Compile builds an immutable snapshot from cfg. Malformed patterns are
// logged and degrade to never-matching predicates rather than failing
// the snapshot.
func Compile(cfg *Config, logger *slog.Logger) *Snapshot {
	if logger == nil {
		logger = slog.Default()
	}
	snap := &Snapshot{Config: cfg}
	ordered := make([]RuleConfig, len(cfg.Rules))
	copy(ordered, cfg.Rules)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	for _, rc := range ordered {
		cr := compiledRule{RuleConfig: rc, sizeBytes: rc.FileSizeMB * 1024 * 1024}
		if rc.TypeRegex != "" {
			re, err := regexp.Compile(rc.TypeRegex)
			if err != nil {
				logger.Warn("rule has malformed type pattern, treating as never-matching",
					"rule", rc.Name, "ordinal", rc.Ordinal, "pattern", rc.TypeRegex, "error", err)
				cr.typeBad = true
			}
			cr.typeRe = re
		}
		if rc.PathRegex != "" {
			re, err := regexp.Compile(rc.PathRegex)
			if err != nil {
				logger.Warn("rule has malformed path pattern, treating as never-matching",
					"rule", rc.Name, "ordinal", rc.Ordinal, "pattern", rc.PathRegex, "error", err)
				cr.pathBad = true
			}
			cr.pathRe = re
		}
		if rc.Enabled {
			if !snap.hasEnabled || cr.sizeBytes < snap.minThresholdBytes {
				snap.minThresholdBytes = cr.sizeBytes
			}
			snap.hasEnabled = true
		}
		snap.rules = append(snap.rules, cr)
	}
	return snap
}

// MinThresholdBytes returns the smallest size threshold among enabled
// rules, and whether any rule is enabled at all. Events below the
// threshold cannot match anything and can be discarded cheaply.
func (s *Snapshot) MinThresholdBytes() (int64, bool) {
	return s.minThresholdBytes, s.hasEnabled
}
