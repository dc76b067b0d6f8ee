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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = int64(1024 * 1024)

func videoEvent(sizeMB int64) FileEvent {
	return FileEvent{
		Path:        "/courses/abc/lecture.mp4",
		Size:        sizeMB * mb,
		ContentType: "video/mp4",
		OwnerID:     "u-100",
		Kind:        EntryCreated,
	}
}

func owner() Identity {
	return Identity{DisplayName: "Jo Doe", Email: "jdoe@example.com", UserName: "jdoe"}
}

func snapshotOf(t *testing.T, rules ...RuleConfig) *Snapshot {
	t.Helper()
	return Compile(&Config{LogLevel: "info", RunAsUser: "administrator", Rules: rules}, nil)
}

func TestEvaluateSingleEmailRuleStopsChain(t *testing.T) {
	// Rule 0 matches and does not continue; rule 1 would also match but
	// must never be reached.
	snap := snapshotOf(t,
		RuleConfig{
			Ordinal: 0, Enabled: true, Name: "big videos",
			ActionEmail: true, FileSizeMB: 500, TypeRegex: "video/.*",
			EmailSubject: "Large upload: {filename}",
			EmailBody:    "{name}, your {filesize_mb}MB file was noticed.",
		},
		RuleConfig{
			Ordinal: 1, Enabled: true, Name: "catch-all",
			ActionLog: true, FileSizeMB: 0,
		},
	)

	actions := NewEngine(nil, nil).Evaluate(videoEvent(600), owner(), snap)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionEmail, actions[0].Kind)
	assert.Equal(t, 0, actions[0].RuleOrdinal)
	assert.Equal(t, "Large upload: lecture.mp4", actions[0].Subject)
	assert.Equal(t, "Jo Doe, your 600MB file was noticed.", actions[0].Body)
}

func TestEvaluateNonMatchNeverHaltsChain(t *testing.T) {
	// Rule 0 does not match (threshold too high). Rule 1 must still be
	// attempted even though rule 0 has ContinueRules=false.
	snap := snapshotOf(t,
		RuleConfig{Ordinal: 0, Enabled: true, Name: "huge", ActionLog: true, FileSizeMB: 10000},
		RuleConfig{Ordinal: 1, Enabled: true, Name: "catch-all", ActionLog: true, FileSizeMB: 100},
	)

	actions := NewEngine(nil, nil).Evaluate(videoEvent(600), owner(), snap)
	require.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].RuleOrdinal)
}

func TestEvaluateContinueRulesReachesLaterOrdinals(t *testing.T) {
	snap := snapshotOf(t,
		RuleConfig{Ordinal: 0, Enabled: true, Name: "first", ActionLog: true, FileSizeMB: 100, ContinueRules: true},
		RuleConfig{Ordinal: 1, Enabled: true, Name: "second", ActionLog: true, FileSizeMB: 100},
	)

	actions := NewEngine(nil, nil).Evaluate(videoEvent(600), owner(), snap)
	require.Len(t, actions, 2)
	assert.Equal(t, 0, actions[0].RuleOrdinal)
	assert.Equal(t, 1, actions[1].RuleOrdinal)
}

func TestEvaluatePredicates(t *testing.T) {
	tests := []struct {
		name  string
		rule  RuleConfig
		ev    FileEvent
		owner Identity
		want  int
	}{
		{
			name: "size below threshold",
			rule: RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, FileSizeMB: 700},
			ev:   videoEvent(600),
			want: 0,
		},
		{
			name: "size exactly at threshold matches",
			rule: RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, FileSizeMB: 600},
			ev:   videoEvent(600),
			want: 1,
		},
		{
			name:  "admin only rule skipped for plain user",
			rule:  RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, AdminOnly: true},
			ev:    videoEvent(600),
			owner: Identity{UserName: "jdoe"},
			want:  0,
		},
		{
			name:  "admin only rule applies to admin-equivalent user",
			rule:  RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, AdminOnly: true},
			ev:    videoEvent(600),
			owner: Identity{UserName: "sysadmin"},
			want:  1,
		},
		{
			name: "type pattern mismatch",
			rule: RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, TypeRegex: "audio/.*"},
			ev:   videoEvent(600),
			want: 0,
		},
		{
			name: "path pattern mismatch",
			rule: RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, PathRegex: "^/library/"},
			ev:   videoEvent(600),
			want: 0,
		},
		{
			name: "disabled rule never matches",
			rule: RuleConfig{Ordinal: 0, Enabled: false, ActionLog: true},
			ev:   videoEvent(600),
			want: 0,
		},
		{
			name: "malformed type pattern never matches",
			rule: RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, TypeRegex: "video/[unclosed"},
			ev:   videoEvent(600),
			want: 0,
		},
		{
			name: "malformed path pattern never matches",
			rule: RuleConfig{Ordinal: 0, Enabled: true, ActionLog: true, PathRegex: "("},
			ev:   videoEvent(600),
			want: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			who := tc.owner
			if who == (Identity{}) {
				who = owner()
			}
			actions := NewEngine(nil, nil).Evaluate(tc.ev, who, snapshotOf(t, tc.rule))
			assert.Len(t, actions, tc.want)
		})
	}
}

func TestEvaluateMalformedRuleDoesNotHaltOthers(t *testing.T) {
	snap := snapshotOf(t,
		RuleConfig{Ordinal: 0, Enabled: true, Name: "broken", ActionLog: true, PathRegex: "("},
		RuleConfig{Ordinal: 1, Enabled: true, Name: "sound", ActionLog: true},
	)
	actions := NewEngine(nil, nil).Evaluate(videoEvent(600), owner(), snap)
	require.Len(t, actions, 1)
	assert.Equal(t, "sound", actions[0].RuleName)
}

func TestEvaluateEmitsOneActionPerFlag(t *testing.T) {
	snap := snapshotOf(t, RuleConfig{
		Ordinal: 0, Enabled: true, Name: "everything",
		ActionLog: true, ActionEmail: true, ActionOverwrite: true,
		OverwritePath: "/internal/placeholder.mp4",
	})
	actions := NewEngine(nil, nil).Evaluate(videoEvent(600), owner(), snap)
	require.Len(t, actions, 3)
	assert.Equal(t, ActionLog, actions[0].Kind)
	assert.Equal(t, ActionEmail, actions[1].Kind)
	assert.Equal(t, ActionOverwrite, actions[2].Kind)
	assert.Equal(t, "/internal/placeholder.mp4", actions[2].OverwriteSource)
}

func TestEvaluateOrdinalOrderIndependentOfSliceOrder(t *testing.T) {
	// Rules supplied out of order must still evaluate by ordinal.
	snap := snapshotOf(t,
		RuleConfig{Ordinal: 1, Enabled: true, Name: "second", ActionLog: true},
		RuleConfig{Ordinal: 0, Enabled: true, Name: "first", ActionLog: true},
	)
	actions := NewEngine(nil, nil).Evaluate(videoEvent(600), owner(), snap)
	require.Len(t, actions, 1)
	assert.Equal(t, "first", actions[0].RuleName)
}

func TestSnapshotMinThreshold(t *testing.T) {
	_, any := snapshotOf(t, RuleConfig{Ordinal: 0, FileSizeMB: 100}).MinThresholdBytes()
	assert.False(t, any, "disabled rules must not contribute a threshold")

	min, any := snapshotOf(t,
		RuleConfig{Ordinal: 0, Enabled: true, FileSizeMB: 500},
		RuleConfig{Ordinal: 1, Enabled: true, FileSizeMB: 100},
	).MinThresholdBytes()
	assert.True(t, any)
	assert.Equal(t, 100*mb, min)
}
