// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy holds the policy data model and the rule engine that
// classifies storage events and dispatches remediation actions.
package policy

import (
	"log/slog"
	"strings"
)

// AdminMatcher decides whether an identity counts as admin-equivalent
// for rules carrying the AdminOnly restriction.
type AdminMatcher func(Identity) bool

// DefaultAdminMatcher treats user names ending in "admin" as
// admin-equivalent.
func DefaultAdminMatcher(id Identity) bool {
	return strings.HasSuffix(id.UserName, "admin")
}

// Engine evaluates file events against a compiled rule snapshot.
//
// Engine itself is stateless; the snapshot passed to Evaluate carries
// all mutable policy state, so a single Engine is safe for concurrent
// use from the event-delivery threads.
type Engine struct {
	isAdmin AdminMatcher
	logger  *slog.Logger
}

// NewEngine creates a rule engine. A nil matcher falls back to
// DefaultAdminMatcher; a nil logger falls back to slog.Default().
func NewEngine(isAdmin AdminMatcher, logger *slog.Logger) *Engine {
	if isAdmin == nil {
		isAdmin = DefaultAdminMatcher
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{isAdmin: isAdmin, logger: logger}
}

// Evaluate runs ev through the snapshot's rules in ordinal order and
// returns the triggered actions, in rule order.
//
// For each enabled rule all four predicates must pass: size threshold,
// admin-only restriction, content-type pattern, path pattern. A rule
// that does not match never halts evaluation; a rule that matches halts
// evaluation unless its ContinueRules flag is set. This asymmetry is
// what lets an administrator chain specific rules ahead of a catch-all.
func (e *Engine) Evaluate(ev FileEvent, owner Identity, snap *Snapshot) []ActionRequest {
	if snap == nil {
		return nil
	}
	vars := NewTemplateVars(ev, owner)
	var actions []ActionRequest
	for i := range snap.rules {
		rule := &snap.rules[i]
		if !rule.Enabled {
			continue
		}
		if !e.matches(ev, owner, rule) {
			continue
		}
		e.logger.Debug("rule matched",
			"rule", rule.Name, "ordinal", rule.Ordinal, "path", ev.Path, "size", ev.Size)
		actions = append(actions, e.emit(rule, vars)...)
		if !rule.ContinueRules {
			break
		}
	}
	return actions
}

func (e *Engine) matches(ev FileEvent, owner Identity, rule *compiledRule) bool {
	if ev.Size < rule.sizeBytes {
		return false
	}
	if rule.AdminOnly && !e.isAdmin(owner) {
		return false
	}
	if rule.typeBad || rule.pathBad {
		return false
	}
	if rule.typeRe != nil && !rule.typeRe.MatchString(ev.ContentType) {
		return false
	}
	if rule.pathRe != nil && !rule.pathRe.MatchString(ev.Path) {
		return false
	}
	return true
}

func (e *Engine) emit(rule *compiledRule, vars TemplateVars) []ActionRequest {
	base := ActionRequest{
		RuleOrdinal: rule.Ordinal,
		RuleName:    rule.Name,
	}
	var out []ActionRequest
	if rule.ActionLog {
		a := base
		a.Kind = ActionLog
		out = append(out, a)
	}
	if rule.ActionEmail {
		a := base
		a.Kind = ActionEmail
		a.Subject = vars.Expand(rule.EmailSubject)
		a.Body = vars.Expand(rule.EmailBody)
		out = append(out, a)
	}
	if rule.ActionOverwrite {
		a := base
		a.Kind = ActionOverwrite
		a.OverwriteSource = rule.OverwritePath
		out = append(out, a)
	}
	return out
}
