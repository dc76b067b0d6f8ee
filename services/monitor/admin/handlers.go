// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admin exposes the monitor's operator surface: policy
// inspection and editing, instance status, and health probes. It is
// meant to sit behind the campus admin proxy, not on the open network.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/uploadwatch/pkg/logging"
	"github.com/AleutianAI/uploadwatch/services/monitor/cluster"
	"github.com/AleutianAI/uploadwatch/services/monitor/config"
	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
	"github.com/AleutianAI/uploadwatch/services/monitor/queue"
)

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetConfig returns the active policy configuration.
func GetConfig(store *config.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := store.Current()
		if cfg == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "configuration not loaded"})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// PutConfig validates and persists a full policy configuration, then
// notifies every instance to reload it. The write is all-or-nothing: a
// rejected config leaves the active one untouched.
func PutConfig(store *config.Store, coord *cluster.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg policy.Config
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed configuration: " + err.Error()})
			return
		}
		if err := store.Save(c.Request.Context(), &cfg); err != nil {
			slog.Warn("rejected configuration update", "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if coord != nil {
			if err := coord.BroadcastReconfigure(c.Request.Context()); err != nil {
				// Persisted but not announced: peers catch up on restart
				// or the next successful save.
				slog.Error("failed to broadcast reconfigure after save", "error", err)
				c.JSON(http.StatusOK, gin.H{
					"saved":   true,
					"warning": "saved, but peer notification failed; other instances may lag until restart",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"saved": true})
	}
}

// StatusDeps carries everything the status endpoint reports on.
type StatusDeps struct {
	InstanceID  string
	Store       *config.Store
	Coordinator *cluster.Coordinator
	Worker      *queue.Worker
	Queue       *queue.DelayedActionQueue
	Bootstrap   *logging.BootstrapRecorder
}

// GetStatus reports the instance's runtime state, including the
// bootstrap diagnostics captured before full logging came up.
func GetStatus(deps StatusDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{
			"instance": deps.InstanceID,
		}
		if deps.Coordinator != nil {
			view := deps.Coordinator.CurrentView()
			status["subscription_owner"] = deps.Coordinator.IsOwner()
			status["peers"] = view.Members()
		}
		if deps.Worker != nil {
			status["worker_state"] = string(deps.Worker.State())
		}
		if deps.Queue != nil {
			status["queue_depth"] = deps.Queue.Len()
		}
		if deps.Store != nil {
			if cfg := deps.Store.Current(); cfg != nil {
				enabled := 0
				for _, r := range cfg.Rules {
					if r.Enabled {
						enabled++
					}
				}
				status["rules_total"] = len(cfg.Rules)
				status["rules_enabled"] = enabled
			}
		}
		if deps.Bootstrap != nil {
			status["bootstrap_log"] = deps.Bootstrap.Lines()
			status["bootstrap_dropped"] = deps.Bootstrap.Dropped()
		}
		c.JSON(http.StatusOK, status)
	}
}

// GetLogDir reports where file logs land, so operators can find them
// without shell access to the node's config.
func GetLogDir(logDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"log_dir": logDir})
	}
}
