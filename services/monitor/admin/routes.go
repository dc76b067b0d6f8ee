// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/uploadwatch/services/monitor/cluster"
	"github.com/AleutianAI/uploadwatch/services/monitor/config"
)

// Deps collects the collaborators the admin surface exposes.
type Deps struct {
	Status      StatusDeps
	Store       *config.Store
	Coordinator *cluster.Coordinator
	LogDir      string
}

// NewRouter builds the admin engine with tracing middleware attached.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("uploadwatch-admin"))
	SetupRoutes(router, deps)
	return router
}

// SetupRoutes registers the admin endpoints on an existing engine.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/healthz", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/config", GetConfig(deps.Store))
		v1.PUT("/config", PutConfig(deps.Store, deps.Coordinator))
		v1.GET("/status", GetStatus(deps.Status))
		v1.GET("/logs/dir", GetLogDir(deps.LogDir))
	}
}
