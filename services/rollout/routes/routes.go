// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/expgate/expgate/services/rollout/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// SetupRoutes registers the rollout engine's HTTP surface.
//
// The serving path (/v1/assign, /v1/metrics) and the admin path share a
// router; admin authentication is expected to happen at the ingress.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers) {
	router.Use(otelgin.Middleware("expgate"))

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/assign", h.HandleAssign)
		v1.POST("/metrics", h.HandleRecordMetric)
		v1.GET("/events", h.HandleEvents)

		experiments := v1.Group("/experiments")
		{
			experiments.GET("", h.HandleListExperiments)
			experiments.POST("", h.HandleUpsertExperiment)
			experiments.GET("/:id", h.HandleGetExperiment)
			experiments.GET("/:id/analysis", h.HandleAnalysis)
			experiments.GET("/:id/aggregates", h.HandleAggregates)
			experiments.POST("/:id/ramp", h.HandleRamp)
			experiments.POST("/:id/disable", h.HandleDisable)
			experiments.POST("/:id/rollback", h.HandleRollback)
			experiments.POST("/:id/archive", h.HandleArchive)
		}
	}
}
