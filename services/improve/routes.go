// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package improve

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all improvement pipeline routes.
//
// Description:
//
//	Registers all /v1/improve/* endpoints with the given Gin router
//	group. The group should already have any required middleware
//	applied.
//
// Feedback Endpoints:
//
//	POST /v1/improve/feedback - Ingest a feedback event
//
// Model Endpoints:
//
//	GET  /v1/improve/production - Current production model
//	GET  /v1/improve/models/:id - Model version with its report
//	POST /v1/improve/models/:id/promote - Operator force-promote
//
// Cycle Endpoints:
//
//	GET  /v1/improve/cycles/current - Active or last cycle state
//	POST /v1/improve/cycles/run - Advance the cycle synchronously
//	POST /v1/improve/cycles/pause - Pause between phases
//	POST /v1/improve/cycles/resume - Lift the pause
//
// Experiment Endpoints:
//
//	GET  /v1/improve/tests/:id - Experiment record
//	GET  /v1/improve/tests/:id/assign - Deterministic variant assignment
//	POST /v1/improve/tests/:id/samples - Ingest a metric sample
//	POST /v1/improve/tests/:id/abort - Operator abort
//
// Metrics Endpoints:
//
//	GET  /v1/improve/metrics/query - Aggregated series query
//	POST /v1/improve/alerts - Configure an alert rule
//
// Health Endpoints:
//
//	GET  /v1/improve/health - Health check
//	GET  /v1/improve/ready - Readiness check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	improve := rg.Group("/improve")
	{
		// Feedback ingestion
		improve.POST("/feedback", handlers.HandleIngestFeedback)

		// Model lifecycle
		improve.GET("/production", handlers.HandleProduction)
		improve.GET("/models/:id", handlers.HandleGetModel)
		improve.POST("/models/:id/promote", handlers.HandlePromote)

		// Cycle control
		improve.GET("/cycles/current", handlers.HandleCurrentCycle)
		improve.POST("/cycles/run", handlers.HandleRunCycle)
		improve.POST("/cycles/pause", handlers.HandlePauseCycle)
		improve.POST("/cycles/resume", handlers.HandleResumeCycle)

		// Experiments
		improve.GET("/tests/:id", handlers.HandleGetTest)
		improve.GET("/tests/:id/assign", handlers.HandleAssign)
		improve.POST("/tests/:id/samples", handlers.HandleIngestSample)
		improve.POST("/tests/:id/abort", handlers.HandleAbortTest)

		// Metrics and alerting
		improve.GET("/metrics/query", handlers.HandleQueryMetrics)
		improve.POST("/alerts", handlers.HandleConfigureAlert)

		// Health checks
		improve.GET("/health", handlers.HandleHealth)
		improve.GET("/ready", handlers.HandleReady)
	}
}
