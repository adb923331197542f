// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/handlers"
	"github.com/civicstack/cityassist/services/assistant/metrics"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
)

// SetupRoutes registers the assistant's HTTP surface on router.
func SetupRoutes(router *gin.Engine, p *pipeline.Pipeline, store *dialog.Store, collector *metrics.Collector) {
	router.GET("/health", handlers.HandleHealth(collector))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat(p))

		dialogs := v1.Group("/dialogs")
		{
			dialogs.GET("/:userId", handlers.HandleGetDialog(store))
			dialogs.DELETE("/:userId", handlers.HandleClearDialog(store))
		}
	}
}
