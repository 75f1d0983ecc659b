// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/audit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
)

// SetupRoutes installs the gateway surface on the router.
//
// # Description
//
// The audit middleware wraps every route except /health, /metrics, and
// HEAD probes (it skips those itself). Tracing is optional; pass
// traceHTTP=false to leave otelgin out.
func SetupRoutes(router *gin.Engine, gw *handlers.Gateway, sink *audit.Sink, traceHTTP bool) {
	if traceHTTP {
		router.Use(otelgin.Middleware("aleutian-gateway"))
	}
	if sink != nil {
		router.Use(audit.Middleware(sink))
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	proxy := router.Group("/ollama-proxy")
	{
		proxy.POST("/api/chat", gw.ProxyChat)
		proxy.POST("/api/generate", gw.ProxyGenerate)
		proxy.GET("/api/tags", gw.ProxyTags)
		proxy.POST("/api/show", gw.ProxyShow)
		proxy.HEAD("/*path", gw.ProxyHead)
	}

	sequences := router.Group("/sequences")
	{
		sequences.POST("", gw.CreateSequence)
		sequences.GET("/.recent/as-ids", gw.RecentSequences)
		sequences.GET("/:id", gw.GetSequence)
		sequences.POST("/:id/continue", gw.SequenceContinue)
		sequences.POST("/:id/extend", gw.SequenceExtend)
		sequences.POST("/:id/autoname", gw.SequenceAutoname)
	}

	messages := router.Group("/messages")
	{
		messages.POST("", gw.CreateMessage)
		messages.GET("/:id", gw.GetMessage)
	}
}
