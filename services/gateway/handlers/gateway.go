// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGateway/services/gateway/providers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/upstream"
)

// Gateway bundles the dependencies the HTTP handlers need.
type Gateway struct {
	Pipeline *pipeline.Pipeline
	Store    *history.Store
	Registry *providers.Registry

	// Ollama is the primary proxied backend; the /ollama-proxy surface
	// forwards to it directly.
	Ollama *providers.OllamaProvider
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// streamRun drains a pipeline run into the response as NDJSON.
//
// # Description
//
// The HTTP status goes out before the first frame: 218 when retrieval
// augmented the prompt, 200 otherwise. A client disconnect mid-stream
// does not stop the drain; the pipeline's terminal frames carry the
// history commit and must be consumed.
func streamRun(c *gin.Context, run *pipeline.Run) {
	SetStreamHeaders(c.Writer)
	if run.Augmented {
		c.Status(StatusAugmentedStream)
	} else {
		c.Status(http.StatusOK)
	}

	sw, err := NewStreamWriter(c.Writer)
	if err != nil {
		slog.Error("Streaming unsupported by response writer", "error", err)
		return
	}

	// Frame consumption must survive the request context.
	ctx := context.WithoutCancel(c.Request.Context())
	for {
		f, err := run.Frames.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			slog.Error("Frame stream broke", "error", err)
			return
		}
		if werr := sw.WriteFrame(f); werr != nil && !errors.Is(werr, ErrClientGone) {
			observability.DefaultMetrics().ObserveDisconnect(run.Endpoint)
			slog.Info("Client disconnected mid-stream, inference continues", "error", werr)
		}
	}
}

// continueError maps pipeline preparation failures onto HTTP statuses.
func continueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNoModel):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "no model resolvable; run /ollama-proxy/api/tags to reconcile models first",
		})
	case errors.Is(err, pipeline.ErrModelTemplateMissing):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "model has no reconciled template; call /ollama-proxy/api/show for it first",
		})
	case errors.Is(err, history.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		var upErr *upstream.Error
		if errors.As(err, &upErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": upErr.Error()})
			return
		}
		slog.Error("Continuation failed before streaming", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
