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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGateway/pkg/validation"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGateway/services/gateway/upstream"
)

// ProxyChat intercepts an Ollama /api/chat call: the message list is
// captured into history, optionally augmented with retrieval, rewritten to
// a raw generate, and streamed back in chat shape.
func (g *Gateway) ProxyChat(c *gin.Context) {
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no messages provided"})
		return
	}

	run, err := g.Pipeline.Continue(c.Request.Context(), pipeline.Request{
		Messages:             req.Messages,
		FallbackModelHumanID: req.Model,
		Options:              req.Options,
		Retrieval:            req.Retrieval,
		ChatShape:            true,
		Endpoint:             observability.EndpointProxyChat,
	})
	if err != nil {
		continueError(c, err)
		return
	}
	streamRun(c, run)
}

// ProxyGenerate forwards a raw /api/generate body unchanged and streams
// the reply. No history capture: raw generations carry no chat structure
// worth chaining, but the audit middleware still records both bodies.
func (g *Gateway) ProxyGenerate(c *gin.Context) {
	var req datatypes.GenerateRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	detached := context.WithoutCancel(c.Request.Context())
	frames, err := g.Ollama.Client().Generate(detached, &req)
	if err != nil {
		continueError(c, err)
		return
	}

	SetStreamHeaders(c.Writer)
	c.Status(http.StatusOK)
	sw, werr := NewStreamWriter(c.Writer)
	if werr != nil {
		slog.Error("Streaming unsupported by response writer", "error", werr)
		return
	}

	m := observability.DefaultMetrics()
	m.StreamOpened(observability.EndpointProxyGenerate)
	defer m.StreamClosed(observability.EndpointProxyGenerate)

	start := time.Now()
	var tokens int64
	for {
		f, err := frames.Next(detached)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = sw.WriteFrame(datatypes.ErrorFrame(err.Error()))
			m.ObserveStream(observability.EndpointProxyGenerate, "error", time.Since(start), tokens)
			return
		}
		if f.ResponseText() != "" {
			if tokens == 0 {
				m.ObserveFirstToken(observability.EndpointProxyGenerate, time.Since(start))
			}
			tokens++
		}
		if werr := sw.WriteFrame(f); werr != nil && !errors.Is(werr, ErrClientGone) {
			m.ObserveDisconnect(observability.EndpointProxyGenerate)
		}
	}
	m.ObserveStream(observability.EndpointProxyGenerate, "ok", time.Since(start), tokens)
}

// ProxyTags fetches the upstream model listing, reconciles every entry
// into the history store, and returns the listing unchanged.
func (g *Gateway) ProxyTags(c *gin.Context) {
	client := g.Ollama.Client()
	tags, err := client.Tags(c.Request.Context())
	if err != nil {
		continueError(c, err)
		return
	}

	idents := g.Ollama.Record().Identifiers
	now := time.Now().UTC()
	for i := range tags.Models {
		cand, err := upstream.ModelCandidate(idents, &tags.Models[i], nil, now)
		if err != nil {
			slog.Warn("Skipping unreconcilable tags entry",
				"model", tags.Models[i].Name, "error", err)
			continue
		}
		if _, err := g.Store.UpsertFoundationModel(c.Request.Context(), cand); err != nil {
			slog.Warn("Model reconciliation write failed",
				"model", tags.Models[i].Name, "error", err)
		}
	}
	c.JSON(http.StatusOK, tags)
}

// ProxyShow fetches one model's parameter block, upgrades the matching
// tags-only FoundationModel row with it, and returns the block unchanged.
func (g *Gateway) ProxyShow(c *gin.Context) {
	var req datatypes.ShowRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	name := req.Model
	if name == "" {
		name = req.Name
	}
	if err := validation.ValidateModelName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	client := g.Ollama.Client()
	show, err := client.Show(ctx, name)
	if err != nil {
		continueError(c, err)
		return
	}

	// The candidate identity needs the tags entry; parameters alone do not
	// say which digest they belong to.
	tags, err := client.Tags(ctx)
	if err != nil {
		slog.Warn("Tags fetch for show reconciliation failed", "error", err)
		c.JSON(http.StatusOK, show)
		return
	}

	if tm := matchTagsEntry(tags, name, show); tm != nil {
		idents := g.Ollama.Record().Identifiers
		cand, cerr := upstream.ModelCandidate(idents, tm, show, time.Now().UTC())
		if cerr != nil {
			slog.Warn("Show reconciliation skipped", "model", name, "error", cerr)
		} else if _, uerr := g.Store.UpsertFoundationModel(ctx, cand); uerr != nil {
			slog.Warn("Show reconciliation write failed", "model", name, "error", uerr)
		}
	}
	c.JSON(http.StatusOK, show)
}

// matchTagsEntry picks the tags entry the show response belongs to. When
// several entries share the name, the one whose details block matches the
// show response wins; the parameters must land on that row only.
func matchTagsEntry(tags *datatypes.TagsResponse, name string, show *datatypes.ShowResponse) *datatypes.TagsModel {
	var first *datatypes.TagsModel
	for i := range tags.Models {
		tm := &tags.Models[i]
		if tm.Name != name {
			continue
		}
		if first == nil {
			first = tm
		}
		if len(show.Details) > 0 && detailsEqual(tm.Details, show.Details) {
			return tm
		}
	}
	return first
}

func detailsEqual(a, b []byte) bool {
	ca, errA := datatypes.CanonicalizeJSON(a)
	cb, errB := datatypes.CanonicalizeJSON(b)
	return errA == nil && errB == nil && ca == cb
}

// ProxyHead forwards HEAD probes verbatim. No audit, no body.
func (g *Gateway) ProxyHead(c *gin.Context) {
	status, err := g.Ollama.Client().Head(c.Request.Context(), c.Param("path"))
	if err != nil {
		c.Status(http.StatusBadGateway)
		return
	}
	c.Status(status)
}
