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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/pipeline"
)

// recentSequenceLimit bounds the .recent listing.
const recentSequenceLimit = 50

func sequenceID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence id"})
		return 0, false
	}
	return id, true
}

// SequenceContinue continues a stored chain and streams the reply.
func (g *Gateway) SequenceContinue(c *gin.Context) {
	id, ok := sequenceID(c)
	if !ok {
		return
	}
	var req datatypes.ContinueRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	run, err := g.Pipeline.Continue(c.Request.Context(), pipeline.Request{
		SequenceID:           id,
		ModelOverrideID:      req.ContinuationModelID,
		FallbackModelHumanID: req.FallbackModelHumanID,
		Retrieval:            req.Retrieval,
		Endpoint:             observability.EndpointContinue,
	})
	if err != nil {
		continueError(c, err)
		return
	}
	streamRun(c, run)
}

// SequenceExtend appends one user message to the chain, then continues.
func (g *Gateway) SequenceExtend(c *gin.Context) {
	id, ok := sequenceID(c)
	if !ok {
		return
	}
	var req datatypes.ExtendRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Next.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "next_message.content required"})
		return
	}
	role := req.Next.Role
	if role == "" {
		role = "user"
	}
	if len(req.Next.Content) > datatypes.MaxMessageContentBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too large"})
		return
	}

	ctx := c.Request.Context()
	if _, err := g.Store.GetSequence(ctx, id); err != nil {
		continueError(c, err)
		return
	}
	msgID, _, err := g.Store.InsertMessage(ctx, role, req.Next.Content, nil)
	if err != nil {
		continueError(c, err)
		return
	}
	leaf, err := g.Store.CreateSequence(ctx, datatypes.ChatSequence{
		CurrentMessage:     msgID,
		ParentSequence:     &id,
		GeneratedAt:        time.Now().UTC(),
		GenerationComplete: true,
	})
	if err != nil {
		continueError(c, err)
		return
	}

	run, err := g.Pipeline.Continue(ctx, pipeline.Request{
		SequenceID:           leaf,
		ModelOverrideID:      req.ContinueOptions.ContinuationModelID,
		FallbackModelHumanID: req.ContinueOptions.FallbackModelHumanID,
		Retrieval:            req.ContinueOptions.Retrieval,
		Endpoint:             observability.EndpointExtend,
	})
	if err != nil {
		continueError(c, err)
		return
	}
	streamRun(c, run)
}

// SequenceAutoname names a chain on demand.
//
// # Description
//
// With wait_for_response=false the work runs in the background and the
// handler answers 202 immediately. With wait_for_response=true the result
// streams back as a single terminal frame, matching the continuation wire
// format.
func (g *Gateway) SequenceAutoname(c *gin.Context) {
	id, ok := sequenceID(c)
	if !ok {
		return
	}
	var req datatypes.AutonameRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if _, err := g.Store.GetSequence(c.Request.Context(), id); err != nil {
		continueError(c, err)
		return
	}

	if !req.WaitForResponse {
		detached := context.WithoutCancel(c.Request.Context())
		go func() {
			if _, err := g.Pipeline.AutonameSequence(detached, id, req.PreferredModel); err != nil {
				slog.Warn("Background autoname failed", "sequence_id", id, "error", err)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "sequence_id": id})
		return
	}

	SetStreamHeaders(c.Writer)
	c.Status(http.StatusOK)
	sw, err := NewStreamWriter(c.Writer)
	if err != nil {
		slog.Error("Streaming unsupported by response writer", "error", err)
		return
	}
	name, err := g.Pipeline.AutonameSequence(c.Request.Context(), id, req.PreferredModel)
	if err != nil {
		_ = sw.WriteFrame(datatypes.ErrorFrame(err.Error()))
		return
	}
	_ = sw.WriteFrame(datatypes.StreamFrame{
		datatypes.FrameKeyAutoname: name,
		datatypes.FrameKeyDone:     true,
	})
}

// CreateSequence inserts a chain node. Idempotent: an existing node with
// the same (current_message, parent_sequence) answers 200 with its id.
func (g *Gateway) CreateSequence(c *gin.Context) {
	var req datatypes.SequenceIn
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := datatypes.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if existing, err := g.Store.LookupSequence(ctx, req.CurrentMessage, req.ParentSequence); err == nil {
		c.JSON(http.StatusOK, gin.H{"id": existing})
		return
	} else if !errors.Is(err, history.ErrNotFound) {
		continueError(c, err)
		return
	}

	id, err := g.Store.CreateSequence(ctx, datatypes.ChatSequence{
		HumanDesc:          req.HumanDesc,
		UserPinned:         req.UserPinned,
		CurrentMessage:     req.CurrentMessage,
		ParentSequence:     req.ParentSequence,
		GeneratedAt:        time.Now().UTC(),
		GenerationComplete: true,
	})
	if err != nil {
		continueError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GetSequence fetches one chain node.
func (g *Gateway) GetSequence(c *gin.Context) {
	id, ok := sequenceID(c)
	if !ok {
		return
	}
	seq, err := g.Store.GetSequence(c.Request.Context(), id)
	if err != nil {
		continueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                  seq.ID,
		"human_desc":          seq.HumanDesc,
		"user_pinned":         seq.UserPinned,
		"current_message":     seq.CurrentMessage,
		"parent_sequence":     seq.ParentSequence,
		"generated_at":        seq.GeneratedAt,
		"generation_complete": seq.GenerationComplete,
		"inference_job_id":    seq.InferenceJobID,
	})
}

// RecentSequences lists the newest leaf sequence ids, newest first.
func (g *Gateway) RecentSequences(c *gin.Context) {
	ids, err := g.Store.RecentSequenceIDs(c.Request.Context(), recentSequenceLimit)
	if err != nil {
		continueError(c, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, ids)
}
