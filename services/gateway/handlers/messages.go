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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// CreateMessage inserts a chat message. Idempotent: an existing
// (role, content, created_at) triple answers 200 with the stored id, a
// fresh insert answers 201.
func (g *Gateway) CreateMessage(c *gin.Context) {
	var req datatypes.MessageIn
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := datatypes.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var createdAt *time.Time
	if req.CreatedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *req.CreatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_at must be RFC 3339"})
			return
		}
		utc := t.UTC()
		createdAt = &utc
	}

	id, justCreated, err := g.Store.InsertMessage(c.Request.Context(), req.Role, req.Content, createdAt)
	if err != nil {
		continueError(c, err)
		return
	}
	status := http.StatusOK
	if justCreated {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": id, "just_created": justCreated})
}

// GetMessage fetches one message by id.
func (g *Gateway) GetMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	msg, err := g.Store.GetMessage(c.Request.Context(), id)
	if err != nil {
		continueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         msg.ID,
		"role":       msg.Role,
		"content":    msg.Content,
		"created_at": msg.CreatedAt,
	})
}
