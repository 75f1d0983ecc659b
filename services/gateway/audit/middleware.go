// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// skippedPaths are never audited. Liveness probes and scrapes would bury
// the interesting traffic.
var skippedPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Middleware audits every exchange except HEAD requests and skipped paths.
//
// # Description
//
// Opens the audit row up front, tees the request body as the handler reads
// it, commits the captured body before the first response byte goes out,
// mirrors response bytes into the row on cadence, and closes the row with
// the final status after the handler returns. A crash mid-stream therefore
// never loses the request side of the exchange. Audit writes run on a
// cancel-detached context so a client disconnect does not lose the trail.
func Middleware(sink *Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sink == nil || c.Request.Method == http.MethodHead || skippedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		requestID := uuid.NewString()
		c.Writer.Header().Set("X-Request-Id", requestID)

		ctx := context.WithoutCancel(c.Request.Context())
		ev, err := sink.BeginEvent(ctx, EventMeta{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Query:      c.Request.URL.RawQuery,
			ClientAddr: c.ClientIP(),
			RequestID:  requestID,
		})
		if err != nil {
			slog.Warn("Audit event open failed, serving unaudited", "error", err)
			c.Next()
			return
		}
		c.Set(ContextKey, ev)

		tee := &bodyTee{inner: c.Request.Body, ev: ev, ctx: ctx}
		c.Request.Body = tee
		c.Writer = &auditWriter{ResponseWriter: c.Writer, ev: ev, ctx: ctx, req: tee}

		c.Next()

		// Handlers that never read the body or wrote a byte still get
		// their (possibly empty) request committed.
		tee.commit()
		ev.CloseEvent(ctx, c.Writer.Status())
	}
}

// ContextKey locates the *Event in the gin context for handlers that want
// to correlate logs with the audit row.
const ContextKey = "audit_event"

// bodyTee copies request body bytes as the handler reads them and commits
// the captured body to the event exactly once. The commit fires on the
// EOF read, on Close, or from the response writer before its first byte,
// whichever comes first; the request body is therefore durable before
// any response streams.
type bodyTee struct {
	inner io.ReadCloser
	ev    *Event
	ctx   context.Context
	buf   []byte
	once  sync.Once
}

func (t *bodyTee) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		t.buf = append(t.buf, p[:n]...)
	}
	if errors.Is(err, io.EOF) {
		t.commit()
	}
	return n, err
}

func (t *bodyTee) Close() error {
	t.commit()
	return t.inner.Close()
}

func (t *bodyTee) commit() {
	t.once.Do(func() {
		t.ev.CommitRequest(t.ctx, t.buf)
	})
}

// auditWriter mirrors response bytes into the audit event.
type auditWriter struct {
	gin.ResponseWriter
	ev  *Event
	ctx context.Context
	req *bodyTee
}

func (w *auditWriter) Write(b []byte) (int, error) {
	w.req.commit()
	n, err := w.ResponseWriter.Write(b)
	if n > 0 {
		w.ev.AppendResponseChunk(w.ctx, b[:n])
	}
	return n, err
}

func (w *auditWriter) WriteString(s string) (int, error) {
	w.req.commit()
	n, err := w.ResponseWriter.WriteString(s)
	if n > 0 {
		w.ev.AppendResponseChunk(w.ctx, []byte(s[:n]))
	}
	return n, err
}
