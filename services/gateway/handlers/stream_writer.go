// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers is the gin HTTP surface of the gateway: the transparent
// Ollama proxy, the sequence continuation endpoints, and the history CRUD.
package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// StatusAugmentedStream signals that retrieval changed the prompt before
// forwarding. 218 sits in the 2xx success range so ordinary HTTP clients
// treat the stream as a normal success.
const StatusAugmentedStream = 218

// StreamWriter writes NDJSON frames to an HTTP response.
//
// # Description
//
// Each frame is one JSON object followed by a newline, flushed
// immediately. After the first write failure the writer goes inert:
// subsequent writes return ErrClientGone without touching the connection,
// so the caller can keep draining the pipeline (inference and the history
// commit must outlive a disconnected client).
//
// # Thread Safety
//
// Safe for concurrent use; keep-alive frames and content frames may race.
type StreamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	failed  bool
}

// ErrClientGone marks a write against a connection that already failed.
var ErrClientGone = fmt.Errorf("client connection gone")

// NewStreamWriter wraps the ResponseWriter. The caller sets headers and
// status first.
func NewStreamWriter(w http.ResponseWriter) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &StreamWriter{writer: w, flusher: flusher}, nil
}

// SetStreamHeaders configures the response for NDJSON streaming.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteFrame serializes one frame and flushes it.
func (w *StreamWriter) WriteFrame(f datatypes.StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed {
		return ErrClientGone
	}
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.writer.Write(data); err != nil {
		w.failed = true
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Failed reports whether a write has failed, i.e. the client is gone.
func (w *StreamWriter) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}
