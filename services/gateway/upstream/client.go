// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream talks to one Ollama-compatible HTTP backend.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

const (
	// ConnectTimeout bounds only connection establishment. A dead backend
	// fails fast; a slow model load does not.
	ConnectTimeout = 2 * time.Second

	// MetadataTimeout bounds the non-streaming metadata calls
	// (/api/tags, /api/show).
	MetadataTimeout = 10 * time.Second

	// streamChunkSize is the read granularity for streaming bodies.
	streamChunkSize = 4096
)

// Error is a non-2xx reply from the backend, with the upstream-reported
// message extracted when the body carries one.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// Client speaks the Ollama HTTP API against one base URL.
//
// # Thread Safety
//
// Safe for concurrent use; state lives in the embedded http.Client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the given base URL (e.g. http://localhost:11434).
//
// # Description
//
// Reads are unbounded because a streaming generation legitimately takes
// minutes; liveness is the keep-alive layer's job, not the transport's.
// Redirects are refused: a local inference backend has no business
// redirecting, and following one would silently retarget the audit trail.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: ConnectTimeout}).DialContext,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// BaseURL returns the backend address this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Ping reports whether the backend answers at all.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// =============================================================================
// Streaming inference
// =============================================================================

// Generate POSTs /api/generate and returns the NDJSON reply as a frame
// stream. The response body closes when the stream ends or errors.
func (c *Client) Generate(ctx context.Context, req *datatypes.GenerateRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	return c.streamPost(ctx, "/api/generate", req)
}

// Chat POSTs /api/chat and returns the NDJSON reply as a frame stream.
func (c *Client) Chat(ctx context.Context, req *datatypes.ChatRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	return c.streamPost(ctx, "/api/chat", req)
}

func (c *Client) streamPost(ctx context.Context, path string, body any) (iterstream.Stream[datatypes.StreamFrame], error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// One connection per inference; a wedged backend must not poison a
	// pooled connection for the next request.
	req.Close = true

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readError(resp)
	}

	frames := iterstream.BytesToFrames(iterstream.ReaderToBytes(resp.Body, streamChunkSize))
	return &bodyClosingStream{inner: frames, body: resp.Body}, nil
}

// bodyClosingStream closes the HTTP body exactly once when the inner
// stream finishes or fails.
type bodyClosingStream struct {
	inner  iterstream.Stream[datatypes.StreamFrame]
	body   io.Closer
	closed bool
}

func (s *bodyClosingStream) Next(ctx context.Context) (datatypes.StreamFrame, error) {
	f, err := s.inner.Next(ctx)
	if err != nil && !s.closed {
		s.closed = true
		s.body.Close()
	}
	return f, err
}

// =============================================================================
// Metadata
// =============================================================================

// Tags fetches the backend's model listing.
func (c *Client) Tags(ctx context.Context) (*datatypes.TagsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /api/tags: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var tags datatypes.TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	return &tags, nil
}

// Show fetches the per-model detail block (template, system prompt,
// parameters).
func (c *Client) Show(ctx context.Context, model string) (*datatypes.ShowResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	payload, err := json.Marshal(datatypes.ShowRequest{Model: model, Name: model})
	if err != nil {
		return nil, fmt.Errorf("encode show request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build show request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /api/show: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var show datatypes.ShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, fmt.Errorf("decode show response: %w", err)
	}
	return &show, nil
}

// Head forwards a HEAD request verbatim and returns the upstream status
// code. Used by the transparent proxy surface; clients probe Ollama with
// HEAD before talking to it.
func (c *Client) Head(ctx context.Context, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build head request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = resp.Status
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}
