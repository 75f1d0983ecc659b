// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides wire and persistence types for the gateway.
//
// This file contains the Ollama-compatible wire types and the dynamic
// StreamFrame used throughout the streaming pipeline. For persistence
// records, see records.go. For validated request bodies, see requests.go.
package datatypes

import (
	"bytes"
	"encoding/json"
	"time"
)

// =============================================================================
// Ollama Wire Types
// =============================================================================

// Message is a single chat utterance on the wire.
type Message struct {
	Role    string   `json:"role" validate:"required"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // Base64 encoded images
}

// ChatRequest describes an Ollama /api/chat request body.
type ChatRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    *bool          `json:"stream,omitempty"`
	Format    string         `json:"format,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`

	// Gateway extensions, stripped before forwarding upstream.
	Retrieval *RetrievalLabel `json:"retrieval,omitempty"`
}

// GenerateRequest describes an Ollama /api/generate request body.
type GenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Template  string         `json:"template,omitempty"`
	Context   []int          `json:"context,omitempty"`
	Stream    *bool          `json:"stream,omitempty"`
	Raw       bool           `json:"raw,omitempty"`
	Format    string         `json:"format,omitempty"`
	Images    []string       `json:"images,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// TagsResponse is the body of GET /api/tags.
type TagsResponse struct {
	Models []TagsModel `json:"models"`
}

// TagsModel is one entry of a tags listing.
type TagsModel struct {
	Name       string          `json:"name"`
	Model      string          `json:"model,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
	Size       int64           `json:"size,omitempty"`
	Digest     string          `json:"digest,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// ShowRequest is the body of POST /api/show.
type ShowRequest struct {
	Model string `json:"model,omitempty"`
	// Name is accepted for compatibility with older Ollama clients.
	Name string `json:"name,omitempty"`
}

// ShowResponse is the body returned by POST /api/show.
type ShowResponse struct {
	License    string          `json:"license,omitempty"`
	Modelfile  string          `json:"modelfile,omitempty"`
	Parameters string          `json:"parameters,omitempty"`
	Template   string          `json:"template,omitempty"`
	System     string          `json:"system,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	ModelInfo  json.RawMessage `json:"model_info,omitempty"`
}

// =============================================================================
// StreamFrame
// =============================================================================

// Augmented frame keys emitted by the gateway in addition to Ollama's own.
const (
	FrameKeyStatus         = "status"
	FrameKeyPromptText     = "prompt_with_templating"
	FrameKeyNewSequenceID  = "new_sequence_id"
	FrameKeyNewMessageID   = "new_message_id"
	FrameKeyAutoname       = "autoname"
	FrameKeyError          = "error"
	FrameKeyDone           = "done"
	FrameKeyModel          = "model"
	FrameKeyCreatedAt      = "created_at"
	FrameKeyResponse       = "response"
	FrameKeyMessage        = "message"
	FrameKeyDoneReason     = "done_reason"
	FrameKeyPromptEvalN    = "prompt_eval_count"
	FrameKeyPromptEvalDur  = "prompt_eval_duration"
	FrameKeyEvalN          = "eval_count"
	FrameKeyEvalDur        = "eval_duration"
	FrameKeyTotalDur       = "total_duration"
	FrameKeyLoadDur        = "load_duration"
	FrameKeyContext        = "context"
	FrameKeyTermCreatedAt  = "terminal_created_at"
)

// StreamFrame is one streamed NDJSON object.
//
// # Description
//
// The wire protocol is loose JSON with many optional and version-dependent
// fields, so frames are dynamic maps rather than strict structs. The
// consolidator in the pipeline package is the single place that enumerates
// known keys and rejects unknowns. Numbers are decoded as json.Number so
// nanosecond durations survive the round trip.
//
// # Thread Safety
//
// A frame is owned by exactly one pipeline stage at a time; frames are not
// safe for concurrent mutation.
type StreamFrame map[string]any

// DecodeFrame parses a single JSON object into a StreamFrame.
func DecodeFrame(data []byte) (StreamFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var f StreamFrame
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f, nil
}

// Encode serializes the frame as a single JSON object without a trailing
// newline. NDJSON framing is applied by the stream writer.
func (f StreamFrame) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(f))
}

// Done reports whether the frame carries done:true.
func (f StreamFrame) Done() bool {
	v, ok := f[FrameKeyDone].(bool)
	return ok && v
}

// Model returns the frame's model key, or "".
func (f StreamFrame) Model() string {
	v, _ := f[FrameKeyModel].(string)
	return v
}

// ResponseText returns the generate-style response fragment, or "".
func (f StreamFrame) ResponseText() string {
	v, _ := f[FrameKeyResponse].(string)
	return v
}

// MessageContent returns message.content for chat-style frames, or "".
func (f StreamFrame) MessageContent() string {
	msg, ok := f[FrameKeyMessage].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := msg["content"].(string)
	return v
}

// MessageRole returns message.role for chat-style frames, or "".
func (f StreamFrame) MessageRole() string {
	msg, ok := f[FrameKeyMessage].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := msg["role"].(string)
	return v
}

// Number returns the named key as an int64 when it is a JSON number.
func (f StreamFrame) Number(key string) (int64, bool) {
	n, ok := f[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Clone returns a shallow copy of the frame.
func (f StreamFrame) Clone() StreamFrame {
	out := make(StreamFrame, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// AssistantFrame builds a chat-style frame carrying one content fragment.
// Used when rewriting /api/generate chunks back into /api/chat shape.
func AssistantFrame(model string, createdAt, content string, done bool) StreamFrame {
	return StreamFrame{
		FrameKeyModel:     model,
		FrameKeyCreatedAt: createdAt,
		FrameKeyMessage: map[string]any{
			"role":    "assistant",
			"content": content,
		},
		FrameKeyDone: done,
	}
}

// KeepAliveFrame builds a synthetic frame shaped like a normal streaming
// chunk but carrying no content. Status is attached when non-empty.
func KeepAliveFrame(model, status string) StreamFrame {
	f := StreamFrame{
		FrameKeyModel:     model,
		FrameKeyCreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		FrameKeyMessage: map[string]any{
			"role":    "assistant",
			"content": "",
		},
		FrameKeyDone: false,
	}
	if status != "" {
		f[FrameKeyStatus] = status
	}
	return f
}

// ErrorFrame builds the terminal frame emitted when the pipeline fails
// after streaming has started.
func ErrorFrame(msg string) StreamFrame {
	return StreamFrame{
		FrameKeyError: msg,
		FrameKeyDone:  true,
	}
}
