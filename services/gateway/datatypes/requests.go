// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes: validated request bodies for the gateway's own surface
// (/sequences, /messages). The Ollama proxy surface is validated loosely on
// purpose; third-party clients send all kinds of bodies.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 128 * 1024 // 128KB

	// MaxMessagesPerRequest is the maximum number of messages in a captured
	// chat. Per SEC-004: Unbounded message history mitigation.
	MaxMessagesPerRequest = 500

	// MaxAutonameLength caps stored sequence titles.
	MaxAutonameLength = 280
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// gatewayValidate is the validator instance for gateway request bodies.
var gatewayValidate *validator.Validate

func init() {
	gatewayValidate = validator.New()
	_ = gatewayValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the SEC-003 byte limit on string fields. Byte
// length, not rune count: the limit exists to bound memory, not display.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Retrieval
// =============================================================================

// RetrievalPolicy selects how (and whether) a chat prompt is augmented with
// document context. Closed set.
type RetrievalPolicy string

const (
	RetrievalSkip        RetrievalPolicy = "skip"
	RetrievalSimple      RetrievalPolicy = "simple"
	RetrievalSummarizing RetrievalPolicy = "summarizing"
)

// IsValid checks the policy against the closed set.
func (p RetrievalPolicy) IsValid() bool {
	switch p {
	case RetrievalSkip, RetrievalSimple, RetrievalSummarizing:
		return true
	}
	return false
}

// RetrievalLabel carries the retrieval selection for one request.
type RetrievalLabel struct {
	Policy                  RetrievalPolicy `json:"retrieval_policy"`
	SearchArgs              map[string]any  `json:"retrieval_search_args,omitempty"`
	PreferredEmbeddingModel string          `json:"preferred_embedding_model,omitempty"`
}

// =============================================================================
// Sequence Surface Requests
// =============================================================================

// ContinueRequest is the body of POST /sequences/{id}/continue.
type ContinueRequest struct {
	// ContinuationModelID overrides model resolution from the ancestor chain.
	ContinuationModelID *int64 `json:"continuation_model_id,omitempty"`
	// FallbackModelHumanID is used when neither an override nor an ancestor
	// inference event yields a model.
	FallbackModelHumanID string          `json:"fallback_model_id,omitempty"`
	Retrieval            *RetrievalLabel `json:"retrieval,omitempty"`
}

// ExtendRequest is the body of POST /sequences/{id}/extend: append one user
// message, then continue.
type ExtendRequest struct {
	Next            Message `json:"next_message" validate:"required"`
	ContinueOptions ContinueRequest `json:"continuation,omitempty"`
}

// AutonameRequest is the body of POST /sequences/{id}/autoname.
type AutonameRequest struct {
	WaitForResponse bool   `json:"wait_for_response"`
	PreferredModel  *int64 `json:"preferred_autonaming_model,omitempty"`
}

// MessageIn is the body of POST /messages. Inserts are idempotent: an
// existing (role, content, created_at) triple returns the existing id.
type MessageIn struct {
	Role      string  `json:"role" validate:"required"`
	Content   string  `json:"content" validate:"maxbytes"`
	CreatedAt *string `json:"created_at,omitempty"`
}

// SequenceIn is the body of POST /sequences.
type SequenceIn struct {
	HumanDesc      *string `json:"human_desc,omitempty"`
	UserPinned     bool    `json:"user_pinned"`
	CurrentMessage int64   `json:"current_message" validate:"required,gt=0"`
	ParentSequence *int64  `json:"parent_sequence,omitempty"`
}

// Validate runs struct validation with the shared validator.
func Validate(v any) error {
	if err := gatewayValidate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
