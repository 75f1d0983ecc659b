// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes: persistence records for the history store.
//
// These map one-to-one onto the SQLite tables owned by services/gateway/history.
// The pipeline passes ids (int64) across suspension points and re-fetches rows
// when committing; record values are short-lived copies.
package datatypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// Inference Reasons
// =============================================================================

// Reason categorizes why an InferenceEvent was issued. Stored as a free-form
// column, but the gateway only ever writes this closed set.
type Reason string

const (
	ReasonChat         Reason = "chat"
	ReasonPromptRAG    Reason = "prompt+rag"
	ReasonSummarizeRAG Reason = "summarize prompt for retrieval"
	ReasonSummarizeDoc Reason = "summarize document"
	ReasonAutoname     Reason = "autoname"
)

// =============================================================================
// Records
// =============================================================================

// ChatMessage is an atomic immutable utterance.
//
// # Description
//
// Content is never mutated after insert; edits produce new messages.
// CreatedAt is nullable because third-party clients omit timestamps.
type ChatMessage struct {
	ID        int64
	Role      string
	Content   string
	CreatedAt *time.Time
}

// ChatSequence is a node in the branching linked list of chat turns.
//
// # Description
//
// Each node references exactly one ChatMessage and at most one parent
// sequence. The chain to a root is acyclic because ParentSequence is always
// an already-committed id. UserPinned propagates to the leaf: committing a
// child clears the parent's pin in the same transaction.
//
// # Fields
//
//   - InferenceJobID: mutual reference with InferenceEvent.ParentSequence,
//     established in two steps inside one transaction.
//   - InferenceError: non-nil when generation failed mid-stream.
type ChatSequence struct {
	ID                 int64
	HumanDesc          *string
	UserPinned         bool
	CurrentMessage     int64
	ParentSequence     *int64
	GeneratedAt        time.Time
	GenerationComplete bool
	InferenceJobID     *int64
	InferenceError     *string
}

// FoundationModel is the identity of a model as seen through a provider.
//
// # Description
//
// Identity is the four-tuple (HumanID, ProviderIdentifiers,
// ModelIdentifiers, CombinedInferenceParameters). ProviderIdentifiers is
// always canonicalised (lexically sorted keys) so byte-equality works as a
// key. Merges only widen the [FirstSeenAt, LastSeen] window and fill
// nullable fields; they never narrow or overwrite non-null JSON.
type FoundationModel struct {
	ID                  int64
	HumanID             string
	FirstSeenAt         *time.Time
	LastSeen            *time.Time
	ProviderIdentifiers string
	ModelIdentifiers    *string
	// CombinedInferenceParameters holds template, system prompt, stop
	// tokens, context size, etc., as one JSON blob. Nil until /api/show
	// reconciliation has run for this model.
	CombinedInferenceParameters *string
}

// Template extracts the model's prompt template from
// CombinedInferenceParameters, or "" when unavailable.
func (fm *FoundationModel) Template() string {
	return fm.parameterString("template")
}

// SystemPrompt extracts the model's default system prompt, or "".
func (fm *FoundationModel) SystemPrompt() string {
	return fm.parameterString("system")
}

func (fm *FoundationModel) parameterString(key string) string {
	if fm.CombinedInferenceParameters == nil {
		return ""
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(*fm.CombinedInferenceParameters), &params); err != nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

// ProviderRecord is the durable identity of a backend instance.
//
// Identifiers is canonicalised JSON and acts as the primary key. Rows are
// created lazily on first contact and are effectively immutable thereafter.
type ProviderRecord struct {
	Identifiers string
	CreatedAt   time.Time
	MachineInfo *string
	HumanInfo   *string
}

// InferenceEventPendingError is the sentinel stored on ResponseError while a
// stream is in flight, so a crash mid-stream is visible in the record.
const InferenceEventPendingError = "[haven't received/finalized response info yet]"

// InferenceEvent is the durable record of one upstream model invocation.
//
// # Description
//
// Exactly one event exists per upstream call. ResponseError holds
// InferenceEventPendingError while streaming and is nulled only on success.
// ParentSequence is patched in a second write after the sequence exists;
// both writes happen in one transaction (see history.CommitAssistantTurn).
type InferenceEvent struct {
	ID                  int64
	ModelRecordID       int64
	PromptWithTemplating *string
	PromptTokens        *int64
	PromptEvalTime      *float64
	ResponseCreatedAt   *time.Time
	ResponseTokens      *int64
	ResponseEvalTime    *float64
	ResponseError       *string
	ResponseInfo        *string
	ParentSequence      *int64
	Reason              Reason
}

// =============================================================================
// Canonical JSON
// =============================================================================

// CanonicalizeJSON re-emits a JSON document with object keys in lexical
// order at every nesting level, so two identifier blobs compare equal as
// bytes iff they compare equal as values.
func CanonicalizeJSON(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}

// CanonicalizeMap canonicalises an in-memory map the same way.
func CanonicalizeMap(m map[string]any) (string, error) {
	out, err := marshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}
