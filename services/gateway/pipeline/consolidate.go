// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
)

// ConsolidateOllamaFrames folds one streamed chunk into the accumulated
// response object.
//
// # Description
//
// Per-key rules:
//   - created_at: the first value is the response creation time; later
//     values are kept as terminal_created_at.
//   - done: true is final; a later done update logs a warning and is
//     ignored.
//   - model: must be stable across chunks; a mismatch is fatal.
//   - response and message.content: concatenated; message.role must stay
//     assistant.
//   - stat and terminal keys (done_reason, context, durations, token
//     counts): last writer wins.
//   - any unrecognised key aborts consolidation. The wire protocol is
//     loose; silently dropping an unknown key would hide data from the
//     audit trail.
func ConsolidateOllamaFrames(acc, f datatypes.StreamFrame) (datatypes.StreamFrame, error) {
	if acc == nil {
		acc = datatypes.StreamFrame{}
	}
	for key, v := range f {
		switch key {
		case datatypes.FrameKeyCreatedAt:
			if _, seen := acc[datatypes.FrameKeyCreatedAt]; seen {
				acc[datatypes.FrameKeyTermCreatedAt] = v
			} else {
				acc[datatypes.FrameKeyCreatedAt] = v
			}
		case datatypes.FrameKeyDone:
			if acc.Done() {
				slog.Warn("Upstream sent another done after the terminal chunk", "value", v)
				continue
			}
			acc[datatypes.FrameKeyDone] = v
		case datatypes.FrameKeyModel:
			model, _ := v.(string)
			if prev := acc.Model(); prev != "" && model != prev {
				return nil, fmt.Errorf("model changed mid-stream: %q then %q", prev, model)
			}
			acc[datatypes.FrameKeyModel] = v
		case datatypes.FrameKeyResponse:
			text, _ := v.(string)
			prev, _ := acc[datatypes.FrameKeyResponse].(string)
			acc[datatypes.FrameKeyResponse] = prev + text
		case datatypes.FrameKeyMessage:
			if err := foldMessage(acc, v); err != nil {
				return nil, err
			}
		case datatypes.FrameKeyDoneReason, datatypes.FrameKeyContext,
			datatypes.FrameKeyTotalDur, datatypes.FrameKeyLoadDur,
			datatypes.FrameKeyPromptEvalN, datatypes.FrameKeyPromptEvalDur,
			datatypes.FrameKeyEvalN, datatypes.FrameKeyEvalDur,
			datatypes.FrameKeyStatus, datatypes.FrameKeyPromptText,
			datatypes.FrameKeyError:
			acc[key] = v
		default:
			return nil, fmt.Errorf("unrecognised key %q in upstream chunk", key)
		}
	}
	return acc, nil
}

func foldMessage(acc datatypes.StreamFrame, v any) error {
	msg, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("message field is %T, not an object", v)
	}
	role, _ := msg["role"].(string)
	if role != "" && role != "assistant" {
		return fmt.Errorf("streamed message role %q, want assistant", role)
	}
	content, _ := msg["content"].(string)

	prev, _ := acc[datatypes.FrameKeyMessage].(map[string]any)
	if prev == nil {
		prev = map[string]any{"role": "assistant", "content": ""}
		acc[datatypes.FrameKeyMessage] = prev
	}
	prevContent, _ := prev["content"].(string)
	prev["content"] = prevContent + content
	return nil
}

// consolidatedText returns the full response text, whichever wire shape
// the upstream used.
func consolidatedText(acc datatypes.StreamFrame) string {
	if text, ok := acc[datatypes.FrameKeyResponse].(string); ok && text != "" {
		return text
	}
	return acc.MessageContent()
}

// statsFromConsolidated extracts the durable event stats from the
// accumulated response object.
//
// Durations arrive as nanosecond integers and are stored as seconds.
// ResponseInfo is the canonical JSON of the accumulator minus the
// response text and gateway-injected keys; the text lives on the
// ChatMessage, not the event.
func statsFromConsolidated(acc datatypes.StreamFrame) (history.EventStats, error) {
	var st history.EventStats

	if raw, ok := acc[datatypes.FrameKeyCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			utc := t.UTC()
			st.ResponseCreatedAt = &utc
		}
	}
	if n, ok := acc.Number(datatypes.FrameKeyPromptEvalN); ok {
		st.PromptTokens = &n
	}
	if n, ok := acc.Number(datatypes.FrameKeyPromptEvalDur); ok {
		secs := float64(n) / float64(time.Second)
		st.PromptEvalTime = &secs
	}
	if n, ok := acc.Number(datatypes.FrameKeyEvalN); ok {
		st.ResponseTokens = &n
	}
	if n, ok := acc.Number(datatypes.FrameKeyEvalDur); ok {
		secs := float64(n) / float64(time.Second)
		st.ResponseEvalTime = &secs
	}

	info := make(map[string]any, len(acc))
	for k, v := range acc {
		switch k {
		case datatypes.FrameKeyResponse, datatypes.FrameKeyMessage,
			datatypes.FrameKeyStatus, datatypes.FrameKeyPromptText:
			continue
		}
		info[k] = v
	}
	infoJSON, err := datatypes.CanonicalizeMap(info)
	if err != nil {
		return st, fmt.Errorf("canonicalize response info: %w", err)
	}
	st.ResponseInfo = &infoJSON
	return st, nil
}
