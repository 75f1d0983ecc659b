// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

// markerTemplate makes every substitution visible in the output.
const markerTemplate = "{{ if .System }}S:{{ .System }};{{ end }}P:{{ .Prompt }};R:{{ .Response }};"

func modelWithParams(t *testing.T, params map[string]any) *datatypes.FoundationModel {
	t.Helper()
	blob, err := datatypes.CanonicalizeMap(params)
	require.NoError(t, err)
	return &datatypes.FoundationModel{
		ID:                          7,
		HumanID:                     "m",
		ProviderIdentifiers:         fakeIdents,
		CombinedInferenceParameters: &blob,
	}
}

func user(content string) datatypes.ChatMessage {
	return datatypes.ChatMessage{Role: "user", Content: content}
}

func assistant(content string) datatypes.ChatMessage {
	return datatypes.ChatMessage{Role: "assistant", Content: content}
}

func TestBuildGenerateRequest_SystemOnlyOnFirstExchange(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate, "system": "default sys"})

	req, err := BuildGenerateRequest(model, []datatypes.ChatMessage{
		user("q1"), assistant("a1"), user("q2"),
	}, nil, "")
	require.NoError(t, err)

	// Exchange 0 fully templated, exchange 1 breaks early at the
	// response marker leaving the assistant turn open.
	assert.Equal(t, "S:default sys;P:q1;R:a1;P:q2;R:", req.Prompt)
	assert.True(t, req.Raw)
	require.NotNil(t, req.Stream)
	assert.True(t, *req.Stream)
}

func TestBuildGenerateRequest_SystemPriority(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate, "system": "model sys"})

	// A system message in the chat beats both options and the model default.
	req, err := BuildGenerateRequest(model, []datatypes.ChatMessage{
		{Role: "system", Content: "chat sys"}, user("q"),
	}, map[string]any{"system": "opts sys"}, "")
	require.NoError(t, err)
	assert.Equal(t, "S:chat sys;P:q;R:", req.Prompt)

	// options["system"] beats the model default.
	req, err = BuildGenerateRequest(model, []datatypes.ChatMessage{user("q")},
		map[string]any{"system": "opts sys"}, "")
	require.NoError(t, err)
	assert.Equal(t, "S:opts sys;P:q;R:", req.Prompt)

	// The model default is the last resort.
	req, err = BuildGenerateRequest(model, []datatypes.ChatMessage{user("q")}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "S:model sys;P:q;R:", req.Prompt)
}

func TestBuildGenerateRequest_RagOverrideReplacesLastPrompt(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate})

	req, err := BuildGenerateRequest(model, []datatypes.ChatMessage{
		user("q1"), assistant("a1"), user("original question"),
	}, nil, "augmented question")
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "P:q1;")
	assert.Contains(t, req.Prompt, "P:augmented question;")
	assert.NotContains(t, req.Prompt, "original question")
}

func TestBuildGenerateRequest_ContinuationSeedsOpenResponse(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate})

	// A chain ending on an assistant turn continues that turn in place.
	req, err := BuildGenerateRequest(model, []datatypes.ChatMessage{
		user("q1"), assistant("partial answer"),
	}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "P:q1;R:partial answer", req.Prompt)
}

func TestBuildGenerateRequest_MissingTemplate(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"system": "sys only"})

	_, err := BuildGenerateRequest(model, []datatypes.ChatMessage{user("q")}, nil, "")
	assert.ErrorIs(t, err, ErrModelTemplateMissing)

	bare := &datatypes.FoundationModel{HumanID: "bare"}
	_, err = BuildGenerateRequest(bare, []datatypes.ChatMessage{user("q")}, nil, "")
	assert.ErrorIs(t, err, ErrModelTemplateMissing)
}

func TestBuildGenerateRequest_NoUserMessages(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate})

	_, err := BuildGenerateRequest(model, []datatypes.ChatMessage{
		{Role: "system", Content: "sys"},
	}, nil, "")
	assert.Error(t, err)
}

func TestBuildGenerateRequest_StripsConsumedOptions(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate})

	req, err := BuildGenerateRequest(model, []datatypes.ChatMessage{user("q")},
		map[string]any{
			"system":      "s",
			"template":    "t",
			"context":     []any{1.0},
			"temperature": 0.2,
		}, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 0.2}, req.Options)
}

func TestBuildGenerateRequest_ModelConfigFoldsIntoPrompt(t *testing.T) {
	t.Parallel()
	model := modelWithParams(t, map[string]any{"template": markerTemplate})

	req, err := BuildGenerateRequest(model, []datatypes.ChatMessage{
		user("q1"),
		{Role: history.RoleModelConfig, Content: `{"model":"m"}`},
	}, nil, "")
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "P:q1\n[{\"model\":\"m\"}];")
}

func TestRewriteGenerateToChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := iterstream.FromSlice([]datatypes.StreamFrame{
		{"model": "m", "response": "hel", "done": false},
		{"model": "m", "response": "lo", "done": false},
		{"new_message_id": int64(1), "new_sequence_id": int64(2), "done": true},
	})

	frames, err := iterstream.Collect(ctx, RewriteGenerateToChat(src))
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, "hel", frames[0].MessageContent())
	assert.Equal(t, "assistant", frames[0].MessageRole())
	assert.NotContains(t, frames[0], datatypes.FrameKeyResponse)
	assert.Equal(t, "lo", frames[1].MessageContent())

	// Frames without a response fragment pass through untouched.
	assert.Equal(t, int64(1), frames[2][datatypes.FrameKeyNewMessageID])
	assert.NotContains(t, frames[2], datatypes.FrameKeyMessage)
}
