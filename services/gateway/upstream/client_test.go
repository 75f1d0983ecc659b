// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

func TestGenerate_StreamsFrames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req datatypes.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"model":"llama3","response":"Hel","done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama3","response":"lo","done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama3","response":"","done":true,"eval_count":2}` + "\n"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	s, err := c.Generate(context.Background(), &datatypes.GenerateRequest{Model: "llama3", Prompt: "hi"})
	require.NoError(t, err)

	frames, err := iterstream.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "Hel", frames[0].ResponseText())
	assert.True(t, frames[2].Done())
	n, ok := frames[2].Number(datatypes.FrameKeyEvalN)
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
}

func TestGenerate_UpstreamErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Generate(context.Background(), &datatypes.GenerateRequest{Model: "missing"})
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
	assert.Equal(t, "model 'missing' not found", ue.Message)
}

func TestTagsAndShow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3:8b","digest":"abc","size":42,"modified_at":"2025-05-01T00:00:00Z"}]}`))
		case "/api/show":
			var req datatypes.ShowRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "llama3:8b", req.Model)
			w.Write([]byte(`{"template":"{{ .Prompt }}","system":"be nice","parameters":"stop \"</s>\"\nstop \"<eot>\"\nnum_ctx 4096"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	tags, err := c.Tags(context.Background())
	require.NoError(t, err)
	require.Len(t, tags.Models, 1)
	assert.Equal(t, "llama3:8b", tags.Models[0].Name)

	show, err := c.Show(context.Background(), "llama3:8b")
	require.NoError(t, err)
	assert.Equal(t, "{{ .Prompt }}", show.Template)
}

func TestModelCandidate_CanonicalAndParsed(t *testing.T) {
	t.Parallel()

	seen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	tm := &datatypes.TagsModel{
		Name:       "llama3:8b",
		Digest:     "abc",
		Size:       42,
		ModifiedAt: seen,
	}
	show := &datatypes.ShowResponse{
		Template:   "{{ .Prompt }}",
		System:     "be nice",
		Parameters: "stop \"</s>\"\nstop \"<eot>\"\nnum_ctx 4096",
	}

	fm, err := ModelCandidate(`{"kind":"ollama"}`, tm, show, seen)
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", fm.HumanID)
	require.NotNil(t, fm.ModelIdentifiers)
	// Canonical form sorts keys.
	assert.Equal(t,
		`{"digest":"abc","modified_at":"2025-05-01T00:00:00Z","size":42}`,
		*fm.ModelIdentifiers)

	require.NotNil(t, fm.CombinedInferenceParameters)
	assert.Equal(t, "{{ .Prompt }}", fm.Template())
	assert.Equal(t, "be nice", fm.SystemPrompt())

	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(*fm.CombinedInferenceParameters), &params))
	inner := params["parameters"].(map[string]any)
	assert.Equal(t, []any{"</s>", "<eot>"}, inner["stop"])
	assert.Equal(t, "4096", inner["num_ctx"])

	// Without a show reply the parameters stay unknown.
	bare, err := ModelCandidate(`{"kind":"ollama"}`, tm, nil, seen)
	require.NoError(t, err)
	assert.Nil(t, bare.CombinedInferenceParameters)
}

func TestParseParameterBlock_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	out := ParseParameterBlock("num_ctx 2048\njustakey\n\ntemperature 0.7")
	assert.Equal(t, map[string]any{"num_ctx": "2048", "temperature": "0.7"}, out)
}
