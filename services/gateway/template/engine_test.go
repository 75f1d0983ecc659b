// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const llamaStyle = "{{ if .System }}<<SYS>>{{ .System }}<</SYS>>\n{{ end }}[INST] {{ .Prompt }} [/INST] {{ .Response }}"

func TestApply_FullSubstitution(t *testing.T) {
	t.Parallel()

	out, err := Apply(llamaStyle,
		Values{System: "be brief", Prompt: "hello", Response: "hi"},
		Options{})
	require.NoError(t, err)
	assert.Equal(t, "<<SYS>>be brief<</SYS>>\n[INST] hello [/INST] hi", out)
}

func TestApply_EmptySystemSuppressesBlock(t *testing.T) {
	t.Parallel()

	out, err := Apply(llamaStyle, Values{Prompt: "hello"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "[INST] hello [/INST] ", out)
}

func TestApply_AbsentValuesSubstituteEmpty(t *testing.T) {
	t.Parallel()

	out, err := Apply("{{ .Prompt }}|{{ .Response }}", Values{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "|", out)
}

func TestApply_TrimDashesTolerated(t *testing.T) {
	t.Parallel()

	out, err := Apply("{{- if .Prompt -}}P:{{- .Prompt -}}{{- end -}}",
		Values{Prompt: "x"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "P:x", out)
}

func TestApply_BreakEarlyOnResponse(t *testing.T) {
	t.Parallel()

	out, err := Apply(llamaStyle,
		Values{Prompt: "hello", Response: "never emitted"},
		Options{BreakEarlyOnResponse: true, ResponseSeed: "Sure,"})
	require.NoError(t, err)
	assert.Equal(t, "[INST] hello [/INST] Sure,", out)
}

func TestApply_MalformedConditional(t *testing.T) {
	t.Parallel()

	_, err := Apply("{{ if .System }}no end", Values{System: "x"}, Options{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestApply_OrphanEndPassesThrough(t *testing.T) {
	t.Parallel()

	out, err := Apply("a{{ end }}b", Values{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "a{{ end }}b", out)
}

func TestApply_UnknownTokensVerbatim(t *testing.T) {
	t.Parallel()

	out, err := Apply("{{ .Magic }}{{ range .X }}", Values{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "{{ .Magic }}{{ range .X }}", out)
}

// Nested blocks are resolved leftmost-first with a non-greedy body; the
// inner conditional is not interpreted as nesting. This test pins the
// behavior so nobody accidentally "improves" it.
func TestApply_NestedIfIsNotNesting(t *testing.T) {
	t.Parallel()

	tmpl := "{{ if .System }}A{{ if .Prompt }}B{{ end }}C{{ end }}"
	// Pass 1: span from first if to NEAREST end -> body "A{{ if .Prompt }}B".
	// Pass 2: the re-exposed inner if matches against the trailing end.
	out, err := Apply(tmpl, Values{System: "s", Prompt: "p"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)

	// With an empty Prompt the inner body is dropped on the second pass.
	out, err = Apply(tmpl, Values{System: "s"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "A", out)
}

// Applying a template twice with the same inputs is stable when the first
// pass's output is fed back as the prompt of a variable-only template.
func TestApply_IdempotentOnPlainPromptTemplate(t *testing.T) {
	t.Parallel()

	tmpl := "{{ .Prompt }}"
	first, err := Apply(tmpl, Values{Prompt: "hello"}, Options{})
	require.NoError(t, err)
	second, err := Apply(tmpl, Values{Prompt: first}, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
