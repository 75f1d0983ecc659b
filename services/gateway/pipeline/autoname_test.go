// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

func TestCleanAutoname(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Sky color question", "Sky color question"},
		{"double quotes", `"Sky color question"`, "Sky color question"},
		{"single quotes", "'Sky color question'", "Sky color question"},
		{"smart quotes", "“Sky color question”", "Sky color question"},
		{"inner quotes kept", `say "hi" nicely`, `say "hi" nicely`},
		{"whitespace collapsed", "  one\n\ttwo   three ", "one two three"},
		{"empty", "   ", ""},
		{"lone quote", `"`, `"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CleanAutoname(tc.in))
		})
	}
}

func TestCleanAutoname_CapsOnRuneBoundary(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("héllo ", 100)
	got := CleanAutoname(long)
	assert.LessOrEqual(t, len(got), datatypes.MaxAutonameLength)
	assert.True(t, utf8.ValidString(got), "truncation must not split a rune")
}

func TestAutonameSequence_StoresTrimmedName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	script := []datatypes.StreamFrame{
		{"model": "tinyllama", "created_at": "2025-05-01T00:00:01Z",
			"response": `"Greeting Chat"` + "\n", "done": false},
		{"model": "tinyllama", "created_at": "2025-05-01T00:00:02Z",
			"done": true, "done_reason": "stop",
			"eval_count": json.Number("3"), "eval_duration": json.Number("1000000000")},
	}
	backend := &fakeBackend{script: script}
	p, store := newTestPipeline(t, backend)

	// Seed a one-message chain to name.
	id, _, err := store.InsertMessage(ctx, "user", "hello there", nil)
	require.NoError(t, err)
	leaf, err := store.EnsureChain(ctx, []int64{id}, time.Now().UTC())
	require.NoError(t, err)

	model, err := store.LatestModelForHumanID(ctx, "tinyllama")
	require.NoError(t, err)

	name, err := p.AutonameSequence(ctx, leaf, &model.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting Chat", name)

	seq, err := store.GetSequence(ctx, leaf)
	require.NoError(t, err)
	require.NotNil(t, seq.HumanDesc)
	assert.Equal(t, "Greeting Chat", *seq.HumanDesc)

	// The naming call is its own audited event, never a chat turn.
	require.NotNil(t, backend.lastGen)
	assert.Equal(t, autonameSystem, backend.lastGen.System)
	assert.Contains(t, backend.lastGen.Prompt, "user: hello there")
}

func TestStatusHolder(t *testing.T) {
	t.Parallel()
	s := NewStatusHolder("base")
	assert.Equal(t, "base", s.Get())

	s.Set("phase one")
	assert.Equal(t, "phase one", s.Get())

	s.Push("nested")
	assert.Equal(t, "nested", s.Get())
	s.Set("nested update")
	assert.Equal(t, "nested update", s.Get())

	s.Pop()
	assert.Equal(t, "phase one", s.Get())

	// The bottom entry never pops.
	s.Pop()
	s.Pop()
	assert.Equal(t, "phase one", s.Get())
}

func TestKeepAliveFrameShape(t *testing.T) {
	t.Parallel()
	f := datatypes.KeepAliveFrame("m", "retrieval")
	assert.False(t, f.Done())
	assert.Equal(t, "", f.MessageContent())
	assert.Equal(t, "retrieval", f[datatypes.FrameKeyStatus])

	bare := datatypes.KeepAliveFrame("m", "")
	assert.NotContains(t, bare, datatypes.FrameKeyStatus)
}
