// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package iterstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

func TestFromSliceCollect(t *testing.T) {
	t.Parallel()

	got, err := Collect(context.Background(), FromSlice([]int{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestPrependAndConcat(t *testing.T) {
	t.Parallel()

	s := Prepend(0, FromSlice([]int{1, 2}))
	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	c := Concat(FromSlice([]int{1}), Empty[int](), FromSlice([]int{2, 3}))
	got, err = Collect(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

// =============================================================================
// BytesToFrames
// =============================================================================

func TestBytesToFrames_SplitAcrossChunks(t *testing.T) {
	t.Parallel()

	// One object split mid-key, one whole, two back-to-back in one chunk.
	chunks := [][]byte{
		[]byte(`{"respo`),
		[]byte(`nse":"hi","done":false}` + "\n"),
		[]byte(`{"response":" there","done":false}{"done":true}`),
	}
	frames, err := Collect(context.Background(), BytesToFrames(FromSlice(chunks)))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "hi", frames[0].ResponseText())
	assert.Equal(t, " there", frames[1].ResponseText())
	assert.True(t, frames[2].Done())
}

func TestBytesToFrames_TrailingGarbageFailsHard(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{[]byte(`{"done":true}`), []byte(`{"trunc`)}
	frames, err := Collect(context.Background(), BytesToFrames(FromSlice(chunks)))
	require.Error(t, err)
	// The complete frame was still delivered before the failure.
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Done())
}

func TestBytesToFrames_WhitespaceOnlyRemainderIsClean(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{[]byte(`{"done":true}` + "\n\n")}
	frames, err := Collect(context.Background(), BytesToFrames(FromSlice(chunks)))
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestBytesToFrames_NumbersSurviveAsJSONNumber(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{[]byte(`{"eval_duration":2000000000,"done":true}`)}
	frames, err := Collect(context.Background(), BytesToFrames(FromSlice(chunks)))
	require.NoError(t, err)
	n, ok := frames[0].Number(datatypes.FrameKeyEvalDur)
	require.True(t, ok)
	assert.Equal(t, int64(2_000_000_000), n)
}

// =============================================================================
// Consolidate
// =============================================================================

func TestConsolidateAndCall_ObservesSourceOrder(t *testing.T) {
	t.Parallel()

	var folded []int
	var doneAcc int
	s := ConsolidateAndCall(
		FromSlice([]int{1, 2, 3}),
		func(acc, e int) (int, error) {
			folded = append(folded, e)
			return acc + e, nil
		},
		0,
		func(ctx context.Context, acc int) error {
			doneAcc = acc
			return nil
		},
	)
	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, []int{1, 2, 3}, folded)
	assert.Equal(t, 6, doneAcc)
}

func TestConsolidateAndCall_CallbackErrorAfterAllElements(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := ConsolidateAndCall(
		FromSlice([]int{1, 2}),
		func(acc, e int) (int, error) { return acc + e, nil },
		0,
		func(ctx context.Context, acc int) error { return boom },
	)
	got, err := Collect(context.Background(), s)
	assert.ErrorIs(t, err, boom)
	// Every source element was yielded before the callback error surfaced.
	assert.Equal(t, []int{1, 2}, got)
}

func TestConsolidateAndYield_AppendsTerminalElements(t *testing.T) {
	t.Parallel()

	s := ConsolidateAndYield(
		FromSlice([]string{"a", "b"}),
		func(acc, e string) (string, error) { return acc + e, nil },
		"",
		func(ctx context.Context, acc string) (Stream[string], error) {
			return FromSlice([]string{"<" + acc + ">"}), nil
		},
	)
	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "<ab>"}, got)
}

func TestConsolidateAndYield_FoldErrorIsFatal(t *testing.T) {
	t.Parallel()

	bad := errors.New("model mismatch")
	s := ConsolidateAndYield(
		FromSlice([]string{"a", "b"}),
		func(acc, e string) (string, error) {
			if e == "b" {
				return "", bad
			}
			return acc + e, nil
		},
		"",
	)
	got, err := Collect(context.Background(), s)
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, []string{"a"}, got)
}

// =============================================================================
// TeeToLog
// =============================================================================

func TestTeeToLog_FlushesOnThresholdAndEnd(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	src := FromSlice([]string{"aaaa", "bbbb", "cc"})
	s := TeeToLog(src, func(v string) string { return v }, 8, &out)
	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa", "bbbb", "cc"}, got)
	// First flush at threshold, second at end of source.
	assert.Equal(t, "aaaabbbb\ncc\n", out.String())
}

// =============================================================================
// EmitKeepAlive
// =============================================================================

// stallStream yields its elements with a fixed delay before each.
type stallStream struct {
	delay time.Duration
	items []string
	i     int
}

func (s *stallStream) Next(ctx context.Context) (string, error) {
	if s.i >= len(s.items) {
		return "", io.EOF
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	v := s.items[s.i]
	s.i++
	return v, nil
}

func TestEmitKeepAlive_SentinelsDuringStall(t *testing.T) {
	t.Parallel()

	src := &stallStream{delay: 120 * time.Millisecond, items: []string{"real"}}
	s := EmitKeepAlive[string](src, 30*time.Millisecond, func() string { return "ka" })

	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	// The real element arrives last; at least two sentinels preceded it.
	assert.Equal(t, "real", got[len(got)-1])
	sentinels := 0
	for _, v := range got[:len(got)-1] {
		if v == "ka" {
			sentinels++
		}
	}
	assert.GreaterOrEqual(t, sentinels, 2)
}

func TestEmitKeepAlive_FastSourcePassesThrough(t *testing.T) {
	t.Parallel()

	s := EmitKeepAlive[string](FromSlice([]string{"a", "b"}), time.Second, func() string { return "ka" })
	got, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}
