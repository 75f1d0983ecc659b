// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Messages
// =============================================================================

func TestInsertMessage_DeduplicatesOnIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id1, created, err := s.InsertMessage(ctx, "user", "hello", nil)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := s.InsertMessage(ctx, "user", "hello", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	// Different created_at is a different identity.
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id3, created, err := s.InsertMessage(ctx, "user", "hello", &ts)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id1, id3)

	// And the timestamped identity also deduplicates.
	id4, created, err := s.InsertMessage(ctx, "user", "hello", &ts)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id3, id4)
}

func TestLookupMessage_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.LookupMessage(context.Background(), "user", "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Sequences
// =============================================================================

func TestEnsureChain_ReusesExistingPrefix(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m1, _, err := s.InsertMessage(ctx, "user", "one", nil)
	require.NoError(t, err)
	m2, _, err := s.InsertMessage(ctx, "assistant", "two", nil)
	require.NoError(t, err)
	m3, _, err := s.InsertMessage(ctx, "user", "three", nil)
	require.NoError(t, err)

	leafA, err := s.EnsureChain(ctx, []int64{m1, m2}, now)
	require.NoError(t, err)

	// Replaying the same list lands on the same leaf.
	leafB, err := s.EnsureChain(ctx, []int64{m1, m2}, now)
	require.NoError(t, err)
	assert.Equal(t, leafA, leafB)

	// Extending reuses the prefix and grows one node.
	leafC, err := s.EnsureChain(ctx, []int64{m1, m2, m3}, now)
	require.NoError(t, err)
	assert.NotEqual(t, leafA, leafC)

	chain, err := s.SequenceParents(ctx, leafC)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, leafA, *chain[0].ParentSequence)
	assert.Equal(t, m3, chain[0].CurrentMessage)
	assert.Equal(t, m1, chain[2].CurrentMessage)
	assert.Nil(t, chain[2].ParentSequence)
}

func TestSequenceParents_DetectsCycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m, _, err := s.InsertMessage(ctx, "user", "loop", nil)
	require.NoError(t, err)
	leaf, err := s.EnsureChain(ctx, []int64{m}, time.Now())
	require.NoError(t, err)

	// Corrupt the row into a self-cycle.
	_, err = s.db.Exec(`UPDATE chat_sequences SET parent_sequence = ? WHERE id = ?`, leaf, leaf)
	require.NoError(t, err)

	_, err = s.SequenceParents(ctx, leaf)
	assert.ErrorContains(t, err, "cycle")
}

func TestCreateSequence_PinMovesOffParent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m1, _, err := s.InsertMessage(ctx, "user", "a", nil)
	require.NoError(t, err)
	parentID, err := s.CreateSequence(ctx, datatypes.ChatSequence{
		CurrentMessage: m1, GeneratedAt: now, GenerationComplete: true, UserPinned: true,
	})
	require.NoError(t, err)

	m2, _, err := s.InsertMessage(ctx, "assistant", "b", nil)
	require.NoError(t, err)
	childID, err := s.CreateSequence(ctx, datatypes.ChatSequence{
		CurrentMessage: m2, ParentSequence: &parentID,
		GeneratedAt: now, GenerationComplete: true, UserPinned: true,
	})
	require.NoError(t, err)

	parent, err := s.GetSequence(ctx, parentID)
	require.NoError(t, err)
	child, err := s.GetSequence(ctx, childID)
	require.NoError(t, err)
	assert.False(t, parent.UserPinned)
	assert.True(t, child.UserPinned)
}

func TestRecentSequenceIDs_LeavesOnly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m1, _, err := s.InsertMessage(ctx, "user", "a", nil)
	require.NoError(t, err)
	m2, _, err := s.InsertMessage(ctx, "assistant", "b", nil)
	require.NoError(t, err)
	leaf, err := s.EnsureChain(ctx, []int64{m1, m2}, now)
	require.NoError(t, err)

	ids, err := s.RecentSequenceIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{leaf}, ids)
}

// =============================================================================
// Foundation models
// =============================================================================

func testModel(params *string) *datatypes.FoundationModel {
	seen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	return &datatypes.FoundationModel{
		HumanID:                     "llama3:8b",
		FirstSeenAt:                 &seen,
		LastSeen:                    &seen,
		ProviderIdentifiers:         `{"kind":"ollama","url":"http://localhost:11434"}`,
		ModelIdentifiers:            strPtr(`{"digest":"abc123"}`),
		CombinedInferenceParameters: params,
	}
}

func TestUpsertFoundationModel_ExactMatchWidensWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertFoundationModel(ctx, testModel(strPtr(`{"template":"{{ .Prompt }}"}`)))
	require.NoError(t, err)

	later := testModel(strPtr(`{"template":"{{ .Prompt }}"}`))
	newer := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	later.LastSeen = &newer

	second, err := s.UpsertFoundationModel(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.FirstSeenAt.UTC(), second.FirstSeenAt.UTC())
	assert.Equal(t, newer, second.LastSeen.UTC())
}

func TestUpsertFoundationModel_TagsOnlyRowIsUpgraded(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	bare, err := s.UpsertFoundationModel(ctx, testModel(nil))
	require.NoError(t, err)
	require.Nil(t, bare.CombinedInferenceParameters)

	detailed, err := s.UpsertFoundationModel(ctx, testModel(strPtr(`{"num_ctx":4096}`)))
	require.NoError(t, err)
	assert.Equal(t, bare.ID, detailed.ID)
	require.NotNil(t, detailed.CombinedInferenceParameters)
	assert.Equal(t, `{"num_ctx":4096}`, *detailed.CombinedInferenceParameters)
}

func TestUpsertFoundationModel_ParameterDriftIsNewIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertFoundationModel(ctx, testModel(strPtr(`{"num_ctx":2048}`)))
	require.NoError(t, err)
	b, err := s.UpsertFoundationModel(ctx, testModel(strPtr(`{"num_ctx":8192}`)))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// The old identity keeps its parameters untouched.
	aAgain, err := s.GetFoundationModel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"num_ctx":2048}`, *aAgain.CombinedInferenceParameters)
}

// =============================================================================
// Inference events
// =============================================================================

func setupTurn(t *testing.T, s *Store) (parentSeq, eventID int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	m, _, err := s.InsertMessage(ctx, "user", "question", nil)
	require.NoError(t, err)
	// Parents from the capture path are unpinned; the commit must not
	// depend on the parent's pin state.
	parentSeq, err = s.CreateSequence(ctx, datatypes.ChatSequence{
		CurrentMessage: m, GeneratedAt: now, GenerationComplete: true,
	})
	require.NoError(t, err)

	fm, err := s.UpsertFoundationModel(ctx, testModel(strPtr(`{}`)))
	require.NoError(t, err)
	eventID, err = s.CreateInferenceEvent(ctx, &datatypes.InferenceEvent{
		ModelRecordID:        fm.ID,
		PromptWithTemplating: strPtr("[INST] question [/INST]"),
		Reason:               datatypes.ReasonChat,
	})
	require.NoError(t, err)
	return parentSeq, eventID
}

func TestInferenceEvent_BornPendingThenFinalized(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, eventID := setupTurn(t, s)
	ev, err := s.GetInferenceEvent(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, ev.ResponseError)
	assert.Equal(t, datatypes.InferenceEventPendingError, *ev.ResponseError)

	tokens := int64(42)
	require.NoError(t, s.FinalizeInferenceEvent(ctx, eventID, EventStats{
		ResponseTokens: &tokens,
		ResponseInfo:   strPtr(`{"done_reason":"stop"}`),
	}))

	ev, err = s.GetInferenceEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Nil(t, ev.ResponseError)
	assert.Equal(t, tokens, *ev.ResponseTokens)
	assert.Equal(t, `{"done_reason":"stop"}`, *ev.ResponseInfo)
}

func TestCommitAssistantTurn_MutualReferenceAndPin(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	parentSeq, eventID := setupTurn(t, s)
	require.NoError(t, s.FinalizeInferenceEvent(ctx, eventID, EventStats{}))

	msgID, seqID, err := s.CommitAssistantTurn(ctx, AssistantTurn{
		EventID:        eventID,
		ParentSequence: parentSeq,
		Content:        "the answer",
		GeneratedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	seq, err := s.GetSequence(ctx, seqID)
	require.NoError(t, err)
	assert.Equal(t, msgID, seq.CurrentMessage)
	assert.Equal(t, parentSeq, *seq.ParentSequence)
	assert.Equal(t, eventID, *seq.InferenceJobID)
	assert.True(t, seq.GenerationComplete)
	assert.True(t, seq.UserPinned, "committed leaf must be pinned even from an unpinned parent")

	parent, err := s.GetSequence(ctx, parentSeq)
	require.NoError(t, err)
	assert.False(t, parent.UserPinned)

	ev, err := s.GetInferenceEvent(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, ev.ParentSequence)
	assert.Equal(t, seqID, *ev.ParentSequence)
}

func TestCommitAssistantTurn_EnsureChainLeafEndsUpPinned(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m, _, err := s.InsertMessage(ctx, "user", "hello", nil)
	require.NoError(t, err)
	parentSeq, err := s.EnsureChain(ctx, []int64{m}, now)
	require.NoError(t, err)

	fm, err := s.UpsertFoundationModel(ctx, testModel(strPtr(`{}`)))
	require.NoError(t, err)
	eventID, err := s.CreateInferenceEvent(ctx, &datatypes.InferenceEvent{
		ModelRecordID: fm.ID, Reason: datatypes.ReasonChat,
	})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeInferenceEvent(ctx, eventID, EventStats{}))

	_, seqID, err := s.CommitAssistantTurn(ctx, AssistantTurn{
		EventID:        eventID,
		ParentSequence: parentSeq,
		Content:        "hi there",
		GeneratedAt:    now,
	})
	require.NoError(t, err)

	child, err := s.GetSequence(ctx, seqID)
	require.NoError(t, err)
	assert.True(t, child.UserPinned)

	// The pin is unique on the chain and sits on the newest leaf.
	var pinned int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM chat_sequences WHERE user_pinned = 1`).Scan(&pinned))
	assert.Equal(t, 1, pinned)
}

func TestCommitAssistantTurn_FaultLeavesNoOrphanSequence(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	parentSeq, eventID := setupTurn(t, s)
	tokens := int64(7)
	require.NoError(t, s.FinalizeInferenceEvent(ctx, eventID, EventStats{
		ResponseTokens: &tokens,
		ResponseInfo:   strPtr(`{"done_reason":"stop"}`),
	}))

	boom := errors.New("disk full")
	s.SetTurnCommitHook(func() error { return boom })
	_, _, err := s.CommitAssistantTurn(ctx, AssistantTurn{
		EventID:        eventID,
		ParentSequence: parentSeq,
		Content:        "lost reply",
		GeneratedAt:    time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, IsCommitError(err))
	assert.ErrorIs(t, err, boom)

	// The finalised event survives with its stats and no error marker.
	ev, gErr := s.GetInferenceEvent(ctx, eventID)
	require.NoError(t, gErr)
	assert.Nil(t, ev.ResponseError)
	assert.NotNil(t, ev.ResponseInfo)
	assert.Nil(t, ev.ParentSequence)

	// No sequence was attached under the parent.
	ids, gErr := s.RecentSequenceIDs(ctx, 10)
	require.NoError(t, gErr)
	assert.Equal(t, []int64{parentSeq}, ids)
}

func TestMessagesForSequence_ModelInfoDiffs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	parentSeq, eventID := setupTurn(t, s)
	require.NoError(t, s.FinalizeInferenceEvent(ctx, eventID, EventStats{}))
	_, leaf, err := s.CommitAssistantTurn(ctx, AssistantTurn{
		EventID:        eventID,
		ParentSequence: parentSeq,
		Content:        "reply",
		GeneratedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	plain, err := s.MessagesForSequence(ctx, leaf, false)
	require.NoError(t, err)
	require.Len(t, plain, 2)
	assert.Equal(t, "question", plain[0].Content)
	assert.Equal(t, "reply", plain[1].Content)

	withDiffs, err := s.MessagesForSequence(ctx, leaf, true)
	require.NoError(t, err)
	require.Len(t, withDiffs, 3)
	assert.Equal(t, RoleModelConfig, withDiffs[1].Role)
	assert.Contains(t, withDiffs[1].Content, "llama3:8b")
	assert.Equal(t, "reply", withDiffs[2].Content)
}
