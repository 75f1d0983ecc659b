// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// CreateInferenceEvent records an upstream call before it happens.
//
// # Description
//
// The row is born with response_error set to the pending sentinel
// (datatypes.InferenceEventPendingError); finalisation clears it. A crash
// between creation and finalisation therefore leaves an unambiguous
// "request sent, outcome unknown" marker in the audit trail.
func (s *Store) CreateInferenceEvent(ctx context.Context, ev *datatypes.InferenceEvent) (int64, error) {
	respErr := ev.ResponseError
	if respErr == nil {
		pending := datatypes.InferenceEventPendingError
		respErr = &pending
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO inference_events
    (model_record_id, prompt_with_templating, prompt_tokens, prompt_eval_time,
     response_created_at, response_tokens, response_eval_time,
     response_error, response_info, parent_sequence, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ModelRecordID, nullString(ev.PromptWithTemplating),
		nullInt(ev.PromptTokens), nullFloat(ev.PromptEvalTime),
		nullTime(ev.ResponseCreatedAt), nullInt(ev.ResponseTokens),
		nullFloat(ev.ResponseEvalTime), nullString(respErr),
		nullString(ev.ResponseInfo), nullInt(ev.ParentSequence), string(ev.Reason))
	if err != nil {
		return 0, &CommitError{Op: "create inference event", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &CommitError{Op: "create inference event", Err: err}
	}
	return id, nil
}

// SetInferenceEventPrompt patches prompt_with_templating onto a pending
// event before the upstream call, so even a crash mid-stream leaves a
// reproducible prompt.
func (s *Store) SetInferenceEventPrompt(ctx context.Context, id int64, prompt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inference_events SET prompt_with_templating = ? WHERE id = ?`, prompt, id)
	if err != nil {
		return &CommitError{Op: "set event prompt", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventStats are the terminal observations of one upstream call.
type EventStats struct {
	ResponseCreatedAt *time.Time
	PromptTokens      *int64
	PromptEvalTime    *float64
	ResponseTokens    *int64
	ResponseEvalTime  *float64
	// ResponseInfo is the canonical JSON of the consolidated terminal
	// frame, minus the response text itself.
	ResponseInfo *string
}

// FinalizeInferenceEvent fills the stats of a completed call and clears
// the pending-error sentinel. This commits independently of the assistant
// turn: a crash between the two leaves a finalised event with a null
// parent_sequence, which is the detectable partial state.
func (s *Store) FinalizeInferenceEvent(ctx context.Context, id int64, st EventStats) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE inference_events
SET response_created_at = ?, prompt_tokens = ?, prompt_eval_time = ?,
    response_tokens = ?, response_eval_time = ?, response_info = ?,
    response_error = NULL
WHERE id = ?`,
		nullTime(st.ResponseCreatedAt), nullInt(st.PromptTokens),
		nullFloat(st.PromptEvalTime), nullInt(st.ResponseTokens),
		nullFloat(st.ResponseEvalTime), nullString(st.ResponseInfo), id)
	if err != nil {
		return &CommitError{Op: "finalize inference event", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPartialStats stores whatever observations a broken stream managed
// to produce, leaving response_error untouched so the pending sentinel
// (or the failure MarkInferenceError writes next) stays alongside them.
func (s *Store) RecordPartialStats(ctx context.Context, id int64, st EventStats) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE inference_events
SET response_created_at = ?, prompt_tokens = ?, prompt_eval_time = ?,
    response_tokens = ?, response_eval_time = ?, response_info = ?
WHERE id = ?`,
		nullTime(st.ResponseCreatedAt), nullInt(st.PromptTokens),
		nullFloat(st.PromptEvalTime), nullInt(st.ResponseTokens),
		nullFloat(st.ResponseEvalTime), nullString(st.ResponseInfo), id)
	if err != nil {
		return &CommitError{Op: "record partial stats", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInferenceError replaces the pending sentinel with a real failure.
func (s *Store) MarkInferenceError(ctx context.Context, id int64, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inference_events SET response_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return &CommitError{Op: "mark inference error", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetInferenceEvent fetches one event by id.
func (s *Store) GetInferenceEvent(ctx context.Context, id int64) (*datatypes.InferenceEvent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, model_record_id, prompt_with_templating, prompt_tokens,
       prompt_eval_time, response_created_at, response_tokens,
       response_eval_time, response_error, response_info, parent_sequence, reason
FROM inference_events WHERE id = ?`, id)

	var ev datatypes.InferenceEvent
	var prompt, respErr, respInfo sql.NullString
	var pTok, rTok, parent sql.NullInt64
	var pEval, rEval sql.NullFloat64
	var created sql.NullTime
	var reason string
	err := row.Scan(&ev.ID, &ev.ModelRecordID, &prompt, &pTok, &pEval,
		&created, &rTok, &rEval, &respErr, &respInfo, &parent, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan inference event: %w", err)
	}
	ev.Reason = datatypes.Reason(reason)
	if prompt.Valid {
		ev.PromptWithTemplating = &prompt.String
	}
	if pTok.Valid {
		ev.PromptTokens = &pTok.Int64
	}
	if pEval.Valid {
		ev.PromptEvalTime = &pEval.Float64
	}
	if created.Valid {
		t := created.Time
		ev.ResponseCreatedAt = &t
	}
	if rTok.Valid {
		ev.ResponseTokens = &rTok.Int64
	}
	if rEval.Valid {
		ev.ResponseEvalTime = &rEval.Float64
	}
	if respErr.Valid {
		ev.ResponseError = &respErr.String
	}
	if respInfo.Valid {
		ev.ResponseInfo = &respInfo.String
	}
	if parent.Valid {
		ev.ParentSequence = &parent.Int64
	}
	return &ev, nil
}

// AssistantTurn is the input to CommitAssistantTurn.
type AssistantTurn struct {
	EventID        int64
	ParentSequence int64
	Content        string
	// CreatedAt is the model-reported creation time of the reply.
	CreatedAt   *time.Time
	GeneratedAt time.Time
}

// SetTurnCommitHook installs a fault-injection point that runs inside the
// CommitAssistantTurn transaction, after the message insert and before the
// sequence insert. Test instrumentation only.
func (s *Store) SetTurnCommitHook(fn func() error) {
	s.turnHook = fn
}

// CommitAssistantTurn durably attaches a finished assistant reply to the
// chain.
//
// # Description
//
// One transaction performs the whole attach: insert (or reuse) the
// assistant message, insert the child sequence referencing the inference
// event, pin the child while clearing the parent's pin, and patch the
// event's parent_sequence back to the new child. The sequence/event
// mutual reference is therefore never observable half-set, and the
// newest committed leaf is always the pinned one.
//
// # Outputs
//
//   - messageID, sequenceID: the committed assistant message and new leaf
func (s *Store) CommitAssistantTurn(ctx context.Context, turn AssistantTurn) (messageID, sequenceID int64, err error) {
	err = s.withTx(ctx, "commit assistant turn", func(tx *sql.Tx) error {
		var msgID int64
		lookupErr := tx.QueryRowContext(ctx,
			`SELECT id FROM chat_messages WHERE role = ? AND content = ? AND created_at IS ? LIMIT 1`,
			"assistant", turn.Content, nullTime(turn.CreatedAt)).Scan(&msgID)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO chat_messages (role, content, created_at) VALUES (?, ?, ?)`,
				"assistant", turn.Content, nullTime(turn.CreatedAt))
			if err != nil {
				return err
			}
			if msgID, err = res.LastInsertId(); err != nil {
				return err
			}
		} else if lookupErr != nil {
			return lookupErr
		}

		if s.turnHook != nil {
			if err := s.turnHook(); err != nil {
				return err
			}
		}

		var parentID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM chat_sequences WHERE id = ?`,
			turn.ParentSequence).Scan(&parentID); err != nil {
			return fmt.Errorf("parent sequence %d: %w", turn.ParentSequence, err)
		}

		eventID := turn.EventID
		seqID, err := insertSequenceTx(ctx, tx, datatypes.ChatSequence{
			UserPinned:         true,
			CurrentMessage:     msgID,
			ParentSequence:     &turn.ParentSequence,
			GeneratedAt:        turn.GeneratedAt,
			GenerationComplete: true,
			InferenceJobID:     &eventID,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE inference_events SET parent_sequence = ? WHERE id = ?`,
			seqID, eventID); err != nil {
			return err
		}

		messageID, sequenceID = msgID, seqID
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return messageID, sequenceID, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
