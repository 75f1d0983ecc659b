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

// RoleModelConfig is the role of synthetic rows describing a model change
// between turns. These rows exist only in MessagesForSequence output and
// are never stored.
const RoleModelConfig = "model config"

// maxChainDepth bounds the parent walk. A chain this deep is either
// corruption or a cycle introduced by hand-edited rows.
const maxChainDepth = 100_000

const selectSequenceSQL = `
SELECT id, human_desc, user_pinned, current_message, parent_sequence,
       generated_at, generation_complete, inference_job_id, inference_error
FROM chat_sequences WHERE id = ?`

// GetSequence fetches one sequence by id.
func (s *Store) GetSequence(ctx context.Context, id int64) (*datatypes.ChatSequence, error) {
	return scanSequence(s.db.QueryRowContext(ctx, selectSequenceSQL, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequence(row rowScanner) (*datatypes.ChatSequence, error) {
	var seq datatypes.ChatSequence
	var desc, infErr sql.NullString
	var parent, jobID sql.NullInt64
	err := row.Scan(&seq.ID, &desc, &seq.UserPinned, &seq.CurrentMessage, &parent,
		&seq.GeneratedAt, &seq.GenerationComplete, &jobID, &infErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sequence: %w", err)
	}
	if desc.Valid {
		seq.HumanDesc = &desc.String
	}
	if parent.Valid {
		seq.ParentSequence = &parent.Int64
	}
	if jobID.Valid {
		seq.InferenceJobID = &jobID.Int64
	}
	if infErr.Valid {
		seq.InferenceError = &infErr.String
	}
	return &seq, nil
}

// LookupSequence finds a sequence by its (current_message, parent_sequence)
// position in the graph, the identity the idempotent POST surface uses.
func (s *Store) LookupSequence(ctx context.Context, currentMessage int64, parentSequence *int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM chat_sequences
WHERE current_message = ? AND parent_sequence IS ?
ORDER BY id LIMIT 1`, currentMessage, nullInt(parentSequence)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup sequence: %w", err)
	}
	return id, nil
}

// CreateSequence inserts a sequence. When the new sequence is pinned and
// has a parent, the parent is unpinned in the same transaction so the pin
// travels down the branch atomically.
func (s *Store) CreateSequence(ctx context.Context, seq datatypes.ChatSequence) (int64, error) {
	var id int64
	err := s.withTx(ctx, "create sequence", func(tx *sql.Tx) error {
		var err error
		id, err = insertSequenceTx(ctx, tx, seq)
		return err
	})
	return id, err
}

func insertSequenceTx(ctx context.Context, tx *sql.Tx, seq datatypes.ChatSequence) (int64, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO chat_sequences
    (human_desc, user_pinned, current_message, parent_sequence,
     generated_at, generation_complete, inference_job_id, inference_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(seq.HumanDesc), seq.UserPinned, seq.CurrentMessage,
		nullInt(seq.ParentSequence), seq.GeneratedAt, seq.GenerationComplete,
		nullInt(seq.InferenceJobID), nullString(seq.InferenceError))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if seq.UserPinned && seq.ParentSequence != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_sequences SET user_pinned = 0 WHERE id = ?`,
			*seq.ParentSequence); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// SequenceParents walks the chain from leaf to root, leaf first.
//
// # Limitations
//
//   - The walk aborts with an error after maxChainDepth hops; a cycle in
//     parent_sequence would otherwise loop forever.
func (s *Store) SequenceParents(ctx context.Context, leaf int64) ([]datatypes.ChatSequence, error) {
	var chain []datatypes.ChatSequence
	seen := make(map[int64]bool)
	next := &leaf
	for next != nil {
		if seen[*next] || len(chain) >= maxChainDepth {
			return nil, fmt.Errorf("sequence chain cycle at id %d", *next)
		}
		seen[*next] = true
		seq, err := s.GetSequence(ctx, *next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *seq)
		next = seq.ParentSequence
	}
	return chain, nil
}

// MessagesForSequence resolves the chain ending at leaf into the ordered
// message list, root first.
//
// # Description
//
// With includeModelInfoDiffs set, a synthetic RoleModelConfig message is
// inserted before any assistant turn whose foundation model differs from
// the previous assistant turn's. The synthetic rows carry the canonical
// JSON of the model identity and are not persisted.
func (s *Store) MessagesForSequence(ctx context.Context, leaf int64, includeModelInfoDiffs bool) ([]datatypes.ChatMessage, error) {
	chain, err := s.SequenceParents(ctx, leaf)
	if err != nil {
		return nil, err
	}
	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var out []datatypes.ChatMessage
	var lastModelDesc string
	for _, seq := range chain {
		if includeModelInfoDiffs && seq.InferenceJobID != nil {
			desc, err := s.modelDescForEvent(ctx, *seq.InferenceJobID)
			if err == nil && desc != "" && desc != lastModelDesc {
				out = append(out, datatypes.ChatMessage{Role: RoleModelConfig, Content: desc})
				lastModelDesc = desc
			}
		}
		msg, err := s.GetMessage(ctx, seq.CurrentMessage)
		if err != nil {
			return nil, fmt.Errorf("sequence %d message: %w", seq.ID, err)
		}
		out = append(out, *msg)
	}
	return out, nil
}

// modelDescForEvent returns a canonical one-line description of the model
// that produced the given inference event.
func (s *Store) modelDescForEvent(ctx context.Context, eventID int64) (string, error) {
	var modelID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT model_record_id FROM inference_events WHERE id = ?`, eventID).Scan(&modelID)
	if err != nil {
		return "", err
	}
	fm, err := s.GetFoundationModel(ctx, modelID)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"model":     fm.HumanID,
		"providers": fm.ProviderIdentifiers,
	}
	if fm.CombinedInferenceParameters != nil {
		payload["parameters"] = *fm.CombinedInferenceParameters
	}
	return datatypes.CanonicalizeMap(payload)
}

// RecentSequenceIDs lists leaf-most sequence ids by recency.
//
// A sequence is a leaf when no other sequence names it as parent.
func (s *Store) RecentSequenceIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM chat_sequences s
WHERE NOT EXISTS (SELECT 1 FROM chat_sequences c WHERE c.parent_sequence = s.id)
ORDER BY generated_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sequences: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetHumanDesc records (or replaces) the human-readable chain name.
func (s *Store) SetHumanDesc(ctx context.Context, id int64, desc string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sequences SET human_desc = ? WHERE id = ?`, desc, id)
	if err != nil {
		return &CommitError{Op: "set human_desc", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserPinned flips the pin flag on one sequence.
func (s *Store) SetUserPinned(ctx context.Context, id int64, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sequences SET user_pinned = ? WHERE id = ?`, pinned, id)
	if err != nil {
		return &CommitError{Op: "set user_pinned", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureChain reuses or creates the sequence chain for an ordered message
// id list and returns the leaf sequence id.
//
// # Description
//
// Walks the ids in order, reusing any existing sequence whose
// (current_message, parent_sequence) pair matches the position; the first
// miss switches to creation mode for the remainder. Replaying the same
// conversation therefore lands on the same leaf.
func (s *Store) EnsureChain(ctx context.Context, messageIDs []int64, generatedAt time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, fmt.Errorf("ensure chain: empty message list")
	}
	var leaf int64
	err := s.withTx(ctx, "ensure chain", func(tx *sql.Tx) error {
		var parent *int64
		creating := false
		for _, msgID := range messageIDs {
			if !creating {
				var existing int64
				err := tx.QueryRowContext(ctx, `
SELECT id FROM chat_sequences
WHERE current_message = ? AND parent_sequence IS ?
ORDER BY id LIMIT 1`, msgID, nullInt(parent)).Scan(&existing)
				if err == nil {
					leaf = existing
					parent = &existing
					continue
				}
				if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				creating = true
			}
			id, err := insertSequenceTx(ctx, tx, datatypes.ChatSequence{
				CurrentMessage:     msgID,
				ParentSequence:     parent,
				GeneratedAt:        generatedAt,
				GenerationComplete: true,
			})
			if err != nil {
				return err
			}
			leaf = id
			parent = &id
		}
		return nil
	})
	return leaf, err
}
