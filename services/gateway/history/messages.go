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

// LookupMessage finds a message by its full identity tuple.
//
// # Description
//
// Identity is (role, content, created_at) with NULL created_at matching
// NULL. Messages are deduplicated on this tuple, so two requests replaying
// the same conversation share rows.
//
// # Outputs
//
//   - int64: message id
//   - error: ErrNotFound when no row matches
func (s *Store) LookupMessage(ctx context.Context, role, content string, createdAt *time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM chat_messages WHERE role = ? AND content = ? AND created_at IS ? LIMIT 1`,
		role, content, nullTime(createdAt)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup message: %w", err)
	}
	return id, nil
}

// InsertMessage returns the id of an existing identical message or inserts
// a new row. justCreated distinguishes the two for idempotent HTTP replies.
func (s *Store) InsertMessage(ctx context.Context, role, content string, createdAt *time.Time) (id int64, justCreated bool, err error) {
	id, err = s.LookupMessage(ctx, role, content, createdAt)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (role, content, created_at) VALUES (?, ?, ?)`,
		role, content, nullTime(createdAt))
	if err != nil {
		return 0, false, &CommitError{Op: "insert message", Err: err}
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, &CommitError{Op: "insert message", Err: err}
	}
	return id, true, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*datatypes.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, role, content, created_at FROM chat_messages WHERE id = ?`, id)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*datatypes.ChatMessage, error) {
	var m datatypes.ChatMessage
	var created sql.NullTime
	err := row.Scan(&m.ID, &m.Role, &m.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if created.Valid {
		t := created.Time
		m.CreatedAt = &t
	}
	return &m, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
