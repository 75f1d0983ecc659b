// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides the SQL-backed store of chat messages, branching
// sequences, foundation models, providers, and inference events.
//
// # Description
//
// One SQLite file (requests-history.db) holds the five tables. Concurrency
// is handled by database-level locking; WAL journal mode keeps readers off
// the writer's back. The pipeline passes ids across suspension points and
// re-fetches rows at commit time, so the store API is id-oriented.
//
// # Thread Safety
//
// Store is safe for concurrent use; *sql.DB pools connections internally.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the history database file under --data-dir.
const DBFileName = "requests-history.db"

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("history: not found")

// CommitError wraps a failed write so callers can distinguish store
// failures from upstream failures when deciding what to stream to the
// client.
type CommitError struct {
	Op  string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("history commit failed during %s: %v", e.Op, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// IsCommitError reports whether err is a store commit failure.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}

// =============================================================================
// Schema
// =============================================================================

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP
)`

const createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_identity
    ON chat_messages(role, content, created_at)`

const createSequencesSQL = `
CREATE TABLE IF NOT EXISTS chat_sequences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    human_desc TEXT,
    user_pinned BOOLEAN NOT NULL DEFAULT 0,
    current_message INTEGER NOT NULL REFERENCES chat_messages(id),
    parent_sequence INTEGER REFERENCES chat_sequences(id),
    generated_at TIMESTAMP NOT NULL,
    generation_complete BOOLEAN NOT NULL DEFAULT 0,
    inference_job_id INTEGER,
    inference_error TEXT
)`

const createFoundationModelsSQL = `
CREATE TABLE IF NOT EXISTS foundation_models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    human_id TEXT NOT NULL,
    first_seen_at TIMESTAMP,
    last_seen TIMESTAMP,
    provider_identifiers TEXT NOT NULL,
    model_identifiers TEXT,
    combined_inference_parameters TEXT
)`

const createFoundationModelsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_models_identity
    ON foundation_models(human_id, provider_identifiers)`

const createProvidersSQL = `
CREATE TABLE IF NOT EXISTS providers (
    identifiers TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    machine_info TEXT,
    human_info TEXT
)`

const createInferenceEventsSQL = `
CREATE TABLE IF NOT EXISTS inference_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_record_id INTEGER NOT NULL REFERENCES foundation_models(id),
    prompt_with_templating TEXT,
    prompt_tokens INTEGER,
    prompt_eval_time REAL,
    response_created_at TIMESTAMP,
    response_tokens INTEGER,
    response_eval_time REAL,
    response_error TEXT,
    response_info TEXT,
    parent_sequence INTEGER REFERENCES chat_sequences(id),
    reason TEXT NOT NULL
)`

var schemaStatements = []string{
	createMessagesSQL,
	createMessagesIndexSQL,
	createSequencesSQL,
	createFoundationModelsSQL,
	createFoundationModelsIndexSQL,
	createProvidersSQL,
	createInferenceEventsSQL,
}

// =============================================================================
// Store
// =============================================================================

// Store is the durable chat history.
type Store struct {
	db *sql.DB
	// turnHook is a test-only fault injection point; see SetTurnCommitHook.
	turnHook func() error
}

// Open opens (or creates) the history database under dataDir.
//
// # Description
//
// Enables WAL journal mode and a 10 s busy timeout, then creates any
// missing tables. A WAL failure is downgraded to a warning; the store
// still works, just with coarser locking.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, DBFileName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent request handlers.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("Failed to enable WAL mode on history db", "error", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
		slog.Warn("Failed to set busy_timeout on history db", "error", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create history schema: %w", err)
		}
	}
	slog.Info("History store ready", "path", path)
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store. Test use only.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &CommitError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Rollback failed", "op", op, "error", rbErr)
		}
		return &CommitError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &CommitError{Op: op, Err: err}
	}
	return nil
}
