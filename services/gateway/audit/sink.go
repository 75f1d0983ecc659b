// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists every HTTP exchange through the gateway to its own
// SQLite file, independent of the chat history store.
//
// # Description
//
// An Event row is opened when a request arrives, patched with the (scrubbed)
// request body once it has been read, grown incrementally as response bytes
// stream out, and closed with the final status. Response bytes commit on a
// byte cadence rather than per chunk so a token-at-a-time stream does not
// turn into thousands of UPDATE statements.
//
// Audit writes are best-effort: a failed commit is logged and retried once;
// a second failure drops further persistence for that event with a warning.
// The client-facing stream is never disturbed by audit failures.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the audit database file under --data-dir.
const DBFileName = "audit.db"

// CommitCadenceBytes is how many buffered response bytes trigger a commit.
const CommitCadenceBytes = 4096

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS http_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    query TEXT,
    client_addr TEXT,
    request_id TEXT,
    request_body TEXT,
    response_status INTEGER,
    response_body TEXT,
    completed_at TIMESTAMP
)`

// Sink owns the audit database.
type Sink struct {
	db *sql.DB
}

// Open opens (or creates) the audit database under dataDir.
func Open(dataDir string) (*Sink, error) {
	path := filepath.Join(dataDir, DBFileName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("Failed to enable WAL mode on audit db", "error", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
		slog.Warn("Failed to set busy_timeout on audit db", "error", err)
	}
	if _, err := db.ExecContext(ctx, createEventsSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	slog.Info("Audit sink ready", "path", path)
	return &Sink{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory sink. Test use only.
func OpenInMemory() (*Sink, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), createEventsSQL); err != nil {
		db.Close()
		return nil, err
	}
	return &Sink{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}

// EventMeta identifies one HTTP exchange. RequestID is the gateway-assigned
// correlation id, echoed to the client as X-Request-Id.
type EventMeta struct {
	Method     string
	Path       string
	Query      string
	ClientAddr string
	RequestID  string
}

// BeginEvent opens the audit row for one exchange.
func (s *Sink) BeginEvent(ctx context.Context, meta EventMeta) (*Event, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO http_events (started_at, method, path, query, client_addr, request_id)
VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), meta.Method, meta.Path, meta.Query, meta.ClientAddr, meta.RequestID)
	if err != nil {
		return nil, fmt.Errorf("begin audit event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("begin audit event: %w", err)
	}
	return &Event{sink: s, id: id}, nil
}

// Event is one in-flight audited exchange. Safe for concurrent use; the
// request body tee and the response writer may run on different goroutines.
type Event struct {
	sink *Sink
	id   int64

	mu       sync.Mutex
	respBody []byte // committed + buffered response bytes
	pending  int    // uncommitted tail length of respBody
	dropped  bool
}

// ID exposes the audit row id for log correlation.
func (e *Event) ID() int64 { return e.id }

// CommitRequest stores the scrubbed request body on the event row.
func (e *Event) CommitRequest(ctx context.Context, body []byte) {
	scrubbed := ScrubImages(body)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exec(ctx, "commit request body",
		`UPDATE http_events SET request_body = ? WHERE id = ?`, string(scrubbed), e.id)
}

// AppendResponseChunk buffers response bytes and commits them on cadence.
func (e *Event) AppendResponseChunk(ctx context.Context, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dropped {
		return
	}
	e.respBody = append(e.respBody, chunk...)
	e.pending += len(chunk)
	if e.pending >= CommitCadenceBytes {
		e.flushLocked(ctx)
	}
}

// CloseEvent flushes any buffered response bytes and stamps the final
// status and completion time.
func (e *Event) CloseEvent(ctx context.Context, status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending > 0 && !e.dropped {
		e.flushLocked(ctx)
	}
	e.exec(ctx, "close event",
		`UPDATE http_events SET response_status = ?, completed_at = ? WHERE id = ?`,
		status, time.Now().UTC(), e.id)
}

func (e *Event) flushLocked(ctx context.Context) {
	e.exec(ctx, "commit response bytes",
		`UPDATE http_events SET response_body = ? WHERE id = ?`, string(e.respBody), e.id)
	e.pending = 0
}

// exec runs one audit write with the retry-once-then-drop policy.
func (e *Event) exec(ctx context.Context, op string, query string, args ...any) {
	if e.dropped {
		return
	}
	_, err := e.sink.db.ExecContext(ctx, query, args...)
	if err == nil {
		return
	}
	slog.Warn("Audit write failed, retrying once", "op", op, "event_id", e.id, "error", err)
	if _, err = e.sink.db.ExecContext(ctx, query, args...); err == nil {
		return
	}
	e.dropped = true
	slog.Warn("Audit write failed twice, dropping persistence for this event",
		"op", op, "event_id", e.id, "error", err)
}
