// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "sync"

// StatusHolder is a per-request stack of human-readable phase strings.
//
// # Description
//
// Pipeline stages push a status when they start a phase and pop it when
// they finish; Set replaces the top for high-frequency updates (token
// counters). Keep-alive frames read Get. Last-writer-wins is acceptable;
// the value exists only for human visibility in stalled streams.
//
// # Thread Safety
//
// Safe for concurrent use.
type StatusHolder struct {
	mu    sync.Mutex
	stack []string
}

// NewStatusHolder starts with the given initial status.
func NewStatusHolder(initial string) *StatusHolder {
	return &StatusHolder{stack: []string{initial}}
}

// Push adds a new status on top.
func (s *StatusHolder) Push(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, status)
}

// Pop removes the top status. The bottom entry never pops.
func (s *StatusHolder) Pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) > 1 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

// Set replaces the top status.
func (s *StatusHolder) Set(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		s.stack = []string{status}
		return
	}
	s.stack[len(s.stack)-1] = status
}

// Get returns the current (top) status.
func (s *StatusHolder) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return ""
	}
	return s.stack[len(s.stack)-1]
}
