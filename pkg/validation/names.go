// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided names that end up in
// database queries, vector store collections, or upstream request bodies.
// Using these validators prevents injection attacks and path traversal.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modelNamePattern matches Ollama-style model references.
// Allows: letters, digits, dots, underscores, hyphens, plus the namespace
// slash (library/llama3) and tag colon (llama3:8b-instruct).
// Max length: 128 characters.
var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-/:]{0,127}$`)

// collectionPattern matches vector store collection names.
// Allows: letters, digits, underscores, hyphens. Max length: 64.
var collectionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// ValidateModelName validates a model reference before it is used in an
// upstream request or a store lookup.
//
// Valid names:
//   - 1-128 characters
//   - letters, digits, dots, underscores, hyphens
//   - a namespace slash and a tag colon, Ollama style
//   - no leading separator, no parent-directory segments
//
// Example:
//
//	if err := validation.ValidateModelName(name); err != nil {
//	    return fmt.Errorf("invalid model name: %w", err)
//	}
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("model name %q contains a parent-directory segment", name)
	}
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("invalid model name %q (1-128 chars: letters, digits, '.', '_', '-', '/', ':')", name)
	}
	return nil
}

// ValidateCollectionName validates a knowledge store collection name.
// An empty name is valid and selects the default collection.
func ValidateCollectionName(name string) error {
	if name == "" {
		return nil
	}
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q (1-64 chars: letters, digits, '_', '-')", name)
	}
	return nil
}
