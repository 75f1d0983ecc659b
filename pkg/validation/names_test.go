// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateModelName(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		wantErr bool
	}{
		// Valid names
		{"simple", "llama3", false},
		{"with tag", "llama3:8b-instruct", false},
		{"with namespace", "library/llama3:latest", false},
		{"dots and underscores", "phi_3.5-mini", false},
		{"single char", "a", false},
		{"max length", "a" + strings.Repeat("b", 127), false},

		// Invalid names - injection attempts
		{"empty", "", true},
		{"path traversal", "../../etc/passwd", true},
		{"hidden traversal", "models/../../secret", true},
		{"leading slash", "/etc/passwd", true},
		{"leading colon", ":tag", true},
		{"newline injection", "llama3\ndrop", true},
		{"spaces", "llama 3", true},
		{"shell metachars", "llama3;rm -rf", true},
		{"too long", "a" + strings.Repeat("b", 128), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModelName(tt.model)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModelName(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		wantErr    bool
	}{
		{"empty selects default", "", false},
		{"simple", "knowledge", false},
		{"with separator chars", "team_docs-2025", false},
		{"max length", "a" + strings.Repeat("b", 63), false},

		{"path traversal", "../other", true},
		{"slash", "a/b", true},
		{"leading hyphen", "-docs", true},
		{"spaces", "team docs", true},
		{"too long", "a" + strings.Repeat("b", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.collection)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCollectionName(%q) error = %v, wantErr %v", tt.collection, err, tt.wantErr)
			}
		})
	}
}
