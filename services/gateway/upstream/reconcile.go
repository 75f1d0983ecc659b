// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// ModelCandidate builds the FoundationModel observation for one listed
// model, ready for store reconciliation.
//
// # Description
//
// Model identity from /api/tags (digest, size, details) goes into
// ModelIdentifiers. When a /api/show reply is supplied, its template,
// system prompt, and parsed parameter block become
// CombinedInferenceParameters; without it the field stays nil and the
// record is a tags-only observation the store can upgrade later.
// All JSON is canonicalised so byte-equality works as identity.
func ModelCandidate(providerIdentifiers string, tm *datatypes.TagsModel, show *datatypes.ShowResponse, seenAt time.Time) (*datatypes.FoundationModel, error) {
	idents := map[string]any{
		"digest":      tm.Digest,
		"size":        tm.Size,
		"modified_at": tm.ModifiedAt.UTC().Format(time.RFC3339),
	}
	if len(tm.Details) > 0 {
		var details any
		if err := json.Unmarshal(tm.Details, &details); err == nil {
			idents["details"] = details
		}
	}
	identJSON, err := datatypes.CanonicalizeMap(idents)
	if err != nil {
		return nil, fmt.Errorf("model identifiers for %s: %w", tm.Name, err)
	}

	fm := &datatypes.FoundationModel{
		HumanID:             tm.Name,
		FirstSeenAt:         &seenAt,
		LastSeen:            &seenAt,
		ProviderIdentifiers: providerIdentifiers,
		ModelIdentifiers:    &identJSON,
	}

	if show != nil {
		params := map[string]any{
			"template": show.Template,
			"system":   show.System,
		}
		if parsed := ParseParameterBlock(show.Parameters); len(parsed) > 0 {
			params["parameters"] = parsed
		}
		if len(show.ModelInfo) > 0 {
			var info any
			if err := json.Unmarshal(show.ModelInfo, &info); err == nil {
				params["model_info"] = info
			}
		}
		paramJSON, err := datatypes.CanonicalizeMap(params)
		if err != nil {
			return nil, fmt.Errorf("inference parameters for %s: %w", tm.Name, err)
		}
		fm.CombinedInferenceParameters = &paramJSON
	}
	return fm, nil
}

// ParseParameterBlock parses Ollama's plain-text parameter listing.
//
// # Description
//
// Each line is `key<whitespace>value`; quoted values are unquoted and
// repeated keys (stop tokens) accumulate into an array. Malformed lines
// are skipped rather than failing the whole reconciliation.
func ParseParameterBlock(text string) map[string]any {
	out := make(map[string]any)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := fields[0]
		value := strings.TrimSpace(line[len(key):])
		if unq, err := unquote(value); err == nil {
			value = unq
		}
		switch prev := out[key].(type) {
		case nil:
			out[key] = value
		case string:
			out[key] = []any{prev, value}
		case []any:
			out[key] = append(prev, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unquote(s string) (string, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var out string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return "", err
		}
		return out, nil
	}
	return s, nil
}
