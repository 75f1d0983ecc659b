// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package template substitutes Ollama-style model templates into raw prompts.
//
// # Description
//
// The recognised grammar is deliberately small: conditional blocks
// `{{ if .X }}...{{ end }}` and variable references `{{ .X }}` with
// X one of System, Prompt, Response. Whitespace-trim dashes
// (`{{- ... -}}`) are tolerated but carry no trimming semantics here.
//
// Substitution is leftmost-first with a non-greedy body: each pass replaces
// the entire span from the first `{{ if .X }}` to the NEAREST following
// `{{ end }}` with either its body or the empty string, and repeats until
// no conditional remains. Nested `{{ if }}` blocks are therefore not
// interpreted as nesting; some community model templates use them and will
// produce the same (odd) output the leftmost/non-greedy rule implies.
// Downstream model compatibility depends on these exact rules; do not
// "fix" them.
package template

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports a template the engine cannot process, typically a
// conditional with no closing `{{ end }}`. Callers fall back to forwarding
// the raw message list so the upstream applies its own default template.
var ErrMalformed = errors.New("template malformed")

// Values are the three substitutable variables.
type Values struct {
	System   string
	Prompt   string
	Response string
}

func (v Values) lookup(name string) (string, bool) {
	switch name {
	case "System":
		return v.System, true
	case "Prompt":
		return v.Prompt, true
	case "Response":
		return v.Response, true
	}
	return "", false
}

// Options control the substitution pass.
type Options struct {
	// BreakEarlyOnResponse halts processing at the first `{{ .Response }}`
	// reference and appends ResponseSeed verbatim. The result is a prompt
	// ready to CONTINUE an assistant turn rather than replay a finished one.
	BreakEarlyOnResponse bool
	ResponseSeed         string
}

// =============================================================================
// Tokenizer
// =============================================================================

type tokenKind int

const (
	tokText tokenKind = iota
	tokIf             // {{ if .X }}
	tokEnd            // {{ end }}
	tokVar            // {{ .X }}
	tokOther          // unrecognised {{ ... }}, passed through verbatim
)

type token struct {
	kind tokenKind
	text string // raw source text of the token
	name string // variable name for tokIf/tokVar
	pos  int    // byte offset of token start
}

// scan splits src into tokens on `{{` / `}}` boundaries. An unterminated
// `{{` is treated as plain text; the original regex engine behaved the same.
func scan(src string) []token {
	var toks []token
	pos := 0
	for {
		open := strings.Index(src[pos:], "{{")
		if open < 0 {
			if pos < len(src) {
				toks = append(toks, token{kind: tokText, text: src[pos:], pos: pos})
			}
			return toks
		}
		open += pos
		if open > pos {
			toks = append(toks, token{kind: tokText, text: src[pos:open], pos: pos})
		}
		close := strings.Index(src[open+2:], "}}")
		if close < 0 {
			toks = append(toks, token{kind: tokText, text: src[open:], pos: open})
			return toks
		}
		end := open + 2 + close + 2
		raw := src[open:end]
		toks = append(toks, classify(raw, open))
		pos = end
	}
}

func classify(raw string, pos int) token {
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "{{"), "}}")
	inner = strings.TrimPrefix(inner, "-")
	inner = strings.TrimSuffix(inner, "-")
	inner = strings.TrimSpace(inner)

	switch {
	case inner == "end":
		return token{kind: tokEnd, text: raw, pos: pos}
	case strings.HasPrefix(inner, "if "):
		name := strings.TrimSpace(strings.TrimPrefix(inner, "if "))
		if n, ok := strings.CutPrefix(name, "."); ok && isKnownVar(n) {
			return token{kind: tokIf, text: raw, name: n, pos: pos}
		}
		return token{kind: tokOther, text: raw, pos: pos}
	case strings.HasPrefix(inner, "."):
		if n := inner[1:]; isKnownVar(n) {
			return token{kind: tokVar, text: raw, name: n, pos: pos}
		}
		return token{kind: tokOther, text: raw, pos: pos}
	default:
		return token{kind: tokOther, text: raw, pos: pos}
	}
}

func isKnownVar(n string) bool {
	return n == "System" || n == "Prompt" || n == "Response"
}

// =============================================================================
// Engine
// =============================================================================

// Apply substitutes vals into tmpl per the package rules.
func Apply(tmpl string, vals Values, opts Options) (string, error) {
	resolved, err := resolveConditionals(tmpl, vals)
	if err != nil {
		return "", err
	}
	return substituteVars(resolved, vals, opts), nil
}

// resolveConditionals repeatedly replaces the leftmost conditional span
// until none remain. Orphan `{{ end }}` tokens are left as text, matching
// the original behavior.
func resolveConditionals(src string, vals Values) (string, error) {
	for {
		toks := scan(src)
		ifIdx := -1
		for i, t := range toks {
			if t.kind == tokIf {
				ifIdx = i
				break
			}
		}
		if ifIdx < 0 {
			return src, nil
		}
		endIdx := -1
		for i := ifIdx + 1; i < len(toks); i++ {
			if toks[i].kind == tokEnd {
				endIdx = i
				break
			}
		}
		if endIdx < 0 {
			return "", fmt.Errorf("%w: %q has no matching {{ end }}", ErrMalformed, toks[ifIdx].text)
		}

		ifTok, endTok := toks[ifIdx], toks[endIdx]
		bodyStart := ifTok.pos + len(ifTok.text)
		body := src[bodyStart:endTok.pos]

		value, _ := vals.lookup(ifTok.name)
		replacement := ""
		if value != "" {
			replacement = body
		}
		src = src[:ifTok.pos] + replacement + src[endTok.pos+len(endTok.text):]
	}
}

func substituteVars(src string, vals Values, opts Options) string {
	var out strings.Builder
	for _, t := range scan(src) {
		switch t.kind {
		case tokVar:
			if t.name == "Response" && opts.BreakEarlyOnResponse {
				out.WriteString(opts.ResponseSeed)
				return out.String()
			}
			value, _ := vals.lookup(t.name)
			out.WriteString(value)
		case tokText, tokOther, tokEnd, tokIf:
			// tokIf cannot appear here after conditional resolution, but
			// orphan end tokens pass through verbatim.
			out.WriteString(t.text)
		}
	}
	return out.String()
}
