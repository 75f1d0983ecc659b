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

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
	"github.com/AleutianAI/AleutianGateway/services/gateway/template"
)

// ErrModelTemplateMissing means the FoundationModel row has no template,
// i.e. tags+show reconciliation never ran for this model. Continuation
// refuses to guess a template; the wrong one silently ruins generations.
var ErrModelTemplateMissing = errors.New("model has no stored template")

// BuildGenerateRequest rewrites a chat history into a raw /api/generate
// body using the model's own template.
//
// # Description
//
// The effective system text is resolved in priority order: a system
// message captured in the chat list, then options["system"], then the
// model's stored default. Messages are grouped into (user, assistant)
// exchanges; each exchange is templated with the system block emitted only
// on the first, and the final exchange breaks early at the response
// marker so the assistant turn is left open for the model to continue.
// A non-empty ragOverride replaces the last user message in that final
// block.
//
// The options map is forwarded minus the keys the adapter consumed
// (system, template, context); they would fight the templated prompt.
func BuildGenerateRequest(model *datatypes.FoundationModel, messages []datatypes.ChatMessage, options map[string]any, ragOverride string) (*datatypes.GenerateRequest, error) {
	tmpl := model.Template()
	if tmpl == "" {
		return nil, fmt.Errorf("%w: %s (id %d)", ErrModelTemplateMissing, model.HumanID, model.ID)
	}

	system, conversational := resolveSystem(messages, options, model)
	exchanges := groupExchanges(conversational)
	if len(exchanges) == 0 {
		return nil, errors.New("no user messages to continue from")
	}
	if ragOverride != "" {
		exchanges[len(exchanges)-1].prompt = ragOverride
	}

	var prompt strings.Builder
	for i, ex := range exchanges {
		vals := template.Values{Prompt: ex.prompt, Response: ex.response}
		if i == 0 {
			vals.System = system
		}
		opts := template.Options{}
		if i == len(exchanges)-1 {
			opts.BreakEarlyOnResponse = true
			opts.ResponseSeed = ex.response
		}
		block, err := template.Apply(tmpl, vals, opts)
		if err != nil {
			return nil, fmt.Errorf("templating exchange %d: %w", i, err)
		}
		prompt.WriteString(block)
	}

	stream := true
	return &datatypes.GenerateRequest{
		Model:   model.HumanID,
		Prompt:  prompt.String(),
		Raw:     true,
		Stream:  &stream,
		Options: stripAdapterKeys(options),
	}, nil
}

// exchange is one templated block: a user prompt and the assistant reply
// that followed it, if any.
type exchange struct {
	prompt   string
	response string
}

// groupExchanges pairs user messages with their assistant replies.
// Synthetic model-config rows fold into the preceding user prompt as
// plain text so the model sees the configuration note in context.
func groupExchanges(messages []datatypes.ChatMessage) []exchange {
	var out []exchange
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, exchange{prompt: m.Content})
		case "assistant":
			if len(out) == 0 {
				out = append(out, exchange{})
			}
			last := &out[len(out)-1]
			if last.response != "" {
				last.response += m.Content
			} else {
				last.response = m.Content
			}
		case history.RoleModelConfig:
			if len(out) > 0 {
				out[len(out)-1].prompt += "\n[" + m.Content + "]"
			}
		}
	}
	return out
}

// resolveSystem returns the effective system text and the message list
// with system messages removed.
func resolveSystem(messages []datatypes.ChatMessage, options map[string]any, model *datatypes.FoundationModel) (string, []datatypes.ChatMessage) {
	system := ""
	found := false
	rest := make([]datatypes.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if !found {
				system = m.Content
				found = true
			}
			continue
		}
		rest = append(rest, m)
	}
	if !found {
		if v, ok := options["system"].(string); ok {
			system = v
			found = true
		}
	}
	if !found {
		system = model.SystemPrompt()
	}
	return system, rest
}

func stripAdapterKeys(options map[string]any) map[string]any {
	if options == nil {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		switch k {
		case "system", "template", "context":
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RewriteGenerateToChat maps generate-style frames onto chat shape so
// /api/chat clients see the wire format they sent.
//
// Each {response: "..."} fragment becomes {message: {role: "assistant",
// content: "..."}}; all other keys pass through untouched.
func RewriteGenerateToChat(src iterstream.Stream[datatypes.StreamFrame]) iterstream.Stream[datatypes.StreamFrame] {
	return iterstream.Map(src, func(f datatypes.StreamFrame) (datatypes.StreamFrame, error) {
		text, ok := f[datatypes.FrameKeyResponse].(string)
		if !ok {
			return f, nil
		}
		out := f.Clone()
		delete(out, datatypes.FrameKeyResponse)
		out[datatypes.FrameKeyMessage] = map[string]any{
			"role":    "assistant",
			"content": text,
		}
		return out, nil
	})
}
