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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// autonameSystem steers the naming sub-request.
const autonameSystem = "You name conversations. Reply with a short descriptive title only. " +
	"No quotes, no trailing punctuation, no explanation."

// autonameTranscriptCap bounds how much of the conversation the naming
// model sees.
const autonameTranscriptCap = 2048

// AutonameSequence names the chain ending at seqID and stores the result
// as its human_desc.
//
// # Inputs
//
//   - preferredModel: optional FoundationModel id; otherwise the chain's
//     own model is used
func (p *Pipeline) AutonameSequence(ctx context.Context, seqID int64, preferredModel *int64) (string, error) {
	messages, err := p.Store.MessagesForSequence(ctx, seqID, false)
	if err != nil {
		return "", err
	}
	model, err := p.resolveModel(ctx, Request{ModelOverrideID: preferredModel}, seqID)
	if err != nil {
		return "", err
	}

	raw, err := p.generateText(ctx, model, datatypes.ReasonAutoname,
		autonameSystem, transcript(messages))
	if err != nil {
		return "", err
	}
	name := CleanAutoname(raw)
	if name == "" {
		return "", fmt.Errorf("model produced an empty name")
	}
	if err := p.Store.SetHumanDesc(ctx, seqID, name); err != nil {
		return "", err
	}
	return name, nil
}

// maybeAutoname names the parent chain after a successful commit when it
// has no name yet. Failures are logged, never fatal: the turn is already
// committed.
func (p *Pipeline) maybeAutoname(ctx context.Context, parentSeq int64, model *datatypes.FoundationModel) string {
	parent, err := p.Store.GetSequence(ctx, parentSeq)
	if err != nil || parent.HumanDesc != nil {
		return ""
	}
	name, err := p.AutonameSequence(ctx, parentSeq, &model.ID)
	if err != nil {
		slog.Warn("Autoname failed", "sequence_id", parentSeq, "error", err)
		return ""
	}
	return name
}

func transcript(messages []datatypes.ChatMessage) string {
	var b strings.Builder
	b.WriteString("Name this conversation:\n\n")
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
		if b.Len() >= autonameTranscriptCap {
			break
		}
	}
	s := b.String()
	if len(s) > autonameTranscriptCap {
		s = s[:autonameTranscriptCap]
	}
	return s
}

// CleanAutoname normalises a model-produced title: whitespace and
// newlines collapse, one surrounding quote pair is stripped, and the
// result is capped at MaxAutonameLength bytes on a rune boundary.
func CleanAutoname(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	for _, pair := range [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}} {
		if strings.HasPrefix(name, pair[0]) && strings.HasSuffix(name, pair[1]) && len(name) > len(pair[0])+len(pair[1]) {
			name = strings.TrimSuffix(strings.TrimPrefix(name, pair[0]), pair[1])
			break
		}
	}
	name = strings.TrimSpace(name)
	if len(name) > datatypes.MaxAutonameLength {
		cut := datatypes.MaxAutonameLength
		for cut > 0 && !isRuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimSpace(name[:cut])
	}
	return name
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// generateText runs one non-streaming secondary model call, recording it
// as an independent InferenceEvent with the given reason. It never
// creates a ChatSequence.
func (p *Pipeline) generateText(ctx context.Context, model *datatypes.FoundationModel, reason datatypes.Reason, system, prompt string) (string, error) {
	eventID, err := p.Store.CreateInferenceEvent(ctx, &datatypes.InferenceEvent{
		ModelRecordID:        model.ID,
		PromptWithTemplating: &prompt,
		Reason:               reason,
	})
	if err != nil {
		return "", err
	}

	provider, err := p.Registry.ByIdentifiers(model.ProviderIdentifiers)
	if err != nil {
		return "", p.failGenerate(ctx, eventID, err)
	}
	gen, ok := provider.(generator)
	if !ok {
		return "", p.failGenerate(ctx, eventID,
			fmt.Errorf("%w: %s", ErrProviderCannotGenerate, provider.Label()))
	}

	frames, err := gen.GenerateNoLog(ctx, &datatypes.GenerateRequest{
		Model:  model.HumanID,
		Prompt: prompt,
		System: system,
	})
	if err != nil {
		return "", p.failGenerate(ctx, eventID, err)
	}

	var acc datatypes.StreamFrame
	for {
		f, ferr := frames.Next(ctx)
		if errors.Is(ferr, io.EOF) {
			break
		}
		if ferr != nil {
			return "", p.failGenerate(ctx, eventID, ferr)
		}
		if acc, err = ConsolidateOllamaFrames(acc, f); err != nil {
			return "", p.failGenerate(ctx, eventID, err)
		}
	}

	stats, err := statsFromConsolidated(acc)
	if err != nil {
		return "", p.failGenerate(ctx, eventID, err)
	}
	if err := p.Store.FinalizeInferenceEvent(ctx, eventID, stats); err != nil {
		return "", err
	}
	return consolidatedText(acc), nil
}

func (p *Pipeline) failGenerate(ctx context.Context, eventID int64, cause error) error {
	if err := p.Store.MarkInferenceError(ctx, eventID, cause.Error()); err != nil {
		slog.Error("Failed to mark inference error", "event_id", eventID, "error", err)
	}
	return cause
}
