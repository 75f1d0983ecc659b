// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

// DefaultLMStudioURL is where LM Studio's OpenAI-compatible server listens.
const DefaultLMStudioURL = "http://localhost:1234/v1"

// OpenAICompatProvider fronts an OpenAI-compatible local server such as
// LM Studio or a llama.cpp server in OpenAI mode.
//
// # Limitations
//
//   - No /api/show equivalent exists, so listings are always tags-only
//     observations; templating falls back to upstream-side defaults.
type OpenAICompatProvider struct {
	label  string
	client *openai.Client
	record *datatypes.ProviderRecord
	cache  listingCache
}

// NewOpenAICompat builds the provider for the server at baseURL. Local
// servers ignore the API key but the SDK requires one.
func NewOpenAICompat(label, baseURL string) (*OpenAICompatProvider, error) {
	idents, err := datatypes.CanonicalizeMap(map[string]any{
		"kind": "openai-compat",
		"url":  baseURL,
	})
	if err != nil {
		return nil, err
	}
	cfg := openai.DefaultConfig("not-needed")
	cfg.BaseURL = baseURL
	human := "OpenAI-compatible server at " + baseURL
	return &OpenAICompatProvider{
		label:  label,
		client: openai.NewClientWithConfig(cfg),
		record: &datatypes.ProviderRecord{
			Identifiers: idents,
			CreatedAt:   time.Now().UTC(),
			MachineInfo: hostMachineInfo(),
			HumanInfo:   &human,
		},
	}, nil
}

func (p *OpenAICompatProvider) Kind() string                      { return "openai-compat" }
func (p *OpenAICompatProvider) Label() string                     { return p.label }
func (p *OpenAICompatProvider) Record() *datatypes.ProviderRecord { return p.record }

// Available probes the models endpoint.
func (p *OpenAICompatProvider) Available(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	return err == nil
}

// ListModels maps the OpenAI models listing to FoundationModel
// observations.
func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]*datatypes.FoundationModel, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]*datatypes.FoundationModel, error) {
		listing, err := p.client.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		out := make([]*datatypes.FoundationModel, 0, len(listing.Models))
		for _, m := range listing.Models {
			idents, err := datatypes.CanonicalizeMap(map[string]any{
				"id":       m.ID,
				"owned_by": m.OwnedBy,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, &datatypes.FoundationModel{
				HumanID:             m.ID,
				FirstSeenAt:         &now,
				LastSeen:            &now,
				ProviderIdentifiers: p.record.Identifiers,
				ModelIdentifiers:    &idents,
			})
		}
		return out, nil
	})
}

// ChatNoLog streams a chat completion, mapping SSE deltas onto the
// Ollama-style frame shape the rest of the pipeline speaks.
func (p *OpenAICompatProvider) ChatNoLog(ctx context.Context, req *datatypes.ChatRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return &openaiFrameStream{model: req.Model, stream: stream}, nil
}

// openaiFrameStream adapts the SDK's stream to the frame protocol,
// synthesising the done:true terminal that Ollama clients expect.
type openaiFrameStream struct {
	model    string
	stream   *openai.ChatCompletionStream
	finished bool
}

func (s *openaiFrameStream) Next(ctx context.Context) (datatypes.StreamFrame, error) {
	if s.finished {
		return nil, io.EOF
	}
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		s.finished = true
		s.stream.Close()
		return datatypes.AssistantFrame(s.model,
			time.Now().UTC().Format(time.RFC3339Nano), "", true), nil
	}
	if err != nil {
		s.finished = true
		s.stream.Close()
		return nil, err
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Delta.Content
	}
	return datatypes.AssistantFrame(s.model,
		time.Now().UTC().Format(time.RFC3339Nano), content, false), nil
}
