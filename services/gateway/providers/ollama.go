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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
	"github.com/AleutianAI/AleutianGateway/services/gateway/upstream"
)

// DefaultOllamaURL is where a stock Ollama daemon listens.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaProvider fronts one Ollama daemon.
type OllamaProvider struct {
	label  string
	client *upstream.Client
	record *datatypes.ProviderRecord
	cache  listingCache
}

// NewOllama builds the provider for the daemon at baseURL.
func NewOllama(label, baseURL string) (*OllamaProvider, error) {
	idents, err := datatypes.CanonicalizeMap(map[string]any{
		"kind": "ollama",
		"url":  baseURL,
	})
	if err != nil {
		return nil, err
	}
	human := "Ollama daemon at " + baseURL
	return &OllamaProvider{
		label:  label,
		client: upstream.New(baseURL),
		record: &datatypes.ProviderRecord{
			Identifiers: idents,
			CreatedAt:   time.Now().UTC(),
			MachineInfo: hostMachineInfo(),
			HumanInfo:   &human,
		},
	}, nil
}

func (p *OllamaProvider) Kind() string  { return "ollama" }
func (p *OllamaProvider) Label() string { return p.label }

// Client exposes the underlying HTTP client for the proxy handlers.
func (p *OllamaProvider) Client() *upstream.Client { return p.client }

// Record returns the provider's durable identity.
func (p *OllamaProvider) Record() *datatypes.ProviderRecord { return p.record }

// Available pings the daemon root.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	return p.client.Ping(ctx)
}

// ListModels lists via /api/tags and enriches each entry with /api/show.
//
// # Limitations
//
//   - A failed /api/show downgrades that model to a tags-only observation
//     instead of failing the listing; the store upgrades it on a later
//     pass.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]*datatypes.FoundationModel, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]*datatypes.FoundationModel, error) {
		tags, err := p.client.Tags(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		out := make([]*datatypes.FoundationModel, 0, len(tags.Models))
		for i := range tags.Models {
			tm := &tags.Models[i]
			show, err := p.client.Show(ctx, tm.Name)
			if err != nil {
				slog.Warn("Model detail fetch failed, recording tags only",
					"model", tm.Name, "error", err)
				show = nil
			}
			cand, err := upstream.ModelCandidate(p.record.Identifiers, tm, show, now)
			if err != nil {
				return nil, err
			}
			out = append(out, cand)
		}
		return out, nil
	})
}

// ChatNoLog forwards the chat verbatim and streams the reply.
func (p *OllamaProvider) ChatNoLog(ctx context.Context, req *datatypes.ChatRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	return p.client.Chat(ctx, req)
}

// GenerateNoLog forwards a raw generate request, used by the pipeline once
// chat history has been rewritten into a single prompt.
func (p *OllamaProvider) GenerateNoLog(ctx context.Context, req *datatypes.GenerateRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	return p.client.Generate(ctx, req)
}
