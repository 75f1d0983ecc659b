// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers abstracts the local inference backends the gateway can
// route to: an Ollama daemon, an OpenAI-compatible server such as LM
// Studio, or llamafile binaries on disk.
package providers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

var (
	// ErrNotImplemented marks operations a backend kind cannot perform.
	ErrNotImplemented = errors.New("provider: operation not implemented")

	// ErrNotAvailable marks a provider whose backend is not reachable.
	ErrNotAvailable = errors.New("provider: backend not available")

	// ErrUnknownProvider is returned by registry lookups.
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// listingTTL bounds how stale a cached model listing may be.
const listingTTL = 60 * time.Second

// Provider is one inference backend.
type Provider interface {
	// Kind is the backend family ("ollama", "openai-compat", "llamafile").
	Kind() string

	// Label uniquely names this backend instance within the registry.
	Label() string

	// Available reports whether the backend currently answers.
	Available(ctx context.Context) bool

	// Record is the durable identity row for this backend. Identifiers
	// are canonical JSON.
	Record() *datatypes.ProviderRecord

	// ListModels returns FoundationModel observations for every model the
	// backend serves. Implementations cache the listing for listingTTL.
	ListModels(ctx context.Context) ([]*datatypes.FoundationModel, error)

	// ChatNoLog streams a chat completion without touching the history
	// store. History-aware chat lives in the pipeline, not here.
	ChatNoLog(ctx context.Context, req *datatypes.ChatRequest) (iterstream.Stream[datatypes.StreamFrame], error)
}

// hostMachineInfo describes the machine the gateway runs on, stored on
// ProviderRecord rows so audits of old history name the box that served
// them. Local backends live on the same host as the gateway.
func hostMachineInfo() *string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info, err := datatypes.CanonicalizeMap(map[string]any{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
	})
	if err != nil {
		return nil
	}
	return &info
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds the discovered providers.
//
// # Thread Safety
//
// Safe for concurrent use. Discovery replaces entries wholesale; lookups
// take the read lock.
type Registry struct {
	mu          sync.RWMutex
	byLabel     map[string]Provider
	byIdent     map[string]Provider // canonical ProviderRecord identifiers
	orderedKeys []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byLabel: make(map[string]Provider),
		byIdent: make(map[string]Provider),
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byLabel[p.Label()]; !exists {
		r.orderedKeys = append(r.orderedKeys, p.Label())
	}
	r.byLabel[p.Label()] = p
	r.byIdent[p.Record().Identifiers] = p
}

// ByLabel resolves a provider by its registry label.
func (r *Registry) ByLabel(label string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byLabel[label]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// ByIdentifiers resolves a provider by its canonical record identifiers,
// the form stored on FoundationModel rows.
func (r *Registry) ByIdentifiers(idents string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byIdent[idents]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// All returns the providers in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.orderedKeys))
	for _, k := range r.orderedKeys {
		out = append(out, r.byLabel[k])
	}
	return out
}

// =============================================================================
// Discovery
// =============================================================================

// Discover probes candidate providers concurrently and registers the ones
// that answer.
//
// # Description
//
// Each candidate gets probeTimeout to respond. Unreachable backends are
// logged and skipped; discovery itself only fails on context cancellation.
// Model listings are synced to the store for every registered provider so
// FoundationModel rows exist before the first inference.
func Discover(ctx context.Context, reg *Registry, store ModelStore, candidates []Provider) error {
	const probeTimeout = 5 * time.Second

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range candidates {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			if !cand.Available(probeCtx) {
				slog.Info("Provider not available, skipping",
					"kind", cand.Kind(), "label", cand.Label())
				return nil
			}
			reg.Register(cand)
			slog.Info("Provider registered", "kind", cand.Kind(), "label", cand.Label())

			if store == nil {
				return nil
			}
			if err := SyncModels(gctx, store, cand); err != nil {
				slog.Warn("Model sync failed at discovery",
					"label", cand.Label(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ModelStore is the slice of the history store that discovery needs.
type ModelStore interface {
	EnsureProviderRecord(ctx context.Context, rec *datatypes.ProviderRecord) error
	UpsertFoundationModel(ctx context.Context, cand *datatypes.FoundationModel) (*datatypes.FoundationModel, error)
}

// SyncModels reconciles one provider's current listing into the store.
func SyncModels(ctx context.Context, store ModelStore, p Provider) error {
	if err := store.EnsureProviderRecord(ctx, p.Record()); err != nil {
		return err
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, cand := range models {
		if _, err := store.UpsertFoundationModel(ctx, cand); err != nil {
			return err
		}
	}
	return nil
}

// listingCache is the shared TTL cache for provider model listings.
type listingCache struct {
	mu        sync.Mutex
	models    []*datatypes.FoundationModel
	fetchedAt time.Time
}

// get returns the cached listing or refreshes it via fetch.
func (c *listingCache) get(ctx context.Context, fetch func(context.Context) ([]*datatypes.FoundationModel, error)) ([]*datatypes.FoundationModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil && time.Since(c.fetchedAt) < listingTTL {
		return c.models, nil
	}
	models, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.models = models
	c.fetchedAt = time.Now()
	return models, nil
}

// invalidate drops the cached listing.
func (c *listingCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
}
