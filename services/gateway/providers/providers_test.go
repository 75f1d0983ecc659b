// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

// fakeProvider is a minimal in-memory Provider.
type fakeProvider struct {
	label     string
	available bool
	models    []*datatypes.FoundationModel
}

func (f *fakeProvider) Kind() string  { return "fake" }
func (f *fakeProvider) Label() string { return f.label }
func (f *fakeProvider) Record() *datatypes.ProviderRecord {
	return &datatypes.ProviderRecord{
		Identifiers: `{"kind":"fake","label":"` + f.label + `"}`,
		CreatedAt:   time.Now(),
	}
}
func (f *fakeProvider) Available(ctx context.Context) bool { return f.available }
func (f *fakeProvider) ListModels(ctx context.Context) ([]*datatypes.FoundationModel, error) {
	return f.models, nil
}
func (f *fakeProvider) ChatNoLog(ctx context.Context, req *datatypes.ChatRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	return iterstream.Empty[datatypes.StreamFrame](), nil
}

// recordingStore counts reconciliation calls.
type recordingStore struct {
	providers atomic.Int64
	upserts   atomic.Int64
}

func (s *recordingStore) EnsureProviderRecord(ctx context.Context, rec *datatypes.ProviderRecord) error {
	s.providers.Add(1)
	return nil
}

func (s *recordingStore) UpsertFoundationModel(ctx context.Context, cand *datatypes.FoundationModel) (*datatypes.FoundationModel, error) {
	s.upserts.Add(1)
	return cand, nil
}

func TestRegistry_Lookups(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	p := &fakeProvider{label: "main", available: true}
	reg.Register(p)

	got, err := reg.ByLabel("main")
	require.NoError(t, err)
	assert.Same(t, Provider(p), got)

	got, err = reg.ByIdentifiers(p.Record().Identifiers)
	require.NoError(t, err)
	assert.Same(t, Provider(p), got)

	_, err = reg.ByLabel("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestDiscover_RegistersOnlyAvailable(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	store := &recordingStore{}
	up := &fakeProvider{label: "up", available: true,
		models: []*datatypes.FoundationModel{{HumanID: "m1"}, {HumanID: "m2"}}}
	down := &fakeProvider{label: "down", available: false}

	err := Discover(context.Background(), reg, store, []Provider{up, down})
	require.NoError(t, err)

	assert.Len(t, reg.All(), 1)
	_, err = reg.ByLabel("down")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.EqualValues(t, 1, store.providers.Load())
	assert.EqualValues(t, 2, store.upserts.Load())
}

func TestOllamaProvider_ListModelsCachesListing(t *testing.T) {
	t.Parallel()

	var tagsCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			tagsCalls.Add(1)
			w.Write([]byte(`{"models":[{"name":"m","digest":"d","modified_at":"2025-01-01T00:00:00Z"}]}`))
		case "/api/show":
			w.Write([]byte(`{"template":"{{ .Prompt }}"}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	p, err := NewOllama("main", srv.URL)
	require.NoError(t, err)
	require.True(t, p.Available(context.Background()))

	first, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "m", first[0].HumanID)
	require.NotNil(t, first[0].CombinedInferenceParameters)

	_, err = p.ListModels(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, tagsCalls.Load(), "second listing should hit the cache")
}

func TestLlamafileProvider_ScansDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.llamafile"), []byte("fake model bytes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	p, err := NewLlamafile("files", dir)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.True(t, p.Available(context.Background()))
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "tiny", models[0].HumanID)
	assert.Nil(t, models[0].CombinedInferenceParameters)

	_, err = p.ChatNoLog(context.Background(), &datatypes.ChatRequest{Model: "tiny"})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestListingCache_InvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	var calls int
	fetch := func(ctx context.Context) ([]*datatypes.FoundationModel, error) {
		calls++
		return []*datatypes.FoundationModel{{HumanID: "x"}}, nil
	}

	var c listingCache
	_, err := c.get(context.Background(), fetch)
	require.NoError(t, err)
	_, err = c.get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	c.invalidate()
	_, err = c.get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
