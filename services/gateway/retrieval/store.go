// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval augments chat prompts with documents from a local
// vector store.
package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/AleutianAI/AleutianGateway/pkg/validation"
)

// DefaultCollection is the knowledge collection searched when the request
// does not name one.
const DefaultCollection = "knowledge"

// DefaultEmbeddingModel is the Ollama embedding model used unless the
// request prefers another.
const DefaultEmbeddingModel = "nomic-embed-text"

// Document is one retrieved chunk.
type Document struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// KnowledgeStore wraps the embedded vector database.
//
// # Thread Safety
//
// Safe for concurrent use. Collection handles are cached per
// (name, embedding model) pair.
type KnowledgeStore struct {
	db        *chromem.DB
	ollamaURL string
	// testEmbed overrides the Ollama embedding func when set.
	testEmbed chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// Open opens (or creates) the persistent vector store under dataDir.
// ollamaURL points at the daemon used for embeddings.
func Open(dataDir, ollamaURL string) (*KnowledgeStore, error) {
	path := filepath.Join(dataDir, "knowledge")
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store %s: %w", path, err)
	}
	return &KnowledgeStore{
		db:          db,
		ollamaURL:   ollamaURL,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// OpenInMemory opens a throwaway store with a fixed fake embedding, so
// tests run without an embedding backend.
func OpenInMemory(embed chromem.EmbeddingFunc) *KnowledgeStore {
	k := &KnowledgeStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
	k.testEmbed = embed
	return k
}

func (k *KnowledgeStore) embeddingFunc(model string) chromem.EmbeddingFunc {
	if k.testEmbed != nil {
		return k.testEmbed
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return chromem.NewEmbeddingFuncOllama(model, k.ollamaURL+"/api")
}

func (k *KnowledgeStore) collection(name, embedModel string) (*chromem.Collection, error) {
	if err := validation.ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultCollection
	}
	key := name + "\x00" + embedModel
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.collections[key]; ok {
		return c, nil
	}
	c, err := k.db.GetOrCreateCollection(name, nil, k.embeddingFunc(embedModel))
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	k.collections[key] = c
	return c, nil
}

// AddDocument embeds and stores one document.
func (k *KnowledgeStore) AddDocument(ctx context.Context, collection, id, content string, metadata map[string]string) error {
	c, err := k.collection(collection, "")
	if err != nil {
		return err
	}
	if err := c.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	}); err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	return nil
}

// Search embeds the query and returns up to topK documents by similarity.
// An empty collection yields an empty result, not an error.
func (k *KnowledgeStore) Search(ctx context.Context, collection, embedModel, query string, topK int) ([]Document, error) {
	c, err := k.collection(collection, embedModel)
	if err != nil {
		return nil, err
	}
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	results, err := c.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	out := make([]Document, 0, len(results))
	for _, r := range results {
		out = append(out, Document{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		})
	}
	return out, nil
}
