// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

const (
	// shortQueryChars: a latest message below this length is too thin to
	// embed on its own, so earlier turns are folded in.
	shortQueryChars = 200

	// queryBudgetBytes caps the embedding query; beyond it the query gets
	// summarised first.
	queryBudgetBytes = 4096

	// minSummaryChars: a model summary shorter than this is treated as a
	// degenerate answer and discarded in favour of the original text.
	minSummaryChars = 140

	// docsBudgetBytes caps the assembled document block.
	docsBudgetBytes = 40960

	// defaultTopK documents are fetched when search args do not say.
	defaultTopK = 4
)

// querySummarySystem steers the query-compression helper call.
const querySummarySystem = "Summarize the most important and unique terms"

// docSummarySystem steers the per-document reduction helper call.
const docSummarySystem = "Summarize the parts of this document that are relevant to the question"

// ragPromptFormat is the fixed augmentation template. The retrieved
// documents land between the context markers, newline separated.
const ragPromptFormat = "Use any sources you can find in the following context to answer the " +
	"user's question. If the context does not contain the answer, say so.\n\n" +
	"<context>\n%s\n</context>\n\nQuestion: %s"

// GenerateHelper runs one secondary model call on behalf of the
// orchestrator. The implementation records its own InferenceEvent with the
// given reason; the orchestrator itself never touches the history store.
type GenerateHelper func(ctx context.Context, reason datatypes.Reason, system, prompt string) (string, error)

// Orchestrator builds augmented prompts per the selected policy.
type Orchestrator struct {
	store    *KnowledgeStore
	generate GenerateHelper
	// setStatus publishes human-visible phase updates; never nil.
	setStatus func(string)
}

// NewOrchestrator wires the orchestrator. generate may be nil when no
// model is available for summarisation; the summarizing policy then
// degrades to simple truncation. setStatus may be nil.
func NewOrchestrator(store *KnowledgeStore, generate GenerateHelper, setStatus func(string)) *Orchestrator {
	if setStatus == nil {
		setStatus = func(string) {}
	}
	return &Orchestrator{store: store, generate: generate, setStatus: setStatus}
}

// Augment returns the augmented prompt for the message list, or "" when
// the policy is skip or no documents match.
//
// # Inputs
//
//   - label: policy, search args, and preferred embedding model
//   - messages: the chat history, root first; the last user message is the
//     question
//
// # Outputs
//
//   - string: the full replacement prompt, or "" for no augmentation
func (o *Orchestrator) Augment(ctx context.Context, label *datatypes.RetrievalLabel, messages []datatypes.ChatMessage) (string, error) {
	if label == nil || label.Policy == datatypes.RetrievalSkip || len(messages) == 0 {
		return "", nil
	}
	question := lastUserContent(messages)
	if question == "" {
		return "", nil
	}

	switch label.Policy {
	case datatypes.RetrievalSimple:
		return o.simple(ctx, label, question)
	case datatypes.RetrievalSummarizing:
		return o.summarizing(ctx, label, messages, question)
	default:
		return "", fmt.Errorf("unknown retrieval policy %q", label.Policy)
	}
}

func (o *Orchestrator) simple(ctx context.Context, label *datatypes.RetrievalLabel, question string) (string, error) {
	o.setStatus("retrieval: searching knowledge store")
	docs, err := o.search(ctx, label, question)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}
	return assemblePrompt(docs, question), nil
}

// summarizing runs the three-stage pipeline: query compression, retrieval,
// document reduction.
func (o *Orchestrator) summarizing(ctx context.Context, label *datatypes.RetrievalLabel, messages []datatypes.ChatMessage, question string) (string, error) {
	query := question
	if len(query) < shortQueryChars {
		query = recentContext(messages, queryBudgetBytes)
	}
	if len(query) > queryBudgetBytes && o.generate != nil {
		o.setStatus("retrieval: summarizing query")
		summary, err := o.generate(ctx, datatypes.ReasonSummarizeRAG, querySummarySystem, query)
		if err != nil {
			slog.Warn("Query summarisation failed, using raw query", "error", err)
		} else if len(summary) > minSummaryChars {
			query = summary
		}
	}
	if len(query) > queryBudgetBytes {
		query = query[:queryBudgetBytes]
	}

	o.setStatus("retrieval: searching knowledge store")
	docs, err := o.search(ctx, label, query)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}

	if totalLen(docs) > docsBudgetBytes && o.generate != nil {
		o.setStatus("retrieval: summarizing documents")
		for i := range docs {
			summary, err := o.generate(ctx, datatypes.ReasonSummarizeDoc,
				docSummarySystem, "Question: "+question+"\n\nDocument:\n"+docs[i].Content)
			if err != nil {
				slog.Warn("Document summarisation failed, keeping original",
					"doc", docs[i].ID, "error", err)
				continue
			}
			if len(summary) >= minSummaryChars {
				docs[i].Content = summary
			}
		}
	}
	// Still over budget: shed from the tail, the least similar end.
	for len(docs) > 1 && totalLen(docs) > docsBudgetBytes {
		docs = docs[:len(docs)-1]
	}
	if len(docs) == 1 && len(docs[0].Content) > docsBudgetBytes {
		docs[0].Content = docs[0].Content[:docsBudgetBytes]
	}

	return assemblePrompt(docs, question), nil
}

func (o *Orchestrator) search(ctx context.Context, label *datatypes.RetrievalLabel, query string) ([]Document, error) {
	collection, topK := searchArgs(label.SearchArgs)
	return o.store.Search(ctx, collection, label.PreferredEmbeddingModel, query, topK)
}

// searchArgs extracts the recognised keys from the request's loose map.
func searchArgs(args map[string]any) (collection string, topK int) {
	collection = DefaultCollection
	topK = defaultTopK
	if v, ok := args["collection"].(string); ok && v != "" {
		collection = v
	}
	switch v := args["top_k"].(type) {
	case float64:
		if v > 0 {
			topK = int(v)
		}
	case int:
		if v > 0 {
			topK = v
		}
	}
	return collection, topK
}

func assemblePrompt(docs []Document, question string) string {
	contents := make([]string, 0, len(docs))
	for _, d := range docs {
		contents = append(contents, d.Content)
	}
	return fmt.Sprintf(ragPromptFormat, strings.Join(contents, "\n"), question)
}

func lastUserContent(messages []datatypes.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// recentContext concatenates messages newest-first until the byte budget
// is met, then restores chronological order.
func recentContext(messages []datatypes.ChatMessage, budget int) string {
	var parts []string
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		c := messages[i].Content
		parts = append(parts, c)
		total += len(c) + 1
		if total >= budget {
			break
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}

func totalLen(docs []Document) int {
	n := 0
	for _, d := range docs {
		n += len(d.Content)
	}
	return n
}
