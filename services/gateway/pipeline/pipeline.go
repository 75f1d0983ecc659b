// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline assembles the continuation flow: history capture,
// optional retrieval, chat-to-generate templating, upstream streaming,
// consolidation, and durable finalisation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/providers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/retrieval"
	"github.com/AleutianAI/AleutianGateway/services/gateway/template"
)

// DefaultKeepAliveInterval is the cadence of synthetic frames during
// stalls.
const DefaultKeepAliveInterval = 3 * time.Second

// ErrNoModel means no model could be resolved from the override, the
// ancestor chain, or the fallback.
var ErrNoModel = errors.New("no foundation model resolvable for this request")

// ErrProviderCannotGenerate means the resolved model lives on a backend
// without a raw generate surface.
var ErrProviderCannotGenerate = errors.New("provider does not support raw generation")

// generator is the provider capability the pipeline needs.
type generator interface {
	GenerateNoLog(ctx context.Context, req *datatypes.GenerateRequest) (iterstream.Stream[datatypes.StreamFrame], error)
}

// Pipeline wires the stores and registry into runnable continuations.
//
// # Thread Safety
//
// Safe for concurrent use; per-request state lives in the returned Run.
type Pipeline struct {
	Store     *history.Store
	Registry  *providers.Registry
	Knowledge *retrieval.KnowledgeStore
	Metrics   *observability.StreamingMetrics

	// KeepAliveInterval defaults to DefaultKeepAliveInterval when zero.
	KeepAliveInterval time.Duration

	// ForceRAG applies the simple retrieval policy to requests that carry
	// no retrieval label at all.
	ForceRAG bool

	// TeeWriter receives the developer-visible copy of streamed content.
	// Defaults to os.Stdout.
	TeeWriter io.Writer
}

// Request describes one continuation.
type Request struct {
	// SequenceID is the leaf to continue from. Zero when Messages carries
	// the history instead (the /api/chat capture path).
	SequenceID int64

	// Messages is the raw chat list for capture-from-third-party requests.
	Messages []datatypes.Message

	// ModelOverrideID short-circuits model resolution.
	ModelOverrideID *int64

	// FallbackModelHumanID resolves by name when the ancestor chain has no
	// inference event, e.g. the first turn of a proxied chat.
	FallbackModelHumanID string

	// Options is the Ollama options object from the original request.
	Options map[string]any

	Retrieval *datatypes.RetrievalLabel

	// ChatShape rewrites generate-style chunks into chat shape for
	// /api/chat clients.
	ChatShape bool

	// Endpoint is the metrics label for this surface.
	Endpoint string
}

// Run is one in-flight continuation.
type Run struct {
	// Frames is the client-facing stream: prompt frame, content chunks,
	// keep-alives, and the terminal commit frame.
	Frames iterstream.Stream[datatypes.StreamFrame]

	// Status is the live phase indicator carried on keep-alive frames.
	Status *StatusHolder

	// Augmented reports whether retrieval changed the prompt; the HTTP
	// layer signals this with status 218.
	Augmented bool

	// EventID is the InferenceEvent backing this run.
	EventID int64

	// SequenceID is the leaf being continued (after capture).
	SequenceID int64

	// Endpoint is the metrics label of the surface that opened this run.
	Endpoint string
}

// Continue prepares and opens a continuation stream.
//
// # Description
//
// Runs PREPARE, RETRIEVE, and TEMPLATE phases synchronously, then opens
// the upstream stream and returns the assembled iterator chain. The
// upstream call and all finalisation run on a cancel-detached context:
// a client disconnect neither cancels inference nor skips the commit.
func (p *Pipeline) Continue(ctx context.Context, req Request) (*Run, error) {
	// The span covers the synchronous phases; streaming is visible through
	// the metrics instead.
	ctx, span := otel.Tracer("gateway/pipeline").Start(ctx, "pipeline.Continue",
		trace.WithAttributes(
			attribute.String("gateway.endpoint", req.Endpoint),
			attribute.Bool("gateway.chat_shape", req.ChatShape)))
	defer span.End()

	status := NewStatusHolder("preparing request")
	detached := context.WithoutCancel(ctx)

	// PREPARE: history, model, pending event.
	leafSeq, messages, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	model, err := p.resolveModel(ctx, req, leafSeq)
	if err != nil {
		return nil, err
	}

	// RETRIEVE. Runs before the main event exists so the event's reason
	// can record whether the prompt was augmented; retrieval's own helper
	// calls create their own events.
	augmented, ragPrompt, err := p.retrieve(ctx, req, model, messages, status)
	if err != nil {
		return nil, err
	}

	reason := datatypes.ReasonChat
	if augmented {
		reason = datatypes.ReasonPromptRAG
	}
	eventID, err := p.Store.CreateInferenceEvent(ctx, &datatypes.InferenceEvent{
		ModelRecordID: model.ID,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}

	// TEMPLATE & FORWARD.
	status.Set("templating prompt")
	prompt := ""
	genReq, err := BuildGenerateRequest(model, messages, req.Options, ragPrompt)
	switch {
	case err == nil:
		prompt = genReq.Prompt
	case errors.Is(err, template.ErrMalformed):
		// A broken template must not block the user; forward the raw chat
		// and let the upstream apply its own default template.
		slog.Warn("Model template malformed, forwarding raw chat unchanged",
			"model", model.HumanID, "error", err)
		genReq = nil
	default:
		return nil, err
	}
	if prompt != "" {
		if err := p.Store.SetInferenceEventPrompt(ctx, eventID, prompt); err != nil {
			slog.Warn("Prompt patch failed, continuing without it",
				"event_id", eventID, "error", err)
		}
	}

	provider, err := p.Registry.ByIdentifiers(model.ProviderIdentifiers)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", model.HumanID, err)
	}

	status.Set("waiting for model")
	var upstreamFrames iterstream.Stream[datatypes.StreamFrame]
	if genReq != nil {
		gen, ok := provider.(generator)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProviderCannotGenerate, provider.Label())
		}
		upstreamFrames, err = gen.GenerateNoLog(detached, genReq)
	} else {
		upstreamFrames, err = provider.ChatNoLog(detached, &datatypes.ChatRequest{
			Model:    model.HumanID,
			Messages: toWireMessages(messages),
			Options:  req.Options,
		})
	}
	if err != nil {
		markErr := p.Store.MarkInferenceError(detached, eventID, err.Error())
		if markErr != nil {
			slog.Error("Failed to mark inference error", "event_id", eventID, "error", markErr)
		}
		return nil, err
	}

	run := &Run{Status: status, Augmented: augmented, EventID: eventID,
		SequenceID: leafSeq, Endpoint: req.Endpoint}
	run.Frames = p.assemble(detached, req, run, model, prompt, upstreamFrames)
	return run, nil
}

// toWireMessages converts stored messages back to wire shape, dropping
// synthetic model-config rows.
func toWireMessages(messages []datatypes.ChatMessage) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == history.RoleModelConfig {
			continue
		}
		out = append(out, datatypes.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// prepare loads or captures the message history and returns the leaf
// sequence and the root-first message list.
func (p *Pipeline) prepare(ctx context.Context, req Request) (int64, []datatypes.ChatMessage, error) {
	if len(req.Messages) > 0 {
		return p.captureChatMessages(ctx, req.Messages)
	}
	if req.SequenceID == 0 {
		return 0, nil, errors.New("neither a sequence id nor messages supplied")
	}
	messages, err := p.Store.MessagesForSequence(ctx, req.SequenceID, true)
	if err != nil {
		return 0, nil, err
	}
	return req.SequenceID, messages, nil
}

// captureChatMessages deduplicates an externally supplied chat list into
// stored messages and builds (or reuses) the matching sequence chain.
//
// A system message is honoured only at position 0; one appearing later
// would retroactively rewrite context the model never saw.
func (p *Pipeline) captureChatMessages(ctx context.Context, wire []datatypes.Message) (int64, []datatypes.ChatMessage, error) {
	if len(wire) == 0 {
		return 0, nil, errors.New("empty message list")
	}
	if len(wire) > datatypes.MaxMessagesPerRequest {
		return 0, nil, fmt.Errorf("message list exceeds %d entries", datatypes.MaxMessagesPerRequest)
	}

	ids := make([]int64, 0, len(wire))
	messages := make([]datatypes.ChatMessage, 0, len(wire))
	for i, m := range wire {
		if len(m.Content) > datatypes.MaxMessageContentBytes {
			return 0, nil, fmt.Errorf("message %d exceeds %d bytes", i, datatypes.MaxMessageContentBytes)
		}
		if m.Role == "system" && i != 0 {
			return 0, nil, fmt.Errorf("system message only allowed at position 0, found at %d", i)
		}
		id, _, err := p.Store.InsertMessage(ctx, m.Role, m.Content, nil)
		if err != nil {
			return 0, nil, err
		}
		ids = append(ids, id)
		messages = append(messages, datatypes.ChatMessage{ID: id, Role: m.Role, Content: m.Content})
	}

	leaf, err := p.Store.EnsureChain(ctx, ids, time.Now().UTC())
	if err != nil {
		return 0, nil, err
	}
	return leaf, messages, nil
}

// resolveModel picks the FoundationModel: explicit override, then the
// nearest ancestor's inference event, then the named fallback.
func (p *Pipeline) resolveModel(ctx context.Context, req Request, leafSeq int64) (*datatypes.FoundationModel, error) {
	if req.ModelOverrideID != nil {
		return p.Store.GetFoundationModel(ctx, *req.ModelOverrideID)
	}

	chain, err := p.Store.SequenceParents(ctx, leafSeq)
	if err != nil {
		return nil, err
	}
	for _, seq := range chain {
		if seq.InferenceJobID == nil {
			continue
		}
		ev, err := p.Store.GetInferenceEvent(ctx, *seq.InferenceJobID)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				continue
			}
			return nil, err
		}
		return p.Store.GetFoundationModel(ctx, ev.ModelRecordID)
	}

	if req.FallbackModelHumanID != "" {
		fm, err := p.Store.LatestModelForHumanID(ctx, req.FallbackModelHumanID)
		if err == nil {
			return fm, nil
		}
		if !errors.Is(err, history.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNoModel
}

// retrieve runs the retrieval orchestrator when a non-skip label (or the
// force flag) asks for it.
func (p *Pipeline) retrieve(ctx context.Context, req Request, model *datatypes.FoundationModel, messages []datatypes.ChatMessage, status *StatusHolder) (bool, string, error) {
	label := req.Retrieval
	if label == nil && p.ForceRAG {
		label = &datatypes.RetrievalLabel{Policy: datatypes.RetrievalSimple}
	}
	if label == nil || label.Policy == datatypes.RetrievalSkip || p.Knowledge == nil {
		return false, "", nil
	}
	if !label.Policy.IsValid() {
		return false, "", fmt.Errorf("unknown retrieval policy %q", label.Policy)
	}

	status.Push("retrieval")
	defer status.Pop()

	helper := func(ctx context.Context, reason datatypes.Reason, system, prompt string) (string, error) {
		return p.generateText(ctx, model, reason, system, prompt)
	}
	orch := retrieval.NewOrchestrator(p.Knowledge, helper, status.Set)
	prompt, err := orch.Augment(ctx, label, messages)
	if err != nil {
		return false, "", err
	}
	if prompt == "" {
		return false, "", nil
	}
	p.Metrics.ObserveRetrieval(string(label.Policy))
	return true, prompt, nil
}

// assemble builds the iterator chain over the upstream frames.
func (p *Pipeline) assemble(detached context.Context, req Request, run *Run, model *datatypes.FoundationModel, prompt string, upstream iterstream.Stream[datatypes.StreamFrame]) iterstream.Stream[datatypes.StreamFrame] {
	status := run.Status
	start := time.Now()
	var tokens int64
	p.Metrics.StreamOpened(req.Endpoint)

	// Per-token status updates.
	counted := iterstream.Tap(upstream, func(f datatypes.StreamFrame) error {
		if f.ResponseText() != "" || f.MessageContent() != "" {
			if tokens == 0 {
				p.Metrics.ObserveFirstToken(req.Endpoint, time.Since(start))
			}
			tokens++
			elapsed := time.Since(start).Seconds()
			if elapsed > 0 {
				status.Set(fmt.Sprintf("streaming: %d chunks (%.1f/s)", tokens, float64(tokens)/elapsed))
			}
		}
		return nil
	})

	// Developer-visible copy of the streamed text.
	out := p.TeeWriter
	if out == nil {
		out = os.Stdout
	}
	teed := iterstream.TeeToLog(counted, func(f datatypes.StreamFrame) string {
		if t := f.ResponseText(); t != "" {
			return t
		}
		return f.MessageContent()
	}, iterstream.DefaultTeeBufferLen, out)

	// Clients see the exact prompt before any content.
	promptFrame := datatypes.StreamFrame{
		datatypes.FrameKeyPromptText: prompt,
		datatypes.FrameKeyDone:       false,
	}
	withPrompt := iterstream.Prepend(promptFrame, teed)

	// Hide the upstream terminal; the gateway emits its own after commit.
	hidden := iterstream.Map(withPrompt, func(f datatypes.StreamFrame) (datatypes.StreamFrame, error) {
		if !f.Done() {
			return f, nil
		}
		out := f.Clone()
		out[datatypes.FrameKeyDone] = false
		return out, nil
	})

	// partial keeps the last good accumulator so a broken stream still
	// finalises with whatever was observed before the failure.
	var partial datatypes.StreamFrame
	consolidated := iterstream.ConsolidateAndYield(hidden,
		func(acc, f datatypes.StreamFrame) (datatypes.StreamFrame, error) {
			out, err := ConsolidateOllamaFrames(acc, f)
			if err == nil {
				partial = out
			}
			return out, err
		}, nil,
		func(cbCtx context.Context, acc datatypes.StreamFrame) (iterstream.Stream[datatypes.StreamFrame], error) {
			return p.finalize(detached, run, model, acc)
		})

	shaped := consolidated
	if req.ChatShape {
		shaped = RewriteGenerateToChat(consolidated)
	}

	guarded := p.guard(detached, req.Endpoint, run, start, &tokens, &partial, shaped)

	interval := p.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return iterstream.EmitKeepAlive(guarded, interval, func() datatypes.StreamFrame {
		p.Metrics.ObserveKeepAlive()
		return datatypes.KeepAliveFrame(model.HumanID, status.Get())
	})
}

// finalize commits the assistant turn and yields the terminal frame.
//
// Commit failures surface to the client as an {error, done:true} frame,
// never as a broken stream; the InferenceEvent keeps whatever was
// persisted before the failure.
func (p *Pipeline) finalize(ctx context.Context, run *Run, model *datatypes.FoundationModel, acc datatypes.StreamFrame) (iterstream.Stream[datatypes.StreamFrame], error) {
	run.Status.Set("finalizing")

	stats, err := statsFromConsolidated(acc)
	if err != nil {
		return p.finalizeError(ctx, run, err), nil
	}
	if err := p.Store.FinalizeInferenceEvent(ctx, run.EventID, stats); err != nil {
		return p.finalizeError(ctx, run, err), nil
	}

	msgID, seqID, err := p.Store.CommitAssistantTurn(ctx, history.AssistantTurn{
		EventID:        run.EventID,
		ParentSequence: run.SequenceID,
		Content:        consolidatedText(acc),
		CreatedAt:      stats.ResponseCreatedAt,
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		return p.finalizeError(ctx, run, err), nil
	}

	terminal := datatypes.StreamFrame{
		datatypes.FrameKeyNewMessageID:  msgID,
		datatypes.FrameKeyNewSequenceID: seqID,
		datatypes.FrameKeyDone:          true,
	}
	if name := p.maybeAutoname(ctx, run.SequenceID, model); name != "" {
		terminal[datatypes.FrameKeyAutoname] = name
	}
	return iterstream.FromSlice([]datatypes.StreamFrame{terminal}), nil
}

func (p *Pipeline) finalizeError(ctx context.Context, run *Run, cause error) iterstream.Stream[datatypes.StreamFrame] {
	slog.Error("Finalisation failed", "event_id", run.EventID, "error", cause)
	if !history.IsCommitError(cause) {
		if err := p.Store.MarkInferenceError(ctx, run.EventID, cause.Error()); err != nil {
			slog.Error("Failed to mark inference error", "event_id", run.EventID, "error", err)
		}
	}
	return iterstream.FromSlice([]datatypes.StreamFrame{datatypes.ErrorFrame(cause.Error())})
}

// guard converts mid-stream upstream failures into a terminal error frame
// and records metrics at stream end. On failure the partial accumulator's
// stats land on the event next to the error marker.
func (p *Pipeline) guard(ctx context.Context, endpoint string, run *Run, start time.Time, tokens *int64, partial *datatypes.StreamFrame, src iterstream.Stream[datatypes.StreamFrame]) iterstream.Stream[datatypes.StreamFrame] {
	var pendingEOF, finished bool
	return iterstream.Func[datatypes.StreamFrame](func(callCtx context.Context) (datatypes.StreamFrame, error) {
		if finished {
			return nil, io.EOF
		}
		if pendingEOF {
			finished = true
			return nil, io.EOF
		}
		f, err := src.Next(callCtx)
		if err == io.EOF {
			finished = true
			p.Metrics.ObserveStream(endpoint, "ok", time.Since(start), *tokens)
			p.Metrics.StreamClosed(endpoint)
			return nil, io.EOF
		}
		if err != nil {
			// No ChatSequence is created; the event keeps the partial
			// stats with the error marker next to them.
			if acc := *partial; acc != nil {
				if st, serr := statsFromConsolidated(acc); serr == nil {
					if perr := p.Store.RecordPartialStats(ctx, run.EventID, st); perr != nil {
						slog.Error("Failed to record partial stats",
							"event_id", run.EventID, "error", perr)
					}
				}
			}
			if markErr := p.Store.MarkInferenceError(ctx, run.EventID, err.Error()); markErr != nil {
				slog.Error("Failed to mark inference error",
					"event_id", run.EventID, "error", markErr)
			}
			p.Metrics.ObserveStream(endpoint, "error", time.Since(start), *tokens)
			p.Metrics.StreamClosed(endpoint)
			pendingEOF = true
			return datatypes.ErrorFrame(err.Error()), nil
		}
		return f, nil
	})
}
