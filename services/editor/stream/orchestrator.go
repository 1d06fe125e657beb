// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream runs one edit stream end to end: quota admission,
// retrieval, prompt assembly, provider streaming, incremental diffing,
// and patch application, all overlapped.
//
// Each stream is a state machine Idle → Streaming → {Completed,
// Cancelled, Failed}; the registry owns the transitions and the quota
// slot. Provider deltas flow over a bounded channel, so a slow diff or
// apply pass pauses the pull instead of buffering without limit.
// Cancellation is cooperative: the stream notices at its suspension
// points, keeps everything already applied, and discards the rest.
package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redline-ai/redline/services/editor/applier"
	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/diffengine"
	"github.com/redline-ai/redline/services/editor/registry"
	"github.com/redline-ai/redline/services/editor/retrieval"
	"github.com/redline-ai/redline/services/editor/store"
	"github.com/redline-ai/redline/services/llm"
)

const (
	// eventBuffer is the capacity of a stream's outgoing event channel.
	eventBuffer = 64

	// emitTimeout bounds how long a stalled consumer can hold up the
	// pipeline before an event is dropped.
	emitTimeout = 5 * time.Second
)

const systemPrompt = `You are a precise text editor. You will be given document context, a region of a document, and an instruction. Rewrite the region according to the instruction. Output only the rewritten region text, with no preamble, explanation, or quotation marks. Leave everything you were not asked to change exactly as it is.`

// ReindexFunc is called after a successful commit so the new document
// version becomes searchable.
type ReindexFunc func(ctx context.Context, doc *datatypes.Document)

// Orchestrator coordinates edit streams.
type Orchestrator struct {
	cfg     config.StreamConfig
	diffCfg config.DiffConfig

	client    llm.Client
	retriever *retrieval.Coordinator
	applier   *applier.Applier
	registry  *registry.Registry
	store     store.DocumentStore
	reindex   ReindexFunc

	tracer trace.Tracer
}

// New wires the orchestrator's collaborators.
func New(cfg config.StreamConfig, diffCfg config.DiffConfig, client llm.Client,
	retriever *retrieval.Coordinator, ap *applier.Applier, reg *registry.Registry,
	st store.DocumentStore) *Orchestrator {

	return &Orchestrator{
		cfg:       cfg,
		diffCfg:   diffCfg,
		client:    client,
		retriever: retriever,
		applier:   ap,
		registry:  reg,
		store:     st,
		tracer:    otel.Tracer("redline.stream"),
	}
}

// SetReindex installs the post-commit re-index hook.
func (o *Orchestrator) SetReindex(fn ReindexFunc) { o.reindex = fn }

// Cancel requests cooperative cancellation of a live stream. Hunks
// already applied stay applied.
func (o *Orchestrator) Cancel(streamID string) error {
	return o.registry.Cancel(streamID)
}

// Start validates and admits one edit stream, then runs it in the
// background. The returned channel carries the ordered event sequence
// and is closed when the stream reaches a terminal state.
//
// Quota rejection returns a QuotaExceededError and leaves no trace in
// the registry.
func (o *Orchestrator) Start(ctx context.Context, req *datatypes.EditRequest) (<-chan datatypes.PatchEvent, error) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	doc, err := o.store.Load(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if req.AnchorEnd > len(doc.Content) || req.AnchorStart > len(doc.Content) {
		return nil, &datatypes.ValidationError{
			Field: "anchor_end", Message: "beyond the end of the document",
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if _, err := o.registry.Register(req.ID, req.UserID, req.DocumentID, cancel); err != nil {
		cancel()
		return nil, err
	}

	events := make(chan datatypes.PatchEvent, eventBuffer)
	go o.run(streamCtx, req, doc, events)
	return events, nil
}

// run drives one stream to a terminal state. It owns the event channel
// and the registry entry.
func (o *Orchestrator) run(ctx context.Context, req *datatypes.EditRequest, doc *datatypes.Document, events chan datatypes.PatchEvent) {
	defer close(events)
	defer func() {
		if err := o.registry.Release(req.ID); err != nil {
			slog.Error("Failed to release stream registry entry",
				"stream_id", req.ID, "error", err)
		}
	}()

	ctx, span := o.tracer.Start(ctx, "stream.run",
		trace.WithAttributes(
			attribute.String("stream_id", req.ID),
			attribute.String("document_id", req.DocumentID),
		))
	defer span.End()

	em := &emitter{streamID: req.ID, events: events}

	if err := o.registry.Transition(req.ID, datatypes.StreamStreaming); err != nil {
		o.fail(req.ID, em, err)
		return
	}

	contextText := o.retrieveContext(ctx, req)

	engine, err := diffengine.NewEngine(req.ID, doc.Content, req.AnchorStart, req.AnchorEnd, o.diffCfg)
	if err != nil {
		o.fail(req.ID, em, err)
		return
	}
	session := o.applier.OpenSession(doc)
	messages := buildMessages(req, regionText(doc.Content, req), contextText)

	acc := NewAccumulator()
	defer acc.Destroy()

	delay := o.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		started, err := o.streamOnce(ctx, messages, acc, engine, session, em)
		if err == nil {
			return // finished; streamOnce emitted the terminal event
		}
		if ctx.Err() != nil {
			o.cancelled(ctx, req.ID, session, em)
			return
		}

		var pe *llm.ProviderError
		transient := errors.As(err, &pe) && pe.Transient
		if !transient || started || attempt > o.cfg.MaxRetries {
			o.fail(req.ID, em, streamFailure(err, attempt))
			return
		}

		slog.Warn("Transient provider failure, retrying",
			"stream_id", req.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			o.cancelled(ctx, req.ID, session, em)
			return
		}
		delay *= 2
	}
}

// streamOnce makes one provider attempt: pull deltas over the bounded
// channel, feed the engine, apply hunks as they settle, and finish the
// stream when the provider signals completion. started reports whether
// any output was consumed; a stream that produced output is never
// retried from scratch.
func (o *Orchestrator) streamOnce(ctx context.Context, messages []llm.Message,
	acc TokenAccumulator, engine *diffengine.Engine, session *applier.Session,
	em *emitter) (started bool, err error) {

	pctx, pcancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer pcancel()

	deltas := make(chan string, o.cfg.DeltaBuffer)
	pull := make(chan error, 1)
	go func() {
		err := o.client.ChatStream(pctx, messages, llm.GenerationParams{}, func(ev llm.StreamEvent) error {
			if ev.Type != llm.StreamEventToken {
				return nil
			}
			select {
			case deltas <- ev.Content:
				return nil
			case <-pctx.Done():
				return pctx.Err()
			}
		})
		pull <- err
		close(deltas)
	}()

	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				if err := <-pull; err != nil {
					return started, err
				}
				return started, o.finish(ctx, acc, engine, session, em)
			}
			started = true
			if err := acc.Write(d); err != nil {
				return started, err
			}
			o.applyHunks(ctx, engine.Feed(d), session, em)
		case <-ctx.Done():
			return started, ctx.Err()
		}
	}
}

// finish flushes the engine, applies the final hunks, commits, and
// completes the stream.
func (o *Orchestrator) finish(ctx context.Context, acc TokenAccumulator,
	engine *diffengine.Engine, session *applier.Session, em *emitter) error {

	o.applyHunks(ctx, engine.Finish(), session, em)

	newVersion, err := session.Commit(ctx)
	if err != nil {
		return err
	}

	_, outputHash, err := acc.Finalize()
	if err != nil {
		slog.Warn("Could not finalize output accumulator", "stream_id", em.streamID, "error", err)
	} else {
		slog.Debug("Stream output finalized",
			"stream_id", em.streamID, "output_sha256", outputHash)
	}

	if err := o.registry.Transition(em.streamID, datatypes.StreamCompleted); err != nil {
		slog.Error("Completed stream could not transition", "stream_id", em.streamID, "error", err)
	}
	em.emit(datatypes.PatchEvent{
		Type:       datatypes.EventStreamCompleted,
		NewVersion: newVersion,
	})

	if o.reindex != nil && newVersion > 0 {
		go o.reindex(context.WithoutCancel(ctx), session.Document())
	}
	return nil
}

// applyHunks anchors and splices each hunk, emitting one event per
// outcome. Before the first splice the session picks up any newer store
// revision, so anchors are checked against the document as it is now.
func (o *Orchestrator) applyHunks(ctx context.Context, hunks []datatypes.PatchHunk,
	session *applier.Session, em *emitter) {

	if len(hunks) == 0 {
		return
	}
	if current, err := o.store.Load(ctx, session.Document().ID); err == nil {
		session.Refresh(current)
	}

	for i := range hunks {
		h := &hunks[i]
		out, err := session.Apply(ctx, h)
		if err != nil {
			slog.Error("Hunk application failed",
				"stream_id", h.StreamID, "seq", h.Seq, "error", err)
			continue
		}
		if out.Applied {
			em.emit(datatypes.PatchEvent{
				Type:       datatypes.EventHunkApplied,
				Offsets:    [2]int{out.Start, out.End},
				Text:       h.AfterText,
				NewVersion: out.NewVersion,
			})
			continue
		}
		em.emit(datatypes.PatchEvent{
			Type:          datatypes.EventHunkUnresolved,
			Reason:        out.Reason,
			GeneratedText: h.AfterText,
			Diff:          diffengine.RenderUnresolved(h),
		})
	}
}

// cancelled finishes a cancelled stream: applied hunks stay, buffered
// output is discarded, and the cancellation is the terminal event.
func (o *Orchestrator) cancelled(ctx context.Context, streamID string,
	session *applier.Session, em *emitter) {

	if err := o.registry.Transition(streamID, datatypes.StreamCancelled); err != nil {
		slog.Error("Cancelled stream could not transition", "stream_id", streamID, "error", err)
	}
	if _, err := session.Commit(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("Could not commit applied hunks of a cancelled stream",
			"stream_id", streamID, "error", err)
	}
	em.emit(datatypes.PatchEvent{Type: datatypes.EventStreamCancelled})
	slog.Info("Stream cancelled", "stream_id", streamID)
}

// fail marks the stream failed and emits the terminal event.
func (o *Orchestrator) fail(streamID string, em *emitter, cause error) {
	if err := o.registry.Transition(streamID, datatypes.StreamFailed); err != nil {
		slog.Error("Failed stream could not transition", "stream_id", streamID, "error", err)
	}
	em.emit(datatypes.PatchEvent{
		Type:  datatypes.EventStreamFailed,
		Error: cause.Error(),
	})
	slog.Error("Stream failed", "stream_id", streamID, "error", cause)
}

// retrieveContext runs similarity search for the request. Retrieval is
// best-effort: an unavailable vector store degrades the prompt, it does
// not kill the edit.
func (o *Orchestrator) retrieveContext(ctx context.Context, req *datatypes.EditRequest) string {
	if o.retriever == nil {
		return ""
	}
	hits, err := o.retriever.Retrieve(ctx, datatypes.RetrievalQuery{
		DocumentID:   req.DocumentID,
		Instruction:  req.Instruction,
		LocalContext: req.LocalContext,
		TopK:         req.TopK,
		MinCertainty: req.MinCertainty,
	})
	if err != nil {
		slog.Warn("Retrieval failed, continuing without document context",
			"stream_id", req.ID, "error", err)
		return ""
	}
	return retrieval.BuildContext(hits)
}

// streamFailure wraps a provider failure in the stream error taxonomy.
func streamFailure(err error, attempts int) error {
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		return err
	}
	kind := datatypes.StreamProviderUnavailable
	switch {
	case pe.RateLimited:
		kind = datatypes.StreamRateLimited
	case !pe.Transient:
		kind = datatypes.StreamMalformedResponse
	}
	return &datatypes.StreamError{Kind: kind, Attempts: attempts, Err: err}
}

// regionText extracts the anchor region for the prompt.
func regionText(content string, req *datatypes.EditRequest) string {
	end := req.AnchorEnd
	if end == 0 || end > len(content) {
		end = len(content)
	}
	return content[req.AnchorStart:end]
}

// buildMessages assembles the completion conversation.
func buildMessages(req *datatypes.EditRequest, region, contextText string) []llm.Message {
	var b strings.Builder
	if contextText != "" {
		b.WriteString("Relevant document context:\n\n")
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	b.WriteString("Region to revise:\n\n")
	b.WriteString(region)
	b.WriteString("\n\nInstruction: ")
	b.WriteString(req.Instruction)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// emitter stamps, hash-chains, and delivers the event sequence. Hash
// covers the event content and PrevHash links it to its predecessor, so
// a client can detect gaps or tampering.
type emitter struct {
	streamID string
	events   chan<- datatypes.PatchEvent
	prevHash string
}

func (em *emitter) emit(ev datatypes.PatchEvent) {
	ev.ID = uuid.New().String()
	ev.StreamID = em.streamID
	ev.CreatedAt = time.Now().UnixMilli()
	ev.PrevHash = em.prevHash
	ev.Hash = eventHash(&ev)
	em.prevHash = ev.Hash

	select {
	case em.events <- ev:
	case <-time.After(emitTimeout):
		slog.Warn("Dropping patch event on a stalled consumer",
			"stream_id", em.streamID, "type", ev.Type)
	}
}

// eventHash is the hex SHA-256 of the event serialized with an empty
// Hash field.
func eventHash(ev *datatypes.PatchEvent) string {
	clone := *ev
	clone.Hash = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the chain moving.
		data = []byte(fmt.Sprintf("%v", clone))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
