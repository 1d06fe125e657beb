// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/llm"
)

// retryBaseDelay is the first backoff delay for store-unavailable
// retries; it doubles per attempt.
const retryBaseDelay = 500 * time.Millisecond

// Indexer embeds chunks and keeps the vector store in sync with
// document versions.
//
// # Invariants
//
//   - Indexing is idempotent on content: re-indexing a byte-identical
//     document is a no-op, enforced both here (content-hash shortcut)
//     and at the store (deterministic object ids).
//   - After Index returns, no fresh chunk of an older version of the
//     document remains searchable.
//   - A dimension mismatch between the embedder and the store is
//     detected at construction and refuses to build the indexer.
type Indexer struct {
	embedder llm.Embedder
	store    VectorStore
	limiter  *rate.Limiter
	cfg      config.IndexConfig
	tracer   trace.Tracer

	gc *cron.Cron

	mu      sync.Mutex
	indexed map[string]string // document id → content hash last indexed
}

// NewIndexer wires an embedder to a vector store.
//
// The embedding dimension is fixed system-wide: the embedder, the
// store, and the configuration must agree or construction fails with a
// dimension-mismatch error.
func NewIndexer(embedder llm.Embedder, store VectorStore, cfg config.IndexConfig) (*Indexer, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if embedder.Dim() != cfg.EmbeddingDim || store.Dim() != cfg.EmbeddingDim {
		return nil, &datatypes.RetrievalError{
			Kind: datatypes.RetrievalDimensionMismatch,
			Err: fmt.Errorf("embedder dim %d, store dim %d, configured dim %d",
				embedder.Dim(), store.Dim(), cfg.EmbeddingDim),
		}
	}

	return &Indexer{
		embedder: embedder,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(cfg.EmbedRateLimit), 1),
		cfg:      cfg,
		tracer:   otel.Tracer("redline.index"),
		indexed:  make(map[string]string),
	}, nil
}

// Index embeds the chunks of one document version and upserts them,
// then marks every older version of the document stale.
//
// Chunks arrive from the chunker without vectors; Index fills them in
// and returns the embedded copies.
func (ix *Indexer) Index(ctx context.Context, doc *datatypes.Document, chunks []datatypes.Chunk) ([]datatypes.Chunk, error) {
	ctx, span := ix.tracer.Start(ctx, "index.Index",
		trace.WithAttributes(
			attribute.String("document_id", doc.ID),
			attribute.Int64("version", doc.Version),
			attribute.Int("chunks", len(chunks)),
		))
	defer span.End()

	hash := doc.ContentHash()
	ix.mu.Lock()
	if prev, ok := ix.indexed[doc.ID]; ok && prev == hash {
		ix.mu.Unlock()
		slog.Debug("Skipping re-index of unchanged content",
			"document_id", doc.ID, "version", doc.Version)
		span.SetAttributes(attribute.Bool("skipped", true))
		return chunks, nil
	}
	ix.mu.Unlock()

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}

	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks of %s: %w", len(chunks), doc.ID, err)
	}
	if len(vectors) != len(chunks) {
		return nil, &datatypes.RetrievalError{
			Kind: datatypes.RetrievalStoreUnavailable,
			Err:  fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)),
		}
	}
	for i := range chunks {
		if len(vectors[i]) != ix.cfg.EmbeddingDim {
			return nil, &datatypes.RetrievalError{
				Kind: datatypes.RetrievalDimensionMismatch,
				Err: fmt.Errorf("chunk %d of %s: embedder returned %d dimensions, expected %d",
					chunks[i].Seq, doc.ID, len(vectors[i]), ix.cfg.EmbeddingDim),
			}
		}
		chunks[i].Vector = vectors[i]
	}

	if err := ix.withRetry(ctx, "upsert", func(callCtx context.Context) error {
		return ix.store.Upsert(callCtx, chunks)
	}); err != nil {
		return nil, err
	}

	if err := ix.withRetry(ctx, "mark_stale", func(callCtx context.Context) error {
		return ix.store.MarkStale(callCtx, doc.ID, doc.Version)
	}); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	ix.indexed[doc.ID] = hash
	ix.mu.Unlock()

	slog.Info("Indexed document version",
		"document_id", doc.ID,
		"version", doc.Version,
		"chunks", len(chunks))
	return chunks, nil
}

// Forget drops the indexer's content-hash memory of a document and
// removes its chunks from the store. Used when a document is deleted.
func (ix *Indexer) Forget(ctx context.Context, documentID string) error {
	ix.mu.Lock()
	delete(ix.indexed, documentID)
	ix.mu.Unlock()

	return ix.withRetry(ctx, "delete_document", func(callCtx context.Context) error {
		return ix.store.DeleteDocument(callCtx, documentID)
	})
}

// withRetry runs one store call under the timeout, retrying retryable
// failures with doubling backoff up to the configured ceiling.
func (ix *Indexer) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= ix.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying vector store call",
				"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, ix.cfg.StoreTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		var re *datatypes.RetrievalError
		if !errors.As(err, &re) || !re.Retryable() {
			return err
		}
	}
	return lastErr
}

// StartGC schedules the stale-chunk sweep on the configured cron spec.
func (ix *Indexer) StartGC() error {
	if ix.gc != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(ix.cfg.GCSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), ix.cfg.StoreTimeout)
		defer cancel()

		deleted, err := ix.store.SweepStale(ctx)
		if err != nil {
			slog.Warn("Stale chunk sweep failed", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("Swept stale chunks", "deleted", deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling stale sweep %q: %w", ix.cfg.GCSchedule, err)
	}
	ix.gc = c
	c.Start()
	return nil
}

// StopGC halts the sweep schedule and waits for a running sweep.
func (ix *Indexer) StopGC() {
	if ix.gc == nil {
		return
	}
	<-ix.gc.Stop().Done()
	ix.gc = nil
}
