// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval turns an edit instruction into the context chunks
// that ground the completion prompt.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/index"
	"github.com/redline-ai/redline/services/llm"
)

// Coordinator embeds the query text and runs the similarity search.
//
// An empty result is a valid outcome, not an error: the orchestrator
// proceeds with an ungrounded prompt when nothing scores above the
// threshold.
type Coordinator struct {
	embedder llm.Embedder
	store    index.VectorStore
	cfg      config.RetrievalConfig
	tracer   trace.Tracer
}

// NewCoordinator wires the query embedder to the vector store.
func NewCoordinator(embedder llm.Embedder, store index.VectorStore, cfg config.RetrievalConfig) (*Coordinator, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if embedder.Dim() != store.Dim() {
		return nil, &datatypes.RetrievalError{
			Kind: datatypes.RetrievalDimensionMismatch,
			Err:  fmt.Errorf("embedder dim %d, store dim %d", embedder.Dim(), store.Dim()),
		}
	}
	return &Coordinator{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		tracer:   otel.Tracer("redline.retrieval"),
	}, nil
}

// Retrieve returns the chunks most similar to the query, best score
// first. Zero TopK or MinCertainty on the query fall back to the
// configured defaults.
func (c *Coordinator) Retrieve(ctx context.Context, q datatypes.RetrievalQuery) ([]datatypes.RetrievedChunk, error) {
	if q.TopK <= 0 {
		q.TopK = c.cfg.TopK
	}
	if q.MinCertainty <= 0 {
		q.MinCertainty = c.cfg.MinCertainty
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retrieval query: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "retrieval.Retrieve",
		trace.WithAttributes(
			attribute.String("document_id", q.DocumentID),
			attribute.Int("top_k", q.TopK),
			attribute.Float64("min_certainty", q.MinCertainty),
		))
	defer span.End()

	vectors, err := c.embedder.Embed(ctx, []string{q.Text()})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	hits, err := c.store.Search(ctx, vectors[0], index.SearchOptions{
		DocumentID:   q.DocumentID,
		TopK:         q.TopK,
		MinCertainty: q.MinCertainty,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	if len(hits) == 0 {
		slog.Debug("Retrieval returned no context above threshold",
			"document_id", q.DocumentID,
			"min_certainty", q.MinCertainty)
	}
	return hits, nil
}

// BuildContext renders retrieved chunks as a prompt section. Chunks
// appear in offset order regardless of score so the model reads the
// document in its natural sequence.
func BuildContext(hits []datatypes.RetrievedChunk) string {
	if len(hits) == 0 {
		return ""
	}

	ordered := make([]datatypes.RetrievedChunk, len(hits))
	copy(ordered, hits)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Chunk.Start < ordered[j].Chunk.Start
	})

	var b strings.Builder
	for i, h := range ordered {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(h.Chunk.Content)
	}
	return b.String()
}
