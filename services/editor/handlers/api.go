// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the editor pipeline over HTTP: document
// ingestion and listing, streaming edits as SSE and websocket patch
// event sequences, and stream cancellation.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/redline-ai/redline/services/editor/chunker"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/ingest"
	"github.com/redline-ai/redline/services/editor/observability"
	"github.com/redline-ai/redline/services/editor/registry"
	"github.com/redline-ai/redline/services/editor/store"
	"github.com/redline-ai/redline/services/editor/stream"
)

// DocumentIndexer is the slice of the vector indexer the HTTP layer
// uses. *index.Indexer satisfies it.
type DocumentIndexer interface {
	Index(ctx context.Context, doc *datatypes.Document, chunks []datatypes.Chunk) ([]datatypes.Chunk, error)
	Forget(ctx context.Context, documentID string) error
}

// API bundles the pipeline collaborators the HTTP layer needs.
type API struct {
	streams  *stream.Orchestrator
	ingestor *ingest.Ingestor
	chunker  *chunker.Chunker
	indexer  DocumentIndexer
	store    store.DocumentStore
	registry *registry.Registry
	metrics  *observability.EditorMetrics
}

// NewAPI wires the handlers. indexer and metrics may be nil; indexing
// and instrumentation are then skipped.
func NewAPI(streams *stream.Orchestrator, ingestor *ingest.Ingestor, ch *chunker.Chunker,
	ix DocumentIndexer, st store.DocumentStore, reg *registry.Registry,
	metrics *observability.EditorMetrics) *API {

	return &API{
		streams:  streams,
		ingestor: ingestor,
		chunker:  ch,
		indexer:  ix,
		store:    st,
		registry: reg,
		metrics:  metrics,
	}
}

// Health reports liveness and the live stream count.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"active_streams": a.registry.ActiveTotal(),
	})
}

// documentSummary is the list-endpoint projection of a document.
type documentSummary struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Bytes   int    `json:"bytes"`
	Source  string `json:"source,omitempty"`
}

// CreateDocument ingests a content source, stores the resulting
// documents, and indexes them for retrieval.
func (a *API) CreateDocument(c *gin.Context) {
	var src datatypes.ContentSource
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	docs, err := a.ingestor.Ingest(c.Request.Context(), src)
	if err != nil {
		a.recordIngestError(err)
		var ie *datatypes.IngestionError
		if errors.As(err, &ie) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": ie.Error(), "kind": string(ie.Kind),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Sections of an oversized page are independent documents; store
	// and index them concurrently.
	g, gctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(4)
	for _, doc := range docs {
		g.Go(func() error {
			return a.storeAndIndex(gctx, doc)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Failed to store ingested documents",
			"source", src.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stored := make([]documentSummary, 0, len(docs))
	for _, doc := range docs {
		stored = append(stored, summarize(doc))
	}

	if a.metrics != nil {
		a.metrics.RecordIngest(true, string(src.Kind), len(stored))
	}
	c.JSON(http.StatusCreated, gin.H{"documents": stored})
}

// storeAndIndex commits one ingested document at the next version and
// makes it searchable. Re-ingesting an existing source supersedes the
// stored revision.
func (a *API) storeAndIndex(ctx context.Context, doc *datatypes.Document) error {
	var expected int64
	if existing, err := a.store.Load(ctx, doc.ID); err == nil {
		expected = existing.Version
	}
	doc.Version = expected + 1

	if err := a.store.Commit(ctx, doc, expected); err != nil {
		return err
	}

	if a.indexer == nil {
		return nil
	}
	chunks, err := a.chunker.Split(doc.ID, doc.Version, doc.Content)
	if err != nil {
		return err
	}
	embedded, err := a.indexer.Index(ctx, doc, chunks)
	if err != nil {
		// The document is stored and editable; retrieval degrades
		// until the next successful index pass.
		slog.Warn("Document stored but not indexed",
			"document_id", doc.ID, "error", err)
		return nil
	}
	if a.metrics != nil {
		a.metrics.ChunksIndexedTotal.Add(float64(len(embedded)))
	}
	return nil
}

// ListDocuments returns a summary of every stored document.
func (a *API) ListDocuments(c *gin.Context) {
	docs, err := a.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]documentSummary, 0, len(docs))
	for _, doc := range docs {
		out = append(out, summarize(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// GetDocument returns one document in full.
func (a *API) GetDocument(c *gin.Context) {
	doc, err := a.store.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// DeleteBySource removes every document ingested from the given source,
// from both the store and the vector index.
func (a *API) DeleteBySource(c *gin.Context) {
	source := c.Query("source")
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source query parameter is required"})
		return
	}

	docs, err := a.store.BySource(c.Request.Context(), source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	deleted := 0
	for _, doc := range docs {
		if a.indexer != nil {
			if err := a.indexer.Forget(c.Request.Context(), doc.ID); err != nil {
				slog.Warn("Could not remove document from the vector index",
					"document_id", doc.ID, "error", err)
			}
		}
		if err := a.store.Delete(c.Request.Context(), doc.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		deleted++
	}

	slog.Info("Deleted documents by source", "source", source, "count", deleted)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// CancelStream requests cooperative cancellation of a live stream.
func (a *API) CancelStream(c *gin.Context) {
	streamID := c.Param("id")
	if err := a.streams.Cancel(streamID); err != nil {
		if errors.Is(err, registry.ErrUnknownStream) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown stream"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stream_id": streamID, "status": "cancelling"})
}

func (a *API) recordIngestError(err error) {
	if a.metrics == nil {
		return
	}
	var ie *datatypes.IngestionError
	if errors.As(err, &ie) {
		a.metrics.RecordIngest(false, string(ie.Kind), 0)
		return
	}
	a.metrics.RecordIngest(false, "internal", 0)
}

func summarize(doc *datatypes.Document) documentSummary {
	s := documentSummary{ID: doc.ID, Version: doc.Version, Bytes: len(doc.Content)}
	if doc.Provenance != nil {
		s.Source = doc.Provenance.Source
	}
	return s
}
