// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package index embeds document chunks and maintains them in a vector
// store for retrieval.
//
// Indexing is idempotent on content: chunk ids are derived from the
// chunk's identity and content hash, so re-upserting an unchanged
// document rewrites the same objects instead of accumulating
// duplicates. When a document version is re-indexed, chunks of older
// versions are marked stale so retrieval never serves offsets into a
// superseded snapshot; a background sweep reclaims them.
package index

import (
	"context"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// DocumentID restricts hits to one document when non-empty.
	DocumentID string

	// TopK is the maximum number of hits returned.
	TopK int

	// MinCertainty drops hits scoring below the threshold. Certainty is
	// normalized cosine similarity in [0,1].
	MinCertainty float64
}

// VectorStore is the persistence boundary for embedded chunks.
//
// Implementations classify their failures with *datatypes.RetrievalError:
// connectivity problems as store_unavailable (retryable), vector length
// disagreements as dimension_mismatch (fatal configuration error).
type VectorStore interface {
	// EnsureSchema creates the chunk class if it does not exist.
	// Idempotent.
	EnsureSchema(ctx context.Context) error

	// Upsert writes chunks with their vectors. Ids are deterministic in
	// the chunk identity and content, so identical input is a no-op at
	// the store level.
	Upsert(ctx context.Context, chunks []datatypes.Chunk) error

	// Search returns fresh chunks nearest to the query vector, best
	// score first. Stale chunks are never returned.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]datatypes.RetrievedChunk, error)

	// MarkStale flags every chunk of the document with version below
	// beforeVersion as stale, excluding it from retrieval immediately.
	MarkStale(ctx context.Context, documentID string, beforeVersion int64) error

	// SweepStale deletes stale chunks and reports how many went.
	SweepStale(ctx context.Context) (int, error)

	// DeleteDocument removes every chunk of a document, fresh or stale.
	DeleteDocument(ctx context.Context, documentID string) error

	// Dim is the vector dimensionality the store was configured with.
	Dim() int
}
