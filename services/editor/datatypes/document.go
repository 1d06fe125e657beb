// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model for the redline editor
// core: documents and their versioned chunks, patch hunks and anchor
// resolutions, stream lifecycle states, and the error taxonomy shared by
// every pipeline stage.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Document is the in-memory working copy of one editable document.
//
// # Invariants
//
//   - Version strictly increases on every successfully applied patch.
//   - No two patches commit against the same version concurrently; the
//     patch applier serializes all mutation per document.
//   - Chunks always belong to the version recorded on the document; a
//     version bump invalidates them for retrieval until re-indexed.
type Document struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Content string `json:"content"`

	// Chunks holds the retrieval units of the current version, in
	// offset order. Populated by the chunker, embedded by the indexer.
	Chunks []Chunk `json:"chunks,omitempty"`

	// Provenance is set for ingested documents and records where the
	// content came from. Nil for documents created directly.
	Provenance *Provenance `json:"provenance,omitempty"`
}

// ContentHash returns the hex SHA-256 of the document content. Used by
// the indexer to detect byte-identical re-index requests.
func (d *Document) ContentHash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}

// Chunk is one retrieval unit: a span of a specific document version
// together with its embedding vector.
//
// Offsets are byte offsets into the content of the version the chunk
// references, half-open [Start, End). They are always valid within that
// version; chunks from superseded versions are marked stale, excluded
// from retrieval, and eventually reclaimed.
type Chunk struct {
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`

	// Seq is the zero-based position of the chunk within its version.
	Seq int `json:"seq"`

	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`

	// OverlapStart is the byte offset where this chunk's non-overlap
	// region begins. For Seq 0 it equals Start; for later chunks it is
	// the end offset of the previous chunk. Concatenating
	// Content[OverlapStart-Start:] across a version in Seq order
	// reconstructs the original text exactly.
	OverlapStart int `json:"overlap_start"`

	Vector []float32 `json:"vector,omitempty"`
	Stale  bool      `json:"stale"`
}

// NonOverlap returns the part of the chunk content that is not shared
// with the preceding chunk.
func (c *Chunk) NonOverlap() string {
	return c.Content[c.OverlapStart-c.Start:]
}

// ContentHash returns the hex SHA-256 of the chunk content. The indexer
// derives deterministic vector-store ids from it so that re-upserting
// identical content is a no-op.
func (c *Chunk) ContentHash() string {
	sum := sha256.Sum256([]byte(c.Content))
	return hex.EncodeToString(sum[:])
}

// Provenance records where ingested content came from.
type Provenance struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SourceKind discriminates the closed set of ingestable content sources.
// Scraped HTML and plain text share a normalization path; the kind only
// selects how the raw bytes are obtained and cleaned.
type SourceKind string

const (
	// SourceText is raw plain text supplied inline.
	SourceText SourceKind = "text"
	// SourceMarkup is raw HTML markup supplied inline.
	SourceMarkup SourceKind = "markup"
	// SourceURL is a page fetched with a plain HTTP GET.
	SourceURL SourceKind = "url"
	// SourceRenderedURL is a page that needs script execution before
	// its content exists; fetched through a headless browser.
	SourceRenderedURL SourceKind = "rendered_url"
)

// ContentSource is the tagged input to the ingestor. Exactly one of
// Text, Markup, or URL is meaningful depending on Kind.
type ContentSource struct {
	Kind   SourceKind `json:"kind"`
	Name   string     `json:"name"`
	Text   string     `json:"text,omitempty"`
	Markup string     `json:"markup,omitempty"`
	URL    string     `json:"url,omitempty"`
}
