// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chunker splits normalized text into overlapping retrieval
// units with exact offset metadata.
//
// Windows are sized in runes so multi-byte text never splits inside a
// code point, while chunk offsets are byte offsets into the document
// content so retrieval hits map directly back into the live document.
// Concatenating the non-overlap regions of a version's chunks in order
// reconstructs the original text exactly; the indexer and the patch
// applier both rely on that invariant.
package chunker

import (
	"log/slog"
	"unicode/utf8"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

// Chunker produces ordered, overlapping chunks for one document version.
type Chunker struct {
	windowSize int
	overlap    int
}

// New creates a Chunker from configuration. The overlap is derived from
// the window size and the configured fraction, matching how the
// ingestion side sizes its sections.
func New(cfg config.ChunkerConfig) *Chunker {
	overlap := int(float64(cfg.WindowSize) * cfg.OverlapFraction)
	if overlap >= cfg.WindowSize {
		overlap = cfg.WindowSize - 1
	}
	return &Chunker{windowSize: cfg.WindowSize, overlap: overlap}
}

// Split cuts content into fixed-size windows with the configured
// overlap and returns them in offset order.
//
// Returns an IngestionError of kind empty_content when content is
// empty; an edit pipeline has nothing to retrieve against.
func (c *Chunker) Split(docID string, version int64, content string) ([]datatypes.Chunk, error) {
	if content == "" {
		return nil, &datatypes.IngestionError{
			Kind:   datatypes.IngestEmptyContent,
			Source: docID,
		}
	}

	runes := []rune(content)
	n := len(runes)
	step := c.windowSize - c.overlap

	// byteOff[i] is the byte offset of rune i; byteOff[n] == len(content).
	byteOff := make([]int, n+1)
	off := 0
	for i, r := range runes {
		byteOff[i] = off
		off += utf8.RuneLen(r)
	}
	byteOff[n] = off

	var chunks []datatypes.Chunk
	prevEnd := 0 // rune index where the previous chunk ended
	for start := 0; start < n; start += step {
		end := start + c.windowSize
		if end > n {
			end = n
		}
		overlapStart := start
		if prevEnd > start {
			overlapStart = prevEnd
		}
		chunks = append(chunks, datatypes.Chunk{
			DocumentID:   docID,
			Version:      version,
			Seq:          len(chunks),
			Start:        byteOff[start],
			End:          byteOff[end],
			OverlapStart: byteOff[overlapStart],
			Content:      content[byteOff[start]:byteOff[end]],
		})
		prevEnd = end
		if end == n {
			break
		}
	}

	slog.Debug("Split content into chunks",
		"document_id", docID,
		"version", version,
		"chunk_count", len(chunks),
		"window_size", c.windowSize,
		"overlap", c.overlap,
	)
	return chunks, nil
}

// Reconstruct rebuilds the original text from a version's chunks. It is
// the inverse of Split and exists so the round-trip invariant is
// checkable wherever chunks cross a trust boundary.
func Reconstruct(chunks []datatypes.Chunk) string {
	var out []byte
	for i := range chunks {
		out = append(out, chunks[i].NonOverlap()...)
	}
	return string(out)
}
