// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// MemoryStore is an in-process VectorStore for tests and local
// development. It scores with cosine similarity normalized to the same
// [0,1] certainty scale the Weaviate store reports.
type MemoryStore struct {
	mu     sync.RWMutex
	dim    int
	chunks map[string]datatypes.Chunk
}

// NewMemoryStore returns an empty in-memory store with the given
// dimensionality.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:    dim,
		chunks: make(map[string]datatypes.Chunk),
	}
}

// EnsureSchema implements VectorStore. Nothing to create.
func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(ctx context.Context, chunks []datatypes.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range chunks {
		if len(chunks[i].Vector) != s.dim {
			return dimensionMismatch(chunks[i].DocumentID, len(chunks[i].Vector), s.dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range chunks {
		c := chunks[i]
		s.chunks[string(chunkObjectID(&c))] = c
	}
	return nil
}

// Search implements VectorStore.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]datatypes.RetrievedChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != s.dim {
		return nil, dimensionMismatch(opts.DocumentID, len(vector), s.dim)
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []datatypes.RetrievedChunk
	for _, c := range s.chunks {
		if c.Stale {
			continue
		}
		if opts.DocumentID != "" && c.DocumentID != opts.DocumentID {
			continue
		}
		score := certainty(vector, c.Vector)
		if score < opts.MinCertainty {
			continue
		}
		hits = append(hits, datatypes.RetrievedChunk{Chunk: c, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return hits, nil
}

// MarkStale implements VectorStore.
func (s *MemoryStore) MarkStale(ctx context.Context, documentID string, beforeVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID && c.Version < beforeVersion {
			c.Stale = true
			s.chunks[id] = c
		}
	}
	return nil
}

// SweepStale implements VectorStore.
func (s *MemoryStore) SweepStale(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, c := range s.chunks {
		if c.Stale {
			delete(s.chunks, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteDocument implements VectorStore.
func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Dim implements VectorStore.
func (s *MemoryStore) Dim() int { return s.dim }

// Len reports the number of stored chunks, stale included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// certainty maps cosine similarity from [-1,1] onto [0,1].
func certainty(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}

var _ VectorStore = (*MemoryStore)(nil)
