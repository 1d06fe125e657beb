// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

const testDim = 4

// fakeEmbedder maps each distinct text to its own axis so similarity is
// exact for identical text and zero otherwise.
type fakeEmbedder struct {
	dim   int
	axes  map[string]int
	calls int
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, axes: make(map[string]int)}
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		axis, ok := f.axes[t]
		if !ok {
			axis = len(f.axes) % f.dim
			f.axes[t] = axis
		}
		v := make([]float32, f.dim)
		v[axis] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dim() int { return f.dim }

func testIndexConfig() config.IndexConfig {
	return config.IndexConfig{
		EmbeddingDim:   testDim,
		EmbedRateLimit: 1000,
		StoreTimeout:   time.Second,
		GCSchedule:     "@every 1h",
		MaxRetries:     2,
	}
}

func chunksFor(doc *datatypes.Document, contents ...string) []datatypes.Chunk {
	chunks := make([]datatypes.Chunk, len(contents))
	offset := 0
	for i, c := range contents {
		chunks[i] = datatypes.Chunk{
			DocumentID:   doc.ID,
			Version:      doc.Version,
			Seq:          i,
			Start:        offset,
			End:          offset + len(c),
			Content:      c,
			OverlapStart: offset,
		}
		offset += len(c)
	}
	return chunks
}

func TestNewIndexerRejectsDimensionMismatch(t *testing.T) {
	store := NewMemoryStore(testDim + 1)
	cfg := testIndexConfig()

	_, err := NewIndexer(newFakeEmbedder(testDim), store, cfg)
	require.Error(t, err, "disagreeing dimensions must refuse construction")
	assert.True(t, datatypes.IsDimensionMismatch(err))
}

func TestIndexEmbedsAndStoresChunks(t *testing.T) {
	store := NewMemoryStore(testDim)
	ix, err := NewIndexer(newFakeEmbedder(testDim), store, testIndexConfig())
	require.NoError(t, err)

	doc := &datatypes.Document{ID: "doc-1", Version: 1, Content: "alpha beta"}
	chunks := chunksFor(doc, "alpha ", "beta")

	embedded, err := ix.Index(context.Background(), doc, chunks)
	require.NoError(t, err)
	require.Len(t, embedded, 2)
	for _, c := range embedded {
		assert.Len(t, c.Vector, testDim, "every chunk should carry a vector")
	}
	assert.Equal(t, 2, store.Len())
}

func TestIndexIsIdempotentOnContent(t *testing.T) {
	store := NewMemoryStore(testDim)
	emb := newFakeEmbedder(testDim)
	ix, err := NewIndexer(emb, store, testIndexConfig())
	require.NoError(t, err)

	doc := &datatypes.Document{ID: "doc-1", Version: 1, Content: "same text"}
	chunks := chunksFor(doc, "same text")

	_, err = ix.Index(context.Background(), doc, chunks)
	require.NoError(t, err)
	countAfterFirst := store.Len()
	callsAfterFirst := emb.calls

	// Byte-identical content: no new embedding call, no new objects.
	_, err = ix.Index(context.Background(), doc, chunksFor(doc, "same text"))
	require.NoError(t, err)
	assert.Equal(t, countAfterFirst, store.Len(), "re-index of identical content must not add objects")
	assert.Equal(t, callsAfterFirst, emb.calls, "re-index of identical content must not re-embed")
}

func TestIndexMarksOlderVersionsStale(t *testing.T) {
	store := NewMemoryStore(testDim)
	ix, err := NewIndexer(newFakeEmbedder(testDim), store, testIndexConfig())
	require.NoError(t, err)
	ctx := context.Background()

	v1 := &datatypes.Document{ID: "doc-1", Version: 1, Content: "old words"}
	_, err = ix.Index(ctx, v1, chunksFor(v1, "old words"))
	require.NoError(t, err)

	v2 := &datatypes.Document{ID: "doc-1", Version: 2, Content: "new words"}
	embedded, err := ix.Index(ctx, v2, chunksFor(v2, "new words"))
	require.NoError(t, err)

	// Search must only ever surface the fresh version.
	hits, err := store.Search(ctx, embedded[0].Vector, SearchOptions{DocumentID: "doc-1", TopK: 10})
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, int64(2), h.Chunk.Version, "stale chunk leaked into search results")
	}

	// The sweep reclaims what the version bump made stale.
	deleted, err := store.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestForgetRemovesDocument(t *testing.T) {
	store := NewMemoryStore(testDim)
	ix, err := NewIndexer(newFakeEmbedder(testDim), store, testIndexConfig())
	require.NoError(t, err)
	ctx := context.Background()

	doc := &datatypes.Document{ID: "doc-1", Version: 1, Content: "content"}
	_, err = ix.Index(ctx, doc, chunksFor(doc, "content"))
	require.NoError(t, err)

	require.NoError(t, ix.Forget(ctx, "doc-1"))
	assert.Equal(t, 0, store.Len())

	// A re-index after Forget must not hit the content-hash shortcut.
	_, err = ix.Index(ctx, doc, chunksFor(doc, "content"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreSearchOrderingAndThreshold(t *testing.T) {
	store := NewMemoryStore(testDim)
	ctx := context.Background()

	near := []float32{1, 0, 0, 0}
	mid := []float32{0.7, 0.7, 0, 0}
	far := []float32{0, 0, 0, 1}

	require.NoError(t, store.Upsert(ctx, []datatypes.Chunk{
		{DocumentID: "d", Version: 1, Seq: 0, Content: "near", Vector: near},
		{DocumentID: "d", Version: 1, Seq: 1, Content: "mid", Vector: mid},
		{DocumentID: "d", Version: 1, Seq: 2, Content: "far", Vector: far},
	}))

	hits, err := store.Search(ctx, near, SearchOptions{DocumentID: "d", TopK: 10, MinCertainty: 0.6})
	require.NoError(t, err)
	require.Len(t, hits, 2, "orthogonal vector should fall below the threshold")
	assert.Equal(t, "near", hits[0].Chunk.Content)
	assert.Equal(t, "mid", hits[1].Chunk.Content)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryStoreRejectsWrongDimension(t *testing.T) {
	store := NewMemoryStore(testDim)
	ctx := context.Background()

	err := store.Upsert(ctx, []datatypes.Chunk{
		{DocumentID: "d", Version: 1, Seq: 0, Content: "bad", Vector: []float32{1, 0}},
	})
	require.Error(t, err)
	assert.True(t, datatypes.IsDimensionMismatch(err))

	_, err = store.Search(ctx, []float32{1, 0}, SearchOptions{TopK: 1})
	require.Error(t, err)
	assert.True(t, datatypes.IsDimensionMismatch(err))
}
