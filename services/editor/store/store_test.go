// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err, "in-memory store should open")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &datatypes.Document{ID: "doc-1", Version: 1, Content: "The cat sit."}
	require.NoError(t, s.Commit(ctx, doc, 0), "first commit against version 0 should succeed")

	got, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "The cat sit.", got.Content)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Load(context.Background(), "no-such-doc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitStaleVersionRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &datatypes.Document{ID: "doc-1", Version: 1, Content: "v1"}
	require.NoError(t, s.Commit(ctx, doc, 0))

	doc2 := &datatypes.Document{ID: "doc-1", Version: 2, Content: "v2"}
	require.NoError(t, s.Commit(ctx, doc2, 1))

	// A writer that still believes the store holds version 1 must fail.
	stale := &datatypes.Document{ID: "doc-1", Version: 2, Content: "stale"}
	err := s.Commit(ctx, stale, 1)
	require.Error(t, err, "stale expected version should be rejected")

	var conflict *datatypes.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	// Stored content must be untouched by the rejected write.
	got, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &datatypes.Document{ID: "doc-1", Version: 1, Content: "x"}
	require.NoError(t, s.Commit(ctx, doc, 0))
	require.NoError(t, s.Delete(ctx, "doc-1"))
	require.NoError(t, s.Delete(ctx, "doc-1"), "deleting an absent id is a no-op")

	_, err := s.Load(ctx, "doc-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListDropsChunkPayloads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &datatypes.Document{
		ID:      "doc-1",
		Version: 1,
		Content: "hello world",
		Chunks: []datatypes.Chunk{
			{DocumentID: "doc-1", Version: 1, Seq: 0, Start: 0, End: 11, Content: "hello world"},
		},
	}
	require.NoError(t, s.Commit(ctx, doc, 0))
	require.NoError(t, s.Commit(ctx, &datatypes.Document{ID: "doc-2", Version: 1, Content: "other"}, 0))

	docs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Nil(t, d.Chunks, "listings should not carry chunk payloads")
	}
}

func TestBySourceMatchesProvenance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, &datatypes.Document{
		ID: "doc-1", Version: 1, Content: "a",
		Provenance: &datatypes.Provenance{Source: "https://example.com/page", FetchedAt: time.Now()},
	}, 0))
	require.NoError(t, s.Commit(ctx, &datatypes.Document{
		ID: "doc-2", Version: 1, Content: "b",
	}, 0))

	matched, err := s.BySource(ctx, "https://example.com/page")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "doc-1", matched[0].ID)

	none, err := s.BySource(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
