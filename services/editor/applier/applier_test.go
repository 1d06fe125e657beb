// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package applier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/store"
)

func testApplier(t *testing.T) (*Applier, *store.BadgerStore) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	diffCfg := config.DiffConfig{
		LookaheadRunes: 48,
		FuzzyThreshold: 0.75,
		SearchRadius:   2048,
	}
	return New(config.ApplierConfig{MaxReresolutions: 2}, diffCfg, st), st
}

func seedDoc(t *testing.T, st *store.BadgerStore, id, content string) *datatypes.Document {
	t.Helper()
	doc := &datatypes.Document{ID: id, Version: 1, Content: content}
	require.NoError(t, st.Commit(context.Background(), doc, 0))
	return doc
}

func TestApplyReplacesAnchor(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "The cat sit.")
	s := a.OpenSession(doc)

	out, err := s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", BeforeText: "sit", AfterText: "sat",
		Context: "The cat ", SnapshotStart: 8,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, 8, out.Start)
	assert.Equal(t, 11, out.End)
	assert.Equal(t, int64(2), out.NewVersion)
	assert.Equal(t, "The cat sat.", s.Document().Content)

	v, err := s.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	stored, err := st.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "The cat sat.", stored.Content)
	assert.Equal(t, int64(2), stored.Version)
}

func TestApplyShiftsLaterAnchors(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "aaa bbb ccc")
	s := a.OpenSession(doc)

	out, err := s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", Seq: 0,
		BeforeText: "aaa", AfterText: "aaaaa", SnapshotStart: 0,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)

	// The second anchor's snapshot offset predates the first splice;
	// the session's shift moves the search to the right place.
	out, err = s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", Seq: 1,
		BeforeText: "ccc", AfterText: "C", Context: "aaa bbb ", SnapshotStart: 8,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, 10, out.Start)
	assert.Equal(t, "aaaaa bbb C", s.Document().Content)
	assert.Equal(t, int64(3), out.NewVersion)
}

func TestApplyInsertion(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "alpha gamma")
	s := a.OpenSession(doc)

	out, err := s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", AfterText: "beta ", Context: "alpha ", SnapshotStart: 6,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, out.Start, out.End, "insertions replace an empty span")
	assert.Equal(t, "alpha beta gamma", s.Document().Content)
}

func TestUnresolvedAnchorLeavesDocumentAlone(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "The cat sat.")
	s := a.OpenSession(doc)

	out, err := s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", BeforeText: "The dog barked loudly", AfterText: "x",
		SnapshotStart: 0,
	})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, datatypes.ReasonAnchorNotFound, out.Reason)
	assert.Equal(t, int64(1), s.Document().Version, "version must not move")
	assert.Equal(t, "The cat sat.", s.Document().Content)
}

func TestStaleResolutionIsReresolved(t *testing.T) {
	// The hunk was resolved against snapshot offsets, but the document
	// gained a prefix since: re-validation fails and the anchor is
	// located again instead of splicing at the stale offset.
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "NEW! The cat sit.")
	s := a.OpenSession(doc)

	out, err := s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", BeforeText: "sit", AfterText: "sat",
		Context: "The cat ", SnapshotStart: 8,
		Resolved: true, Start: 8, End: 11, Confidence: 1.0,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, 13, out.Start)
	assert.Equal(t, "NEW! The cat sat.", s.Document().Content)
}

func TestReresolutionCeilingSurfacesDocumentMutated(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "The cat sat.")
	s := a.OpenSession(doc)

	out, err := s.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", BeforeText: "zzz", AfterText: "x",
		Resolved: true, Start: 0, End: 3, Confidence: 1.0,
		Attempts: 2, // already at the ceiling
	})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, datatypes.ReasonDocumentMutated, out.Reason)
	assert.Equal(t, int64(1), s.Document().Version)
}

func TestCancelAfterSomeHunksKeepsExactlyThose(t *testing.T) {
	// A cancelled stream keeps what was already applied: version moves
	// by exactly the number of applied hunks and nothing is rolled back.
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "one two three")
	s := a.OpenSession(doc)

	hunks := []*datatypes.PatchHunk{
		{StreamID: "s-1", Seq: 0, BeforeText: "one", AfterText: "1", SnapshotStart: 0},
		{StreamID: "s-1", Seq: 1, BeforeText: "two", AfterText: "2", Context: "one ", SnapshotStart: 4},
		{StreamID: "s-1", Seq: 2, BeforeText: "three", AfterText: "3", Context: "two ", SnapshotStart: 8},
	}
	for _, h := range hunks[:2] {
		out, err := s.Apply(context.Background(), h)
		require.NoError(t, err)
		require.True(t, out.Applied)
	}
	// Stream cancelled here; the third hunk never arrives.

	v, err := s.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	stored, err := st.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "1 2 three", stored.Content)
}

func TestConcurrentCommitSurfacesVersionConflict(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "shared text here")

	s1 := a.OpenSession(doc)
	s2 := a.OpenSession(doc)

	out, err := s1.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-1", BeforeText: "shared", AfterText: "common", SnapshotStart: 0,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	_, err = s1.Commit(context.Background())
	require.NoError(t, err)

	out, err = s2.Apply(context.Background(), &datatypes.PatchHunk{
		StreamID: "s-2", BeforeText: "here", AfterText: "now", Context: "text ", SnapshotStart: 12,
	})
	require.NoError(t, err)
	require.True(t, out.Applied)

	_, err = s2.Commit(context.Background())
	var vc *datatypes.VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, int64(1), vc.Expected)
}

func TestCommitWithoutChangesIsANoop(t *testing.T) {
	a, st := testApplier(t)
	doc := seedDoc(t, st, "d1", "untouched")
	s := a.OpenSession(doc)

	v, err := s.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	stored, err := st.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}
