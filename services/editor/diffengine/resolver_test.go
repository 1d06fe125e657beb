// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

func TestResolveExactAtSnapshotOffset(t *testing.T) {
	r := NewResolver(testDiffConfig())
	h := &datatypes.PatchHunk{BeforeText: "sit", Context: "The cat ", SnapshotStart: 8}

	res := r.Resolve("The cat sit.", h)
	require.True(t, res.Resolved)
	assert.Equal(t, 8, res.Start)
	assert.Equal(t, 11, res.End)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestResolveExactAfterDrift(t *testing.T) {
	// Text was prepended after the snapshot was taken; the anchor is
	// still verbatim, just shifted.
	r := NewResolver(testDiffConfig())
	h := &datatypes.PatchHunk{BeforeText: "sit", Context: "The cat ", SnapshotStart: 8}

	res := r.Resolve("NEW! The cat sit.", h)
	require.True(t, res.Resolved)
	assert.Equal(t, 13, res.Start)
	assert.Equal(t, 16, res.End)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestResolveAmbiguousRepeats(t *testing.T) {
	// Two verbatim occurrences and no context to tell them apart.
	r := NewResolver(testDiffConfig())
	h := &datatypes.PatchHunk{BeforeText: "hi", SnapshotStart: 0}

	res := r.Resolve("say hi and say hi again", h)
	require.False(t, res.Resolved)
	assert.Equal(t, datatypes.ReasonAmbiguousMatch, res.Reason)
}

func TestResolveRepeatsDisambiguatedByContext(t *testing.T) {
	r := NewResolver(testDiffConfig())
	h := &datatypes.PatchHunk{BeforeText: "hi", Context: "and say ", SnapshotStart: 0}

	res := r.Resolve("say hi and say hi again", h)
	require.True(t, res.Resolved)
	assert.Equal(t, 15, res.Start)
	assert.Equal(t, 17, res.End)
}

func TestResolveFuzzyAboveThreshold(t *testing.T) {
	// A typo landed inside the anchor since the snapshot; fuzzy match
	// accepts it and reports a sub-exact confidence.
	r := NewResolver(testDiffConfig())
	h := &datatypes.PatchHunk{BeforeText: "quick brown", SnapshotStart: 4}

	doc := "the quikc brown fox"
	res := r.Resolve(doc, h)
	require.True(t, res.Resolved)
	assert.Equal(t, "quikc brown", doc[res.Start:res.End])
	assert.Greater(t, res.Confidence, 0.75)
	assert.Less(t, res.Confidence, 1.0)
}

func TestResolveAnchorRemovedFromDocument(t *testing.T) {
	r := NewResolver(testDiffConfig())
	h := &datatypes.PatchHunk{BeforeText: "sit", Context: "The cat ", SnapshotStart: 8}

	res := r.Resolve("The dog barks.", h)
	require.False(t, res.Resolved)
	assert.Equal(t, datatypes.ReasonAnchorNotFound, res.Reason)
}

func TestResolveLongAnchorFuzzy(t *testing.T) {
	// Anchors longer than the bitap pattern ceiling are located by a
	// truncated pattern and scored against the full anchor.
	r := NewResolver(testDiffConfig())
	anchor := "the quick brown fox jumps over the lazy dog"
	h := &datatypes.PatchHunk{BeforeText: anchor, SnapshotStart: 0}

	doc := "the quick brown fox jumps over the lazy hog"
	res := r.Resolve(doc, h)
	require.True(t, res.Resolved)
	assert.Equal(t, 0, res.Start)
	assert.Equal(t, len(doc), res.End)
	assert.Greater(t, res.Confidence, 0.9)
}

func TestResolveInsertion(t *testing.T) {
	r := NewResolver(testDiffConfig())

	t.Run("by context", func(t *testing.T) {
		h := &datatypes.PatchHunk{Context: "alpha ", SnapshotStart: 6}
		res := r.Resolve("alpha gamma delta", h)
		require.True(t, res.Resolved)
		assert.Equal(t, 6, res.Start)
		assert.Equal(t, 6, res.End)
	})

	t.Run("ambiguous context", func(t *testing.T) {
		h := &datatypes.PatchHunk{Context: "ab ", SnapshotStart: 3}
		res := r.Resolve("ab x ab y", h)
		require.False(t, res.Resolved)
		assert.Equal(t, datatypes.ReasonAmbiguousMatch, res.Reason)
	})

	t.Run("context gone", func(t *testing.T) {
		h := &datatypes.PatchHunk{Context: "zz ", SnapshotStart: 3}
		res := r.Resolve("ab x ab y", h)
		require.False(t, res.Resolved)
		assert.Equal(t, datatypes.ReasonAnchorNotFound, res.Reason)
	})

	t.Run("document start", func(t *testing.T) {
		h := &datatypes.PatchHunk{SnapshotStart: 0}
		res := r.Resolve("anything", h)
		require.True(t, res.Resolved)
		assert.Equal(t, 0, res.Start)
		assert.Equal(t, 0, res.End)
	})
}

func TestRenderUnresolved(t *testing.T) {
	h := &datatypes.PatchHunk{BeforeText: "old line", AfterText: "new line"}

	out := RenderUnresolved(h)
	assert.Contains(t, out, "a/document")
	assert.Contains(t, out, "b/document")
	assert.Contains(t, out, "-old line")
	assert.Contains(t, out, "+new line")
}

func TestRenderUnresolvedInsertionOnly(t *testing.T) {
	h := &datatypes.PatchHunk{AfterText: "first\nsecond"}

	out := RenderUnresolved(h)
	assert.Contains(t, out, "+first")
	assert.Contains(t, out, "+second")
	assert.False(t, strings.Contains(out, "\n-"), "no original lines to remove")
}
