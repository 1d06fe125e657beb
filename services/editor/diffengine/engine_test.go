// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

func testDiffConfig() config.DiffConfig {
	return config.DiffConfig{
		LookaheadRunes: 4,
		FuzzyThreshold: 0.75,
		SearchRadius:   2048,
	}
}

// collect feeds deltas and returns every hunk across Feed and Finish.
func collect(t *testing.T, snapshot string, start, end int, deltas []string) []datatypes.PatchHunk {
	t.Helper()
	e, err := NewEngine("s-1", snapshot, start, end, testDiffConfig())
	require.NoError(t, err)

	var hunks []datatypes.PatchHunk
	for _, d := range deltas {
		hunks = append(hunks, e.Feed(d)...)
	}
	return append(hunks, e.Finish()...)
}

func TestPastTenseScenario(t *testing.T) {
	// "make it past tense": the model regenerates the sentence with one
	// word changed and appends chatter the engine must ignore.
	hunks := collect(t, "The cat sit.", 0, 0,
		[]string{"The", " cat", " sat.", " Done."})

	require.Len(t, hunks, 1)
	h := hunks[0]
	assert.Equal(t, "sit", h.BeforeText)
	assert.Equal(t, "sat", h.AfterText)
	assert.Equal(t, 8, h.SnapshotStart)

	res := NewResolver(testDiffConfig()).Resolve("The cat sit.", &h)
	require.True(t, res.Resolved)
	assert.Equal(t, 8, res.Start)
	assert.Equal(t, 11, res.End)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestUnchangedOutputProducesNoHunks(t *testing.T) {
	// Already past tense: the regenerated text matches, trailing
	// commentary is dropped.
	hunks := collect(t, "The cat sat.", 0, 0,
		[]string{"The", " cat", " sat.", " Done."})
	assert.Empty(t, hunks, "identical regeneration must not produce hunks")
}

func TestTailReplacementEmitted(t *testing.T) {
	// The output rewrites everything after "one ": both original text
	// and replacement text are present, so the tail is a real edit.
	hunks := collect(t, "one two three four", 0, 0, []string{"one 2"})

	require.Len(t, hunks, 1)
	assert.Equal(t, "two three four", hunks[0].BeforeText)
	assert.Equal(t, "2", hunks[0].AfterText)
	assert.Equal(t, 4, hunks[0].SnapshotStart)
}

func TestTruncatedOutputKeepsOriginalTail(t *testing.T) {
	// The model stopped early with nothing to replace the tail; the
	// rest of the region is retained, not deleted.
	hunks := collect(t, "one two three four", 0, 0, []string{"one two three"})
	assert.Empty(t, hunks, "a truncated regeneration must not delete the tail")
}

func TestInsertionHunk(t *testing.T) {
	hunks := collect(t, "alpha gamma delta", 0, 0,
		[]string{"alpha ", "beta ", "gamma", " delta"})

	require.Len(t, hunks, 1)
	h := hunks[0]
	assert.Empty(t, h.BeforeText, "a clean insertion has no anchor text")
	assert.Equal(t, "beta ", h.AfterText)
	assert.Equal(t, 6, h.SnapshotStart)
	assert.Equal(t, "alpha ", h.Context)

	res := NewResolver(testDiffConfig()).Resolve("alpha gamma delta", &h)
	require.True(t, res.Resolved)
	assert.Equal(t, 6, res.Start)
	assert.Equal(t, 6, res.End)
}

func TestMultipleHunksArriveInDocumentOrder(t *testing.T) {
	hunks := collect(t, "the red fox and the blue dog ran home", 0, 0,
		[]string{"the green fox ", "and the grey dog ", "ran home"})

	require.GreaterOrEqual(t, len(hunks), 2)
	for i := 1; i < len(hunks); i++ {
		assert.Greater(t, hunks[i].SnapshotStart, hunks[i-1].SnapshotStart,
			"hunks must be in document order")
		assert.GreaterOrEqual(t, hunks[i].SnapshotStart,
			hunks[i-1].SnapshotStart+len(hunks[i-1].BeforeText),
			"hunks must not overlap")
	}
	assert.Equal(t, "red", hunks[0].BeforeText)
	assert.Equal(t, "green", hunks[0].AfterText)
}

func TestRegionBoundsRespected(t *testing.T) {
	snapshot := "prefix MIDDLE suffix"
	hunks := collect(t, snapshot, 7, 13, []string{"CENTER"})

	require.Len(t, hunks, 1)
	h := hunks[0]
	assert.Equal(t, "MIDDLE", h.BeforeText)
	assert.Equal(t, "CENTER", h.AfterText)
	assert.Equal(t, 7, h.SnapshotStart)
}

func TestHunksWithheldUntilStable(t *testing.T) {
	e, err := NewEngine("s-1", "The cat sit.", 0, 0, testDiffConfig())
	require.NoError(t, err)

	// Everything so far is within the lookahead tail.
	assert.Empty(t, e.Feed("The"))
	assert.Empty(t, e.Feed(" cat"))

	var hunks []datatypes.PatchHunk
	hunks = append(hunks, e.Feed(" sat. And more text after")...)
	hunks = append(hunks, e.Finish()...)
	require.NotEmpty(t, hunks)
	assert.Equal(t, "sit", hunks[0].BeforeText)

	assert.Empty(t, e.Feed("late"), "a finished engine accepts no deltas")
}

func TestNewEngineValidatesRegion(t *testing.T) {
	_, err := NewEngine("s-1", "short", 3, 99, testDiffConfig())
	assert.Error(t, err)
	_, err = NewEngine("", "text", 0, 0, testDiffConfig())
	assert.Error(t, err)
}
