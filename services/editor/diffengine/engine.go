// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diffengine aligns a model's accumulating output against the
// document snapshot it is revising and produces ordered patch hunks.
//
// The engine never sees the live document. It works entirely against
// the stream's context snapshot and emits candidate hunks carrying
// snapshot offsets; the Resolver then locates each anchor in the
// current document text, which may have drifted since the snapshot.
//
// Hunks are emitted only once the generated segment behind them has
// stabilized: a configurable lookahead tail of the output is always
// held back, and within the stable prefix the trailing unmatched run is
// withheld until more context arrives. This keeps the engine from
// committing to an alignment the model is still in the middle of
// revising.
package diffengine

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

// contextBytes is how much preceding snapshot text each hunk carries
// for positioning pure insertions and disambiguating short anchors.
const contextBytes = 32

// minSettledEqual is the shortest equal run that counts as a settled
// alignment point mid-stream. Shorter equalities inside the unmatched
// tail are usually accidents of aligning complete original text with
// incomplete output.
const minSettledEqual = 4

// maxWordBackoff caps how far the consumption boundary is pulled back
// to avoid splitting a word across two diff passes.
const maxWordBackoff = 24

// Engine incrementally diffs one stream's generated output against the
// anchor region of its document snapshot.
//
// Not safe for concurrent use; a stream owns its engine.
type Engine struct {
	cfg      config.DiffConfig
	streamID string

	snapshot    string
	regionStart int
	regionEnd   int

	dmp *diffmatchpatch.DiffMatchPatch

	generated strings.Builder

	// genConsumed and origConsumed are the byte offsets, into the
	// generated output and the snapshot region respectively, behind
	// which hunks have already been emitted.
	genConsumed  int
	origConsumed int

	nextSeq  int
	finished bool
}

// NewEngine builds an engine for one stream over the snapshot's
// [regionStart, regionEnd) anchor region. regionEnd 0 means the end of
// the snapshot.
func NewEngine(streamID, snapshot string, regionStart, regionEnd int, cfg config.DiffConfig) (*Engine, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	if regionEnd == 0 {
		regionEnd = len(snapshot)
	}
	if regionStart < 0 || regionEnd > len(snapshot) || regionStart > regionEnd {
		return nil, fmt.Errorf("region [%d,%d) out of range for snapshot of %d bytes",
			regionStart, regionEnd, len(snapshot))
	}

	return &Engine{
		cfg:         cfg,
		streamID:    streamID,
		snapshot:    snapshot,
		regionStart: regionStart,
		regionEnd:   regionEnd,
		dmp:         diffmatchpatch.New(),
	}, nil
}

// Generated returns everything the model has produced so far.
func (e *Engine) Generated() string { return e.generated.String() }

// Feed appends one delta and returns any hunks that the new context
// stabilized, in document order.
func (e *Engine) Feed(delta string) []datatypes.PatchHunk {
	if e.finished || delta == "" {
		return nil
	}
	e.generated.WriteString(delta)

	stableEnd := stableBoundary(e.generated.String(), e.cfg.LookaheadRunes)
	if stableEnd <= e.genConsumed {
		return nil
	}
	return e.advance(stableEnd, false)
}

// Finish flushes the remaining output with no lookahead holdback and
// returns the final hunks. The engine accepts no deltas afterwards.
func (e *Engine) Finish() []datatypes.PatchHunk {
	if e.finished {
		return nil
	}
	e.finished = true
	return e.advance(e.generated.Len(), true)
}

// cluster is one maximal run of non-equal diff ops: a candidate hunk
// before word-boundary expansion. leftEq is the equal run immediately
// before it, the only text its left edge may expand into.
type cluster struct {
	origStart     int
	before, after string
	leftEq        string
}

// advance diffs the unconsumed generated prefix up to genEnd against
// the unconsumed snapshot region and emits the settled hunks.
func (e *Engine) advance(genEnd int, final bool) []datatypes.PatchHunk {
	region := e.snapshot[e.regionStart:e.regionEnd]
	origRem := region[e.origConsumed:]
	genRem := e.generated.String()[e.genConsumed:genEnd]
	if origRem == "" && genRem == "" {
		return nil
	}

	diffs := e.diffSegment(origRem, genRem)

	minEq := minSettledEqual
	if final {
		minEq = 1
	}
	cut := settledCut(diffs, minEq)
	clusters, trailingEq, origAdv, genAdv := clusterize(diffs[:cut])

	if !final {
		// Pull the consumption boundary back to a word boundary so a
		// word straddling the settled equal run is not split across two
		// diff passes.
		if b := wordSuffixLen(trailingEq); b > 0 && b <= maxWordBackoff {
			trailingEq = trailingEq[:len(trailingEq)-b]
			origAdv -= b
			genAdv -= b
		}
	}

	if final && cut < len(diffs) {
		// The unmatched tail: a mixed run is a genuine tail
		// replacement. A pure insertion after a fully matched region is
		// trailing model chatter and a pure deletion means the model
		// stopped early; both leave the original text alone.
		if cl, ok := mixedTail(diffs[cut:]); ok {
			cl.origStart = origAdv
			cl.leftEq = trailingEq
			clusters = append(clusters, cl)
			trailingEq = ""
		}
	}

	hunks := e.expand(clusters, trailingEq, origRem)
	e.origConsumed += origAdv
	e.genConsumed += genAdv
	return hunks
}

// diffSegment diffs the two remainders with a distinct sentinel pinned
// to each side. The sentinels keep the differ from aligning an
// accidental common suffix (a shared trailing period, say) across the
// unmatched tail, which would smuggle trailing chatter into the last
// settled run. They are stripped from the result.
func (e *Engine) diffSegment(origRem, genRem string) []diffmatchpatch.Diff {
	diffs := e.dmp.DiffMain(origRem+"\x00", genRem+"\x01", false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)

	out := diffs[:0]
	for _, d := range diffs {
		d.Text = strings.ReplaceAll(d.Text, "\x00", "")
		d.Text = strings.ReplaceAll(d.Text, "\x01", "")
		if d.Text != "" {
			out = append(out, d)
		}
	}
	return out
}

// settledCut returns how many leading diff ops are settled: everything
// up to and including the last equal run of at least minEq bytes. The
// trailing unmatched run is either still in motion (mid-stream) or
// handled as a tail (final).
func settledCut(diffs []diffmatchpatch.Diff, minEq int) int {
	cut := 0
	for i, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual && len(d.Text) >= minEq {
			cut = i + 1
		}
	}
	return cut
}

// clusterize groups consecutive delete/insert ops into clusters and
// returns them with the final trailing equal text and how far the walk
// advanced into the original region and the generated output.
func clusterize(diffs []diffmatchpatch.Diff) ([]cluster, string, int, int) {
	var clusters []cluster
	origPos, genPos := 0, 0
	lastEq := ""
	open := -1 // index into clusters of the cluster being built

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			lastEq = d.Text
			open = -1
			origPos += len(d.Text)
			genPos += len(d.Text)
		case diffmatchpatch.DiffDelete:
			if open < 0 {
				clusters = append(clusters, cluster{origStart: origPos, leftEq: lastEq})
				open = len(clusters) - 1
			}
			clusters[open].before += d.Text
			origPos += len(d.Text)
		case diffmatchpatch.DiffInsert:
			if open < 0 {
				clusters = append(clusters, cluster{origStart: origPos, leftEq: lastEq})
				open = len(clusters) - 1
			}
			clusters[open].after += d.Text
			genPos += len(d.Text)
		}
	}
	return clusters, lastEq, origPos, genPos
}

// mixedTail collapses an unmatched trailing run and reports whether it
// replaces original text with generated text.
func mixedTail(diffs []diffmatchpatch.Diff) (cluster, bool) {
	var cl cluster
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			cl.before += d.Text
		case diffmatchpatch.DiffInsert:
			cl.after += d.Text
		}
	}
	if cl.before == "" || cl.after == "" {
		return cluster{}, false
	}
	return cl, true
}

// expand grows each cluster to word boundaries — consuming only the
// adjacent equal runs, which are identical on both sides of the diff —
// and converts them to hunks, merging neighbors whose expansions met
// inside a shared equal run.
func (e *Engine) expand(clusters []cluster, trailingEq, origRem string) []datatypes.PatchHunk {
	var hunks []datatypes.PatchHunk

	for i, cl := range clusters {
		// A pure insertion with nothing but punctuation and whitespace
		// left of the original region is trailing chatter that happened
		// to align past a shared period; dropping it leaves the
		// original text alone.
		if cl.before == "" && !containsWordRune(origRem[cl.origStart:]) {
			continue
		}

		rightEq := trailingEq
		if i+1 < len(clusters) {
			rightEq = clusters[i+1].leftEq
		}

		origStart := cl.origStart
		before, after := cl.before, cl.after

		// Left: only while the edit itself splits a word.
		slack := len(cl.leftEq)
		for slack > 0 && startsWithWordRune(before, after) && wordByteAt(cl.leftEq, slack-1) {
			slack--
			ch := cl.leftEq[slack : slack+1]
			before = ch + before
			after = ch + after
			origStart--
		}

		// Right symmetrically.
		taken := 0
		for taken < len(rightEq) && endsWithWordRune(before, after) && wordByteAt(rightEq, taken) {
			ch := rightEq[taken : taken+1]
			before += ch
			after += ch
			taken++
		}

		hunks = e.appendHunk(hunks, origStart, before, after)
	}
	return hunks
}

// appendHunk materializes one hunk, folding it into the previous hunk
// when expansion made the two touch or overlap.
func (e *Engine) appendHunk(hunks []datatypes.PatchHunk, origStart int, before, after string) []datatypes.PatchHunk {
	absStart := e.regionStart + e.origConsumed + origStart

	if n := len(hunks); n > 0 {
		prev := &hunks[n-1]
		if prevEnd := prev.SnapshotStart + len(prev.BeforeText); absStart <= prevEnd {
			// The overlapped bytes are shared equal-run text present at
			// the head of both sides of the new hunk.
			overlap := prevEnd - absStart
			prev.BeforeText += before[overlap:]
			prev.AfterText += after[overlap:]
			return hunks
		}
	}

	ctxStart := absStart - contextBytes
	if ctxStart < 0 {
		ctxStart = 0
	}
	h := datatypes.PatchHunk{
		StreamID:      e.streamID,
		Seq:           e.nextSeq,
		BeforeText:    before,
		AfterText:     after,
		Context:       e.snapshot[ctxStart:absStart],
		SnapshotStart: absStart,
	}
	e.nextSeq++
	return append(hunks, h)
}

// stableBoundary returns the byte length of s minus its last n runes.
func stableBoundary(s string, n int) int {
	end := len(s)
	for i := 0; i < n && end > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:end])
		end -= size
	}
	return end
}

// startsWithWordRune reports whether either side of an edit opens with
// a word rune.
func startsWithWordRune(before, after string) bool {
	return leadingWordRune(before) || leadingWordRune(after)
}

// endsWithWordRune reports whether either side of an edit closes with a
// word rune.
func endsWithWordRune(before, after string) bool {
	return trailingWordRune(before) || trailingWordRune(after)
}

func leadingWordRune(s string) bool {
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func trailingWordRune(s string) bool {
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// wordSuffixLen returns the byte length of the run of word runes that
// ends s.
func wordSuffixLen(s string) int {
	n := 0
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		n += size
		s = s[:len(s)-size]
	}
	return n
}

func containsWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// wordByteAt reports whether the byte at i belongs to a word rune.
func wordByteAt(s string, i int) bool {
	r, _ := utf8.DecodeRuneInString(s[i:])
	if r == utf8.RuneError {
		// Mid-rune byte of a multibyte letter.
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
