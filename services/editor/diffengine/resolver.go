// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffengine

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

// matchMaxBits mirrors diffmatchpatch's bitap pattern ceiling; longer
// anchors are located by a truncated pattern and scored in full.
const matchMaxBits = 32

// Resolver locates hunk anchors in the current document text.
//
// The ladder is exact-first: the anchor at its snapshot offset, then an
// exact search of the bounded neighborhood around it, then fuzzy bitap
// matching accepted only above the configured similarity threshold.
// Every failure mode maps to an unresolved reason; Resolve never
// guesses.
type Resolver struct {
	cfg config.DiffConfig
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewResolver builds a resolver with the configured threshold and
// search radius.
func NewResolver(cfg config.DiffConfig) *Resolver {
	dmp := diffmatchpatch.New()
	// diffmatchpatch scores 0 as exact; our threshold runs the other way.
	dmp.MatchThreshold = 1 - cfg.FuzzyThreshold
	dmp.MatchDistance = cfg.SearchRadius
	return &Resolver{cfg: cfg, dmp: dmp}
}

// Resolve locates h's anchor in docText.
func (r *Resolver) Resolve(docText string, h *datatypes.PatchHunk) datatypes.AnchorResolution {
	if h.BeforeText == "" {
		return r.resolveInsertion(docText, h)
	}
	anchor := h.BeforeText

	// Fast path: the document has not drifted at the snapshot offset.
	if end := h.SnapshotStart + len(anchor); h.SnapshotStart >= 0 && end <= len(docText) &&
		docText[h.SnapshotStart:end] == anchor {
		return datatypes.AnchorResolution{
			Resolved: true, Start: h.SnapshotStart, End: end, Confidence: 1.0,
		}
	}

	lo, hi := r.window(docText, h.SnapshotStart, len(anchor))
	window := docText[lo:hi]

	// Exact search of the neighborhood, disambiguating repeats with the
	// hunk's preceding context.
	if res, ok := r.resolveExact(docText, window, lo, anchor, h.Context); ok {
		return res
	}

	return r.resolveFuzzy(window, lo, anchor, h.SnapshotStart)
}

// resolveInsertion positions a pure insertion by its preceding context.
func (r *Resolver) resolveInsertion(docText string, h *datatypes.PatchHunk) datatypes.AnchorResolution {
	if h.Context == "" {
		// Insertion at the very start of the document.
		if h.SnapshotStart == 0 {
			return datatypes.AnchorResolution{Resolved: true, Confidence: 1.0}
		}
		return datatypes.AnchorResolution{Reason: datatypes.ReasonAnchorNotFound}
	}

	lo, hi := r.window(docText, h.SnapshotStart-len(h.Context), len(h.Context))
	window := docText[lo:hi]

	first := strings.Index(window, h.Context)
	if first < 0 {
		return datatypes.AnchorResolution{Reason: datatypes.ReasonAnchorNotFound}
	}
	if strings.Index(window[first+1:], h.Context) >= 0 {
		return datatypes.AnchorResolution{Reason: datatypes.ReasonAmbiguousMatch}
	}

	at := lo + first + len(h.Context)
	return datatypes.AnchorResolution{Resolved: true, Start: at, End: at, Confidence: 1.0}
}

// resolveExact returns a resolution when the anchor appears verbatim in
// the window, unambiguously or disambiguated by context.
func (r *Resolver) resolveExact(docText, window string, lo int, anchor, context string) (datatypes.AnchorResolution, bool) {
	var positions []int
	for from := 0; ; {
		i := strings.Index(window[from:], anchor)
		if i < 0 {
			break
		}
		positions = append(positions, lo+from+i)
		from += i + 1
		if len(positions) > 8 {
			break
		}
	}

	switch len(positions) {
	case 0:
		return datatypes.AnchorResolution{}, false
	case 1:
		return datatypes.AnchorResolution{
			Resolved: true, Start: positions[0], End: positions[0] + len(anchor), Confidence: 1.0,
		}, true
	}

	// Multiple exact occurrences: accept only a position whose
	// preceding text matches the hunk's context.
	var matched []int
	for _, pos := range positions {
		if context != "" && strings.HasSuffix(docText[:pos], context) {
			matched = append(matched, pos)
		}
	}
	if len(matched) == 1 {
		return datatypes.AnchorResolution{
			Resolved: true, Start: matched[0], End: matched[0] + len(anchor), Confidence: 1.0,
		}, true
	}
	return datatypes.AnchorResolution{Reason: datatypes.ReasonAmbiguousMatch}, true
}

// resolveFuzzy runs bitap matching over the window and accepts the best
// location only above the similarity threshold.
func (r *Resolver) resolveFuzzy(window string, lo int, anchor string, snapshotStart int) datatypes.AnchorResolution {
	pattern := anchor
	if len(pattern) > matchMaxBits {
		pattern = truncateOnRune(pattern, matchMaxBits)
	}

	expected := snapshotStart - lo
	if expected < 0 {
		expected = 0
	}
	loc := r.dmp.MatchMain(window, pattern, expected)
	if loc < 0 {
		return datatypes.AnchorResolution{Reason: datatypes.ReasonAnchorNotFound}
	}

	end := loc + len(anchor)
	if end > len(window) {
		end = len(window)
	}
	candidate := window[loc:end]

	score := r.similarity(anchor, candidate)
	if score < r.cfg.FuzzyThreshold {
		return datatypes.AnchorResolution{Reason: datatypes.ReasonAnchorNotFound}
	}
	return datatypes.AnchorResolution{
		Resolved: true, Start: lo + loc, End: lo + end, Confidence: score,
	}
}

// Matches reports whether candidate still clears the similarity
// threshold against anchor. The applier re-validates fuzzy anchors with
// it at apply time; an exact anchor must compare equal instead.
func (r *Resolver) Matches(anchor, candidate string) bool {
	return r.similarity(anchor, candidate) >= r.cfg.FuzzyThreshold
}

// window bounds the search neighborhood around a snapshot offset.
func (r *Resolver) window(docText string, around, anchorLen int) (int, int) {
	lo := around - r.cfg.SearchRadius
	if lo < 0 {
		lo = 0
	}
	hi := around + r.cfg.SearchRadius + anchorLen
	if hi > len(docText) {
		hi = len(docText)
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// similarity is 1 minus normalized Levenshtein distance.
func (r *Resolver) similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1.0
	}
	diffs := r.dmp.DiffMain(a, b, false)
	lev := r.dmp.DiffLevenshtein(diffs)
	return 1 - float64(lev)/float64(longest)
}

// truncateOnRune shortens s to at most n bytes without splitting a rune.
func truncateOnRune(s string, n int) string {
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
