// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// UnresolvedReason explains why a hunk's anchor could not be located in
// the current document text.
type UnresolvedReason string

const (
	// ReasonAnchorNotFound means neither exact nor fuzzy matching
	// located the anchor anywhere in the search neighborhood.
	ReasonAnchorNotFound UnresolvedReason = "anchor_not_found"

	// ReasonAmbiguousMatch means more than one candidate position
	// matched equally well; applying would be a guess.
	ReasonAmbiguousMatch UnresolvedReason = "ambiguous_match"

	// ReasonDocumentMutated means the document changed underneath the
	// stream and repeated re-resolution kept failing.
	ReasonDocumentMutated UnresolvedReason = "document_mutated"
)

// PatchHunk is one proposed text replacement produced by the diff/anchor
// engine. Hunks for one stream are totally ordered by Seq, which follows
// their position of occurrence in the document.
type PatchHunk struct {
	StreamID string `json:"stream_id"`
	Seq      int    `json:"seq"`

	// BeforeText is the anchor: the original-document snippet this
	// hunk replaces. Empty for pure insertions, which instead anchor
	// on Context.
	BeforeText string `json:"before_text"`

	// AfterText is the replacement text generated by the model.
	AfterText string `json:"after_text"`

	// Context is the preceding original text used to position pure
	// insertions and to disambiguate short anchors.
	Context string `json:"context,omitempty"`

	// Start/End are the resolved byte offsets of BeforeText in the
	// document text the hunk was resolved against. Only meaningful
	// when Resolved is true.
	Start int `json:"start"`
	End   int `json:"end"`

	// SnapshotStart is the offset of BeforeText in the stream's
	// context snapshot; resolution begins its search there.
	SnapshotStart int `json:"snapshot_start"`

	// Confidence is 1.0 for exact matches, the fuzzy similarity score
	// otherwise.
	Confidence float64 `json:"confidence"`

	Resolved bool             `json:"resolved"`
	Reason   UnresolvedReason `json:"reason,omitempty"`

	// Attempts counts resolution attempts; the applier re-queues a
	// conflicted hunk until the re-resolution ceiling is reached.
	Attempts int `json:"-"`
}

// LengthDelta is the offset shift this hunk imposes on everything after
// it once applied.
func (h *PatchHunk) LengthDelta() int {
	return len(h.AfterText) - len(h.BeforeText)
}

// Overlaps reports whether two resolved hunks cover intersecting spans.
func (h *PatchHunk) Overlaps(other *PatchHunk) bool {
	return h.Start < other.End && other.Start < h.End
}

// AnchorResolution is the outcome of locating a hunk's anchor in the
// current document text.
type AnchorResolution struct {
	Resolved   bool             `json:"resolved"`
	Start      int              `json:"start"`
	End        int              `json:"end"`
	Confidence float64          `json:"confidence"`
	Reason     UnresolvedReason `json:"reason,omitempty"`
}
