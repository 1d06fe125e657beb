// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package applier owns the per-document mutation critical section.
//
// Every splice into a document's working copy happens inside Apply,
// under that document's mutex. The anchor is re-validated at its
// resolved offset immediately before the splice; a mismatch means the
// document moved underneath the hunk, which is then re-resolved rather
// than applied at a stale offset. The working copy's version increases
// by exactly one per applied hunk, and the session commit pushes the
// final text to the document store under optimistic concurrency.
package applier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/diffengine"
	"github.com/redline-ai/redline/services/editor/store"
)

// Outcome is the result of applying one hunk. A hunk that could not be
// anchored is not an error: the stream surfaces it to the client and
// moves on.
type Outcome struct {
	Applied bool

	// Start/End are the span the splice replaced in the pre-splice
	// text. For insertions Start == End.
	Start, End int

	// NewVersion is the working copy's version after the splice.
	NewVersion int64

	// Reason is set when Applied is false.
	Reason datatypes.UnresolvedReason
}

// Applier applies resolved hunks to document working copies.
type Applier struct {
	cfg      config.ApplierConfig
	resolver *diffengine.Resolver
	store    store.DocumentStore
	tracer   trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex // document id → mutation mutex
}

// New builds an applier over the document store. The diff configuration
// drives anchor re-resolution.
func New(cfg config.ApplierConfig, diffCfg config.DiffConfig, st store.DocumentStore) *Applier {
	return &Applier{
		cfg:      cfg,
		resolver: diffengine.NewResolver(diffCfg),
		store:    st,
		tracer:   otel.Tracer("redline.applier"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutation mutex for one document. Entries are
// never removed; one pointer per document ever edited is cheap.
func (a *Applier) lockFor(docID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.locks[docID]; ok {
		return l
	}
	l := &sync.Mutex{}
	a.locks[docID] = l
	return l
}

// Session is one stream's handle on a document working copy. It owns
// the copy, tracks the cumulative offset shift applied hunks impose on
// later anchors, and commits the final text.
//
// Safe for concurrent use; all mutation runs under the document mutex.
type Session struct {
	applier *Applier
	mu      *sync.Mutex

	doc *datatypes.Document

	// baseVersion is the store's version when the session opened; the
	// commit expects to find it unchanged.
	baseVersion int64

	// shift accumulates the length deltas of applied hunks so later
	// anchors, whose offsets reference the snapshot, start their search
	// in the right place.
	shift int
}

// OpenSession starts a mutation session over its own working copy of
// doc.
func (a *Applier) OpenSession(doc *datatypes.Document) *Session {
	working := *doc
	return &Session{
		applier:     a,
		mu:          a.lockFor(doc.ID),
		doc:         &working,
		baseVersion: doc.Version,
	}
}

// Document returns the working copy.
func (s *Session) Document() *datatypes.Document { return s.doc }

// Refresh adopts a newer store revision of the document, so hunks
// anchor against the text as it is when they arrive rather than the
// stream's snapshot. Only possible before the first splice: once the
// session has applied hunks, its lineage is fixed and a concurrent
// revision surfaces at Commit instead.
func (s *Session) Refresh(current *datatypes.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Version != s.baseVersion || current.Version == s.baseVersion {
		return
	}
	slog.Debug("Session adopting newer document revision",
		"document_id", s.doc.ID, "from", s.baseVersion, "to", current.Version)
	working := *current
	s.doc = &working
	s.baseVersion = current.Version
}

// Apply anchors one hunk in the current working copy and splices it in.
//
// A hunk arriving already resolved (against possibly drifted text) is
// re-validated first; on mismatch it is re-resolved against the current
// text, up to the configured ceiling, after which it is surfaced as
// unresolved with reason document_mutated.
func (s *Session) Apply(ctx context.Context, h *datatypes.PatchHunk) (Outcome, error) {
	_, span := s.applier.tracer.Start(ctx, "applier.Apply",
		trace.WithAttributes(
			attribute.String("document_id", s.doc.ID),
			attribute.String("stream_id", h.StreamID),
			attribute.Int("seq", h.Seq),
		))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if !h.Resolved {
			probe := *h
			probe.SnapshotStart += s.shift
			res := s.applier.resolver.Resolve(s.doc.Content, &probe)
			if !res.Resolved {
				slog.Info("Hunk anchor unresolved",
					"stream_id", h.StreamID, "seq", h.Seq, "reason", res.Reason)
				span.SetAttributes(attribute.String("unresolved", string(res.Reason)))
				return Outcome{Reason: res.Reason}, nil
			}
			h.Resolved = true
			h.Start, h.End, h.Confidence = res.Start, res.End, res.Confidence
		}

		if err := s.revalidate(h); err != nil {
			h.Attempts++
			if h.Attempts > s.applier.cfg.MaxReresolutions {
				slog.Warn("Giving up on a hunk after repeated anchor conflicts",
					"stream_id", h.StreamID, "seq", h.Seq, "attempts", h.Attempts)
				return Outcome{Reason: datatypes.ReasonDocumentMutated}, nil
			}
			slog.Debug("Re-resolving conflicted hunk",
				"stream_id", h.StreamID, "seq", h.Seq, "error", err)
			h.Resolved = false
			continue
		}

		before := s.doc.Content
		s.doc.Content = before[:h.Start] + h.AfterText + before[h.End:]
		s.doc.Version++
		s.doc.Chunks = nil // chunks reference superseded content
		s.shift += h.LengthDelta()

		span.SetAttributes(attribute.Int64("new_version", s.doc.Version))
		return Outcome{
			Applied:    true,
			Start:      h.Start,
			End:        h.End,
			NewVersion: s.doc.Version,
		}, nil
	}
}

// revalidate checks the anchor at the hunk's resolved offset against
// the current text. Exact anchors must compare equal; fuzzy anchors
// must still clear the similarity threshold.
func (s *Session) revalidate(h *datatypes.PatchHunk) error {
	conflict := &datatypes.ConflictError{
		StreamID: h.StreamID, HunkSeq: h.Seq, Offset: h.Start,
	}
	if h.Start < 0 || h.End < h.Start || h.End > len(s.doc.Content) {
		return conflict
	}

	if h.BeforeText == "" {
		// Insertion: the preceding context must still end at Start.
		if h.Context == "" {
			if h.Start != 0 {
				return conflict
			}
			return nil
		}
		if !strings.HasSuffix(s.doc.Content[:h.Start], h.Context) {
			return conflict
		}
		return nil
	}

	at := s.doc.Content[h.Start:h.End]
	if at == h.BeforeText {
		return nil
	}
	if h.Confidence < 1.0 && s.applier.resolver.Matches(h.BeforeText, at) {
		return nil
	}
	return conflict
}

// Commit persists the working copy. The store must still hold the
// version the session opened at; a concurrent commit surfaces as a
// VersionConflictError with no retry here.
func (s *Session) Commit(ctx context.Context) (int64, error) {
	ctx, span := s.applier.tracer.Start(ctx, "applier.Commit",
		trace.WithAttributes(attribute.String("document_id", s.doc.ID)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Version == s.baseVersion {
		// Nothing applied; leave the store untouched.
		return s.baseVersion, nil
	}

	if err := s.applier.store.Commit(ctx, s.doc, s.baseVersion); err != nil {
		var vc *datatypes.VersionConflictError
		if errors.As(err, &vc) {
			slog.Warn("Session commit lost the version race",
				"document_id", s.doc.ID, "expected", vc.Expected, "actual", vc.Actual)
		}
		return 0, err
	}
	slog.Info("Committed document",
		"document_id", s.doc.ID, "version", s.doc.Version)
	s.baseVersion = s.doc.Version
	return s.doc.Version, nil
}
