// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Stream Lifecycle
// =============================================================================

// StreamState is the lifecycle state of a completion stream.
//
// The machine is Idle → Streaming → {Completed, Cancelled, Failed}.
// Terminal states are final; no transition leaves them.
type StreamState string

const (
	StreamIdle      StreamState = "idle"
	StreamStreaming StreamState = "streaming"
	StreamCompleted StreamState = "completed"
	StreamCancelled StreamState = "cancelled"
	StreamFailed    StreamState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s StreamState) Terminal() bool {
	switch s {
	case StreamCompleted, StreamCancelled, StreamFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s StreamState) CanTransition(next StreamState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StreamIdle:
		return next == StreamStreaming || next == StreamCancelled || next == StreamFailed
	case StreamStreaming:
		return next.Terminal()
	}
	return false
}

// =============================================================================
// Patch Event Stream
// =============================================================================

// PatchEventType enumerates the client-facing event types emitted while
// a stream runs.
type PatchEventType string

const (
	EventHunkApplied     PatchEventType = "hunk_applied"
	EventHunkUnresolved  PatchEventType = "hunk_unresolved"
	EventStreamCompleted PatchEventType = "stream_completed"
	EventStreamCancelled PatchEventType = "stream_cancelled"
	EventStreamFailed    PatchEventType = "stream_failed"
)

// PatchEvent is one entry in the ordered client-facing event sequence.
//
// Events carry a hash chain (Hash over content, PrevHash linking to the
// previous event) so a client can verify it received the sequence
// unmodified and without gaps.
type PatchEvent struct {
	ID        string         `json:"id"`
	Type      PatchEventType `json:"type"`
	StreamID  string         `json:"stream_id"`
	CreatedAt int64          `json:"created_at"`

	// hunk_applied fields.
	Offsets    [2]int `json:"offsets,omitempty"`
	Text       string `json:"text,omitempty"`
	NewVersion int64  `json:"new_version,omitempty"`

	// hunk_unresolved fields. GeneratedText carries the model output
	// for manual reconciliation; Diff is the same content rendered as
	// a unified diff against the anchor.
	Reason        UnresolvedReason `json:"reason,omitempty"`
	GeneratedText string           `json:"generated_text,omitempty"`
	Diff          string           `json:"diff,omitempty"`

	// stream_failed field.
	Error string `json:"error,omitempty"`

	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
}

// =============================================================================
// Requests
// =============================================================================

var validate = validator.New()

// EditRequest asks for a streaming edit of one document region.
type EditRequest struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id" validate:"required"`
	DocumentID string `json:"document_id" validate:"required"`

	// Instruction is what the user wants done to the region.
	Instruction string `json:"instruction" validate:"required,max=8192"`

	// AnchorStart/AnchorEnd delimit the region being revised, as byte
	// offsets into the document snapshot. End 0 means "to the end of
	// the document".
	AnchorStart int `json:"anchor_start" validate:"gte=0"`
	AnchorEnd   int `json:"anchor_end" validate:"gte=0"`

	// LocalContext optionally augments retrieval with text around the
	// user's cursor.
	LocalContext string `json:"local_context,omitempty"`

	// TopK and MinCertainty override the configured retrieval
	// parameters when non-zero.
	TopK         int     `json:"top_k,omitempty" validate:"gte=0,lte=50"`
	MinCertainty float64 `json:"min_certainty,omitempty" validate:"gte=0,lte=1"`
}

// EnsureDefaults populates the request id if the caller omitted it.
func (r *EditRequest) EnsureDefaults() {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
}

// Validate checks the request against its struct tags plus the offset
// ordering constraint.
func (r *EditRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.AnchorEnd != 0 && r.AnchorEnd < r.AnchorStart {
		return &ValidationError{Field: "anchor_end", Message: "must be >= anchor_start"}
	}
	return nil
}

// RetrievalQuery is the retrieval coordinator's input.
type RetrievalQuery struct {
	DocumentID   string  `json:"document_id" validate:"required"`
	Instruction  string  `json:"instruction" validate:"required"`
	LocalContext string  `json:"local_context,omitempty"`
	TopK         int     `json:"top_k" validate:"gt=0,lte=50"`
	MinCertainty float64 `json:"min_certainty" validate:"gte=0,lte=1"`
}

// Text returns the text that gets embedded for similarity search.
func (q *RetrievalQuery) Text() string {
	if q.LocalContext == "" {
		return q.Instruction
	}
	return q.Instruction + "\n\n" + q.LocalContext
}

// Validate checks the query against its struct tags.
func (q *RetrievalQuery) Validate() error {
	return validate.Struct(q)
}

// RetrievedChunk is one similarity-search hit, ordered by score.
type RetrievedChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
