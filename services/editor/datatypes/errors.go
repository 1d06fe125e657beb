// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error is attributable to a single stream or
// ingestion job; no error in one stream affects another stream's state.
//
// Kinds split each family into retryable and terminal causes. The retry
// decision lives with the error, never with string matching at the call
// site.

// =============================================================================
// Ingestion
// =============================================================================

// IngestionErrorKind classifies ingestion failures.
type IngestionErrorKind string

const (
	IngestFetchFailed        IngestionErrorKind = "fetch_failed"
	IngestUnparseableContent IngestionErrorKind = "unparseable_content"
	IngestEmptyContent       IngestionErrorKind = "empty_content"
)

// IngestionError is fatal to its ingestion job only; callers log and
// skip the job.
type IngestionError struct {
	Kind   IngestionErrorKind
	Source string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingestion %s (%s): %v", e.Kind, e.Source, e.Err)
	}
	return fmt.Sprintf("ingestion %s (%s)", e.Kind, e.Source)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// IsEmptyContent reports whether err is an empty-content ingestion error.
func IsEmptyContent(err error) bool {
	var ie *IngestionError
	return errors.As(err, &ie) && ie.Kind == IngestEmptyContent
}

// =============================================================================
// Retrieval / Indexing
// =============================================================================

// RetrievalErrorKind classifies vector-store and embedding failures.
type RetrievalErrorKind string

const (
	RetrievalStoreUnavailable  RetrievalErrorKind = "store_unavailable"
	RetrievalDimensionMismatch RetrievalErrorKind = "dimension_mismatch"
)

// RetrievalError covers the vector-store side of the pipeline.
// Store-unavailable is retried with backoff; a dimension mismatch is a
// fatal configuration error that halts indexing.
type RetrievalError struct {
	Kind RetrievalErrorKind
	Err  error
}

func (e *RetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retrieval %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("retrieval %s", e.Kind)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on retry.
func (e *RetrievalError) Retryable() bool {
	return e.Kind == RetrievalStoreUnavailable
}

// IsDimensionMismatch reports whether err is the fatal embedding
// dimensionality configuration error.
func IsDimensionMismatch(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re) && re.Kind == RetrievalDimensionMismatch
}

// =============================================================================
// Streaming
// =============================================================================

// StreamErrorKind classifies model-provider failures.
type StreamErrorKind string

const (
	StreamProviderUnavailable StreamErrorKind = "provider_unavailable"
	StreamRateLimited         StreamErrorKind = "rate_limited"
	StreamMalformedResponse   StreamErrorKind = "malformed_response"
)

// StreamError is surfaced when a stream transitions to Failed after the
// retry policy is exhausted, or immediately for non-transient causes.
type StreamError struct {
	Kind     StreamErrorKind
	Attempts int
	Err      error
}

func (e *StreamError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("stream %s after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("stream %s: %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Transient reports whether the cause is subject to the retry policy.
func (e *StreamError) Transient() bool {
	return e.Kind == StreamProviderUnavailable || e.Kind == StreamRateLimited
}

// =============================================================================
// Patch Application
// =============================================================================

// ConflictError means a hunk's anchor no longer matched at its resolved
// offset when the applier re-validated it. The hunk is re-queued for
// re-resolution, not discarded.
type ConflictError struct {
	StreamID string
	HunkSeq  int
	Offset   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("anchor conflict for hunk %d of stream %s at offset %d",
		e.HunkSeq, e.StreamID, e.Offset)
}

// IsConflict reports whether err is an anchor conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// VersionConflictError is the document store's optimistic-concurrency
// rejection: the expected version no longer matches.
type VersionConflictError struct {
	DocumentID string
	Expected   int64
	Actual     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, store has %d",
		e.DocumentID, e.Expected, e.Actual)
}

// =============================================================================
// Quota
// =============================================================================

// QuotaExceededError rejects a stream start when the user's plan
// concurrency ceiling is already reached. Never retried.
type QuotaExceededError struct {
	UserID string
	Limit  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("user %s is at the plan ceiling of %d concurrent streams",
		e.UserID, e.Limit)
}

// IsQuotaExceeded reports whether err is a quota rejection.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// =============================================================================
// Validation
// =============================================================================

// ValidationError covers request constraints that struct tags cannot
// express.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
