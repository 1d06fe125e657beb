// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry tracks live completion streams and enforces per-user
// concurrency quotas.
//
// Admission and registration are one atomic step under the registry
// lock: a rejected stream never occupies a slot, and two racing
// requests for a user's last slot cannot both win.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// ErrUnknownStream is returned for operations on stream ids the
// registry has never seen or has already released.
var ErrUnknownStream = errors.New("unknown stream")

// PlanChecker answers how many concurrent streams a user's plan allows.
// Injected so billing integration stays outside the registry.
type PlanChecker interface {
	ConcurrentStreamLimit(userID string) int
}

// StaticPlan grants every user the same fixed limit.
type StaticPlan struct {
	Limit int
}

func (p StaticPlan) ConcurrentStreamLimit(string) int { return p.Limit }

// Entry is the registry's record of one live stream.
type Entry struct {
	StreamID   string
	UserID     string
	DocumentID string
	StartedAt  time.Time

	state  datatypes.StreamState
	cancel context.CancelFunc
}

// State returns the entry's lifecycle state at the time of the call.
func (e *Entry) State() datatypes.StreamState { return e.state }

// Registry is the in-process stream table.
type Registry struct {
	plans PlanChecker

	mu       sync.Mutex
	byStream map[string]*Entry
	byUser   map[string]int
}

// New builds a registry with the given plan source.
func New(plans PlanChecker) (*Registry, error) {
	if plans == nil {
		return nil, errors.New("plans must not be nil")
	}
	return &Registry{
		plans:    plans,
		byStream: make(map[string]*Entry),
		byUser:   make(map[string]int),
	}, nil
}

// Register admits a stream under the user's quota.
//
// The quota check and the insert happen under one lock acquisition. On
// rejection the registry is unchanged and the returned error is a
// *datatypes.QuotaExceededError.
func (r *Registry) Register(streamID, userID, documentID string, cancel context.CancelFunc) (*Entry, error) {
	if streamID == "" || userID == "" {
		return nil, errors.New("stream id and user id are required")
	}

	limit := r.plans.ConcurrentStreamLimit(userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byStream[streamID]; exists {
		return nil, fmt.Errorf("stream %s already registered", streamID)
	}
	if r.byUser[userID] >= limit {
		return nil, &datatypes.QuotaExceededError{UserID: userID, Limit: limit}
	}

	entry := &Entry{
		StreamID:   streamID,
		UserID:     userID,
		DocumentID: documentID,
		StartedAt:  time.Now().UTC(),
		state:      datatypes.StreamIdle,
		cancel:     cancel,
	}
	r.byStream[streamID] = entry
	r.byUser[userID]++

	slog.Info("Registered stream",
		"stream_id", streamID,
		"user_id", userID,
		"document_id", documentID,
		"active_for_user", r.byUser[userID])
	return entry, nil
}

// Transition moves a stream to the next lifecycle state, enforcing the
// state machine. Reaching a terminal state frees the quota slot; the
// entry itself stays until Release so late lookups can still read the
// final state.
func (r *Registry) Transition(streamID string, next datatypes.StreamState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byStream[streamID]
	if !ok {
		return fmt.Errorf("transition %s: %w", streamID, ErrUnknownStream)
	}
	if !entry.state.CanTransition(next) {
		return fmt.Errorf("illegal transition %s → %s for stream %s", entry.state, next, streamID)
	}

	entry.state = next
	if next.Terminal() {
		r.releaseSlotLocked(entry)
	}
	return nil
}

// Cancel requests cooperative cancellation of a live stream. The stream
// notices through its context and finishes with whatever hunks already
// applied; the state transition happens when the stream observes the
// cancellation, not here.
func (r *Registry) Cancel(streamID string) error {
	r.mu.Lock()
	entry, ok := r.byStream[streamID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("cancel %s: %w", streamID, ErrUnknownStream)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	slog.Info("Requested stream cancellation", "stream_id", streamID)
	return nil
}

// Release drops a terminal entry from the table. Releasing a live
// stream is an error; cancel it first and let it reach a terminal
// state.
func (r *Registry) Release(streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byStream[streamID]
	if !ok {
		return fmt.Errorf("release %s: %w", streamID, ErrUnknownStream)
	}
	if !entry.state.Terminal() {
		return fmt.Errorf("release %s: stream is still %s", streamID, entry.state)
	}

	delete(r.byStream, streamID)
	return nil
}

// Get returns the entry for a stream id.
func (r *Registry) Get(streamID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byStream[streamID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", streamID, ErrUnknownStream)
	}
	return entry, nil
}

// ActiveForUser reports how many of the user's streams hold quota
// slots.
func (r *Registry) ActiveForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userID]
}

// ActiveTotal reports live (non-terminal) streams across all users.
func (r *Registry) ActiveTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.byStream {
		if !e.state.Terminal() {
			n++
		}
	}
	return n
}

// CancelAll requests cancellation of every live stream. Used during
// shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.byStream))
	for _, e := range r.byStream {
		if !e.state.Terminal() && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// releaseSlotLocked frees the user's quota slot exactly once per entry.
func (r *Registry) releaseSlotLocked(entry *Entry) {
	if n := r.byUser[entry.UserID]; n > 1 {
		r.byUser[entry.UserID] = n - 1
	} else {
		delete(r.byUser, entry.UserID)
	}
}
