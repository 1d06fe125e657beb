// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/store"
)

// keepaliveInterval paces SSE comment frames so intermediaries do not
// reap an idle connection while the model is thinking.
const keepaliveInterval = 15 * time.Second

// StartEditStream launches an edit stream and relays its patch events
// as server-sent events until the stream reaches a terminal state. A
// dropped connection cancels the stream; hunks applied before the drop
// stay committed.
func (a *API) StartEditStream(c *gin.Context) {
	var req datatypes.EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	events, err := a.streams.Start(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case datatypes.IsQuotaExceeded(err):
			status = http.StatusTooManyRequests
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		default:
			var ve *datatypes.ValidationError
			var verrs validator.ValidationErrors
			if errors.As(err, &ve) || errors.As(err, &verrs) {
				status = http.StatusBadRequest
			}
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if a.metrics != nil {
		a.metrics.RecordStreamStart()
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		slog.Error("Response writer does not support flushing", "stream_id", req.ID)
		a.drainAndCancel(req.ID, events)
		return
	}
	flusher.Flush()

	started := time.Now()
	firstHunkSeen := false
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			slog.Info("Client disconnected from edit stream", "stream_id", req.ID)
			a.drainAndCancel(req.ID, events)
			return

		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()

		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(c.Writer, &ev); err != nil {
				slog.Warn("Failed to write stream event",
					"stream_id", req.ID, "event_type", ev.Type, "error", err)
				a.drainAndCancel(req.ID, events)
				return
			}
			flusher.Flush()
			a.observeEvent(&ev, started, &firstHunkSeen)
		}
	}
}

// writeSSE serializes one patch event as an SSE frame. The event's
// ordering hash chain is part of the JSON payload; clients verify it
// after a reconnect.
func writeSSE(w http.ResponseWriter, ev *datatypes.PatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// drainAndCancel asks the orchestrator to stop and consumes remaining
// events so the emitter never blocks on a gone client.
func (a *API) drainAndCancel(streamID string, events <-chan datatypes.PatchEvent) {
	if err := a.streams.Cancel(streamID); err != nil {
		slog.Debug("Cancel after disconnect", "stream_id", streamID, "error", err)
	}
	go func() {
		for range events {
		}
	}()
}

func (a *API) observeEvent(ev *datatypes.PatchEvent, started time.Time, firstHunkSeen *bool) {
	if a.metrics == nil {
		return
	}
	switch ev.Type {
	case datatypes.EventHunkApplied:
		if !*firstHunkSeen {
			*firstHunkSeen = true
			a.metrics.TimeToFirstHunkSeconds.Observe(time.Since(started).Seconds())
		}
		a.metrics.RecordHunk(true, "")
	case datatypes.EventHunkUnresolved:
		a.metrics.RecordHunk(false, string(ev.Reason))
	case datatypes.EventStreamCompleted, datatypes.EventStreamCancelled, datatypes.EventStreamFailed:
		a.metrics.RecordStreamEnd(string(ev.Type), time.Since(started).Seconds())
	}
}
