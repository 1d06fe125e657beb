// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// wsIdleTimeout bounds how long the socket may go without any inbound
// frame. Clients are expected to ping well inside this window while a
// stream is quiet.
const wsIdleTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is one inbound client frame.
type wsCommand struct {
	Command  string                 `json:"command"`
	Request  *datatypes.EditRequest `json:"request,omitempty"`
	StreamID string                 `json:"stream_id,omitempty"`
}

// wsFrame is one outbound server frame. Patch events ride in Event;
// pong and error frames carry only Type and optionally Error.
type wsFrame struct {
	Type     string                `json:"type"`
	StreamID string                `json:"stream_id,omitempty"`
	Event    *datatypes.PatchEvent `json:"event,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// EditSocket upgrades the connection and speaks the command protocol:
// "ping" keeps the socket alive, "edit" starts a stream whose patch
// events are forwarded as frames, "stop" cancels the active stream.
// Malformed frames get an error frame back; the socket stays open.
func (a *API) EditSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Websocket upgrade failed", "error", err)
		return
	}

	s := &editSocket{api: a, conn: conn}
	s.serve(c)
}

type editSocket struct {
	api  *API
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	streamID string // active stream, "" when idle
}

func (s *editSocket) serve(c *gin.Context) {
	defer s.conn.Close()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout)); err != nil {
			return
		}

		var cmd wsCommand
		if err := s.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Websocket closed unexpectedly", "error", err)
			}
			s.cancelActive()
			return
		}

		switch cmd.Command {
		case "ping":
			s.send(wsFrame{Type: "pong"})
		case "edit":
			s.handleEdit(c, cmd.Request)
		case "stop":
			s.handleStop(cmd.StreamID)
		default:
			s.send(wsFrame{Type: "error",
				Error: fmt.Sprintf("unknown command %q", cmd.Command)})
		}
	}
}

func (s *editSocket) handleEdit(c *gin.Context, req *datatypes.EditRequest) {
	if req == nil {
		s.send(wsFrame{Type: "error", Error: "edit command requires a request"})
		return
	}

	s.mu.Lock()
	busy := s.streamID != ""
	s.mu.Unlock()
	if busy {
		s.send(wsFrame{Type: "error", Error: "a stream is already active on this socket"})
		return
	}

	// The stream lifetime is not tied to the read loop's deadline
	// handling, only to the connection context.
	events, err := s.api.streams.Start(c.Request.Context(), req)
	if err != nil {
		s.send(wsFrame{Type: "error", Error: err.Error()})
		return
	}
	if s.api.metrics != nil {
		s.api.metrics.RecordStreamStart()
	}

	s.mu.Lock()
	s.streamID = req.ID
	s.mu.Unlock()
	s.send(wsFrame{Type: "stream_started", StreamID: req.ID})

	go s.forward(req.ID, events)
}

// forward relays patch events until the orchestrator closes the
// channel, then frees the socket for the next edit command.
func (s *editSocket) forward(streamID string, events <-chan datatypes.PatchEvent) {
	started := time.Now()
	firstHunkSeen := false

	for ev := range events {
		ev := ev
		s.send(wsFrame{Type: "event", StreamID: streamID, Event: &ev})
		s.api.observeEvent(&ev, started, &firstHunkSeen)
	}

	s.mu.Lock()
	if s.streamID == streamID {
		s.streamID = ""
	}
	s.mu.Unlock()
}

func (s *editSocket) handleStop(streamID string) {
	s.mu.Lock()
	if streamID == "" {
		streamID = s.streamID
	}
	s.mu.Unlock()
	if streamID == "" {
		s.send(wsFrame{Type: "error", Error: "no active stream to stop"})
		return
	}
	if err := s.api.streams.Cancel(streamID); err != nil {
		s.send(wsFrame{Type: "error", StreamID: streamID, Error: err.Error()})
		return
	}
	s.send(wsFrame{Type: "stopping", StreamID: streamID})
}

func (s *editSocket) cancelActive() {
	s.mu.Lock()
	streamID := s.streamID
	s.mu.Unlock()
	if streamID == "" {
		return
	}
	if err := s.api.streams.Cancel(streamID); err != nil {
		slog.Debug("Cancel after socket close", "stream_id", streamID, "error", err)
	}
}

func (s *editSocket) send(frame wsFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		slog.Debug("Websocket write failed", "frame_type", frame.Type, "error", err)
	}
}
