// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/applier"
	"github.com/redline-ai/redline/services/editor/chunker"
	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/ingest"
	"github.com/redline-ai/redline/services/editor/registry"
	"github.com/redline-ai/redline/services/editor/store"
	"github.com/redline-ai/redline/services/editor/stream"
	"github.com/redline-ai/redline/services/llm"
)

// echoClient streams a fixed delta script for every edit request.
type echoClient struct {
	deltas []string
}

func (c *echoClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return strings.Join(c.deltas, ""), nil
}

func (c *echoClient) ChatStream(ctx context.Context, messages []llm.Message,
	params llm.GenerationParams, cb llm.StreamCallback) error {

	for _, d := range c.deltas {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: d}); err != nil {
			return err
		}
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventFinish})
}

// fakeIndexer records index and forget calls.
type fakeIndexer struct {
	mu       sync.Mutex
	indexed  []string
	forgot   []string
	indexErr error
}

func (f *fakeIndexer) Index(ctx context.Context, doc *datatypes.Document, chunks []datatypes.Chunk) ([]datatypes.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	f.indexed = append(f.indexed, doc.ID)
	return chunks, nil
}

func (f *fakeIndexer) Forget(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, documentID)
	return nil
}

func (f *fakeIndexer) calls() (indexed, forgot []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indexed...), append([]string(nil), f.forgot...)
}

func newTestAPI(t *testing.T, client llm.Client) (*API, *gin.Engine, *store.BadgerStore, *fakeIndexer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.New(registry.StaticPlan{Limit: 4})
	require.NoError(t, err)

	diffCfg := config.DiffConfig{LookaheadRunes: 4, FuzzyThreshold: 0.75, SearchRadius: 2048}
	streamCfg := config.StreamConfig{
		DeltaBuffer:     8,
		MaxRetries:      1,
		RetryBaseDelay:  time.Millisecond,
		ProviderTimeout: 10 * time.Second,
	}
	ap := applier.New(config.ApplierConfig{MaxReresolutions: 2}, diffCfg, st)
	orch := stream.New(streamCfg, diffCfg, client, nil, ap, reg, st)

	ing := ingest.New(config.IngestConfig{
		FetchTimeout: 5 * time.Second,
		SectionSize:  1 << 16,
		MaxBodyBytes: 1 << 20,
		UserAgent:    "redline-test/1.0",
	})
	ch := chunker.New(config.ChunkerConfig{WindowSize: 400, OverlapFraction: 0.1})

	ix := &fakeIndexer{}
	api := NewAPI(orch, ing, ch, ix, st, reg, nil)

	router := gin.New()
	router.GET("/health", api.Health)
	v1 := router.Group("/v1")
	{
		v1.POST("/documents", api.CreateDocument)
		v1.GET("/documents", api.ListDocuments)
		v1.GET("/documents/:id", api.GetDocument)
		v1.DELETE("/documents", api.DeleteBySource)
		v1.POST("/streams", api.StartEditStream)
		v1.POST("/streams/:id/cancel", api.CancelStream)
		v1.GET("/streams/ws", api.EditSocket)
	}
	return api, router, st, ix
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedDoc(t *testing.T, st *store.BadgerStore, id, content string) {
	t.Helper()
	doc := &datatypes.Document{ID: id, Version: 1, Content: content}
	require.NoError(t, st.Commit(context.Background(), doc, 0))
}

// parseSSE decodes the recorded response body into patch events.
func parseSSE(t *testing.T, body string) []datatypes.PatchEvent {
	t.Helper()
	var out []datatypes.PatchEvent
	for _, block := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var ev datatypes.PatchEvent
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				out = append(out, ev)
			}
		}
	}
	return out
}

func TestHealthReportsActiveStreams(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"active_streams":0`)
}

func TestCreateDocumentStoresAndIndexes(t *testing.T) {
	_, router, st, ix := newTestAPI(t, &echoClient{})

	src := datatypes.ContentSource{
		Kind: datatypes.SourceText,
		Name: "notes",
		Text: "Release notes for the editor.",
	}
	w := doJSON(t, router, http.MethodPost, "/v1/documents", src)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Documents []documentSummary `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, int64(1), resp.Documents[0].Version)
	assert.Equal(t, "notes", resp.Documents[0].Source)

	doc, err := st.Load(context.Background(), resp.Documents[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Release notes for the editor.", doc.Content)

	indexed, _ := ix.calls()
	assert.Equal(t, []string{doc.ID}, indexed)

	// Re-ingesting the same source supersedes the stored revision.
	src.Text = "Updated release notes."
	w = doJSON(t, router, http.MethodPost, "/v1/documents", src)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	doc, err = st.Load(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "Updated release notes.", doc.Content)
}

func TestCreateDocumentRejectsEmptyContent(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})

	src := datatypes.ContentSource{Kind: datatypes.SourceText, Name: "blank", Text: "   \n  "}
	w := doJSON(t, router, http.MethodPost, "/v1/documents", src)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "empty_content")
}

func TestGetDocumentNotFound(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})

	w := doJSON(t, router, http.MethodGet, "/v1/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDocuments(t *testing.T) {
	_, router, st, _ := newTestAPI(t, &echoClient{})
	seedDoc(t, st, "d1", "First document.")
	seedDoc(t, st, "d2", "Second document.")

	w := doJSON(t, router, http.MethodGet, "/v1/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Documents []documentSummary `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Documents, 2)
}

func TestDeleteBySourceRemovesStoreAndIndex(t *testing.T) {
	_, router, st, ix := newTestAPI(t, &echoClient{})

	src := datatypes.ContentSource{Kind: datatypes.SourceText, Name: "scratch", Text: "Disposable text."}
	w := doJSON(t, router, http.MethodPost, "/v1/documents", src)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Documents []documentSummary `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Documents, 1)
	docID := resp.Documents[0].ID

	w = doJSON(t, router, http.MethodDelete, "/v1/documents?source=scratch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":1`)

	_, err := st.Load(context.Background(), docID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, forgot := ix.calls()
	assert.Equal(t, []string{docID}, forgot)
}

func TestDeleteBySourceRequiresSource(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})

	w := doJSON(t, router, http.MethodDelete, "/v1/documents", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartEditStreamEmitsSSE(t *testing.T) {
	_, router, st, _ := newTestAPI(t, &echoClient{deltas: []string{"The cat ", "sat."}})
	seedDoc(t, st, "d1", "The cat sit.")

	req := &datatypes.EditRequest{
		ID: "s-1", UserID: "u-1", DocumentID: "d1",
		Instruction: "fix the verb",
	}
	w := doJSON(t, router, http.MethodPost, "/v1/streams", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event: hunk_applied\n")
	assert.Contains(t, w.Body.String(), "event: stream_completed\n")

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventHunkApplied, events[0].Type)
	assert.Equal(t, "sat", events[0].Text)
	assert.Equal(t, datatypes.EventStreamCompleted, events[1].Type)
	assert.Equal(t, int64(2), events[1].NewVersion)

	doc, err := st.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "The cat sat.", doc.Content)
}

func TestStartEditStreamRejectsBadInput(t *testing.T) {
	_, router, st, _ := newTestAPI(t, &echoClient{})
	seedDoc(t, st, "d1", "Some text.")

	// Missing required fields.
	w := doJSON(t, router, http.MethodPost, "/v1/streams",
		&datatypes.EditRequest{ID: "s-1", DocumentID: "d1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown document.
	w = doJSON(t, router, http.MethodPost, "/v1/streams",
		&datatypes.EditRequest{ID: "s-2", UserID: "u-1", DocumentID: "nope", Instruction: "edit"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownStream(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})

	w := doJSON(t, router, http.MethodPost, "/v1/streams/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/streams/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsRead(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestEditSocketPingPong(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := wsDial(t, srv)
	require.NoError(t, conn.WriteJSON(wsCommand{Command: "ping"}))
	assert.Equal(t, "pong", wsRead(t, conn).Type)
}

func TestEditSocketRejectsUnknownCommand(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := wsDial(t, srv)
	require.NoError(t, conn.WriteJSON(wsCommand{Command: "launch"}))
	frame := wsRead(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "launch")
}

func TestEditSocketStreamsEdit(t *testing.T) {
	_, router, st, _ := newTestAPI(t, &echoClient{deltas: []string{"The cat ", "sat."}})
	seedDoc(t, st, "d1", "The cat sit.")
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := wsDial(t, srv)
	require.NoError(t, conn.WriteJSON(wsCommand{
		Command: "edit",
		Request: &datatypes.EditRequest{
			ID: "ws-1", UserID: "u-1", DocumentID: "d1",
			Instruction: "fix the verb",
		},
	}))

	frame := wsRead(t, conn)
	require.Equal(t, "stream_started", frame.Type)
	assert.Equal(t, "ws-1", frame.StreamID)

	var events []datatypes.PatchEvent
	for {
		frame = wsRead(t, conn)
		require.Equal(t, "event", frame.Type)
		require.NotNil(t, frame.Event)
		events = append(events, *frame.Event)
		if frame.Event.Type != datatypes.EventHunkApplied &&
			frame.Event.Type != datatypes.EventHunkUnresolved {
			break
		}
	}
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventHunkApplied, events[0].Type)
	assert.Equal(t, datatypes.EventStreamCompleted, events[1].Type)

	doc, err := st.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "The cat sat.", doc.Content)
}

func TestEditSocketStopWithoutStream(t *testing.T) {
	_, router, _, _ := newTestAPI(t, &echoClient{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := wsDial(t, srv)
	require.NoError(t, conn.WriteJSON(wsCommand{Command: "stop"}))
	frame := wsRead(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "no active stream")
}
