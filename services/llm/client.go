// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the model-provider boundary: chat completion
// (blocking and streaming) and text embeddings.
package llm

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tunes a single completion call.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	StreamEventToken  StreamEventType = "token"
	StreamEventFinish StreamEventType = "finish"
	StreamEventError  StreamEventType = "error"
)

// StreamEvent is one element of the provider's ordered delta sequence:
// text deltas terminated by a finish marker or an error marker.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback is called for each event during streaming, in order.
// Returning an error aborts the stream; the provider client stops
// pulling further deltas.
type StreamCallback func(event StreamEvent) error

// Client is the standard interface for any LLM backend.
type Client interface {
	// Generate produces a complete response for a prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream streams a conversation response delta-by-delta. The
	// callback receives every delta, then exactly one finish or error
	// event. ChatStream returns after the terminal event is delivered
	// or the context is done.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error
}

// Embedder computes fixed-dimension embedding vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the dimensionality of every vector this embedder
	// produces. Fixed for the embedder's lifetime.
	Dim() int
}
