// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// ChunkClassName is the Weaviate class holding document chunks.
const ChunkClassName = "DocumentChunk"

// upsertBatchSize is the number of chunks sent per batch request.
const upsertBatchSize = 100

// chunkNamespace seeds deterministic chunk ids. Fixed so that the same
// chunk identity and content always maps to the same object id.
var chunkNamespace = uuid.MustParse("8f1a2b44-6c1e-4d15-9b0a-3f5e7c9d2a61")

// WeaviateStore implements VectorStore against a Weaviate instance with
// vectorizer "none": all vectors are supplied by the embedder.
type WeaviateStore struct {
	client *weaviate.Client
	dim    int
}

// NewWeaviateStore wraps a Weaviate client with the system embedding
// dimension.
func NewWeaviateStore(client *weaviate.Client, dim int) (*WeaviateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("dim must be positive, got %d", dim)
	}
	return &WeaviateStore{client: client, dim: dim}, nil
}

// chunkSchema returns the DocumentChunk class definition.
func chunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChunkClassName,
		Description: "One retrieval unit of a versioned document",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "documentId",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "version",
				DataType:        []string{"int"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:     "seq",
				DataType: []string{"int"},
			},
			{
				Name:     "start",
				DataType: []string{"int"},
			},
			{
				Name:     "end",
				DataType: []string{"int"},
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:     "overlapStart",
				DataType: []string{"int"},
			},
			{
				Name:            "stale",
				DataType:        []string{"boolean"},
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema implements VectorStore.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(ChunkClassName).Do(ctx)
	if err == nil {
		return nil
	}

	slog.Info("Creating chunk schema", "class", ChunkClassName)
	if err := s.client.Schema().ClassCreator().WithClass(chunkSchema()).Do(ctx); err != nil {
		return storeUnavailable(fmt.Errorf("creating %s schema: %w", ChunkClassName, err))
	}
	return nil
}

// chunkObjectID derives a deterministic object id for a chunk. The hash
// covers identity and content, so a re-upsert of unchanged content hits
// the same id.
func chunkObjectID(c *datatypes.Chunk) strfmt.UUID {
	key := fmt.Sprintf("%s|%d|%d|%s", c.DocumentID, c.Version, c.Seq, c.ContentHash())
	return strfmt.UUID(uuid.NewSHA1(chunkNamespace, []byte(key)).String())
}

// Upsert implements VectorStore.
func (s *WeaviateStore) Upsert(ctx context.Context, chunks []datatypes.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for i := range chunks {
		if len(chunks[i].Vector) != s.dim {
			return dimensionMismatch(chunks[i].DocumentID, len(chunks[i].Vector), s.dim)
		}
	}

	for i := 0; i < len(chunks); i += upsertBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := i + upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		objects := make([]*models.Object, len(batch))
		for j := range batch {
			c := &batch[j]
			objects[j] = &models.Object{
				ID:     chunkObjectID(c),
				Class:  ChunkClassName,
				Vector: models.C11yVector(c.Vector),
				Properties: map[string]interface{}{
					"documentId":   c.DocumentID,
					"version":      c.Version,
					"seq":          c.Seq,
					"start":        c.Start,
					"end":          c.End,
					"content":      c.Content,
					"overlapStart": c.OverlapStart,
					"stale":        c.Stale,
				},
			}
		}

		result, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return storeUnavailable(fmt.Errorf("batch upsert failed: %w", err))
		}
		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return storeUnavailable(fmt.Errorf("object rejected: %s", obj.Result.Errors.Error[0].Message))
			}
		}
	}
	return nil
}

// Search implements VectorStore.
func (s *WeaviateStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]datatypes.RetrievedChunk, error) {
	if len(vector) != s.dim {
		return nil, dimensionMismatch(opts.DocumentID, len(vector), s.dim)
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithCertainty(float32(opts.MinCertainty))

	// Stale chunks carry offsets into superseded snapshots and never
	// reach retrieval.
	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"stale"}).
			WithOperator(filters.Equal).
			WithValueBoolean(false),
	}
	if opts.DocumentID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueString(opts.DocumentID))
	}
	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	// Certainty is always [0,1] regardless of distance metric.
	fields := []graphql.Field{
		{Name: "documentId"},
		{Name: "version"},
		{Name: "seq"},
		{Name: "start"},
		{Name: "end"},
		{Name: "content"},
		{Name: "overlapStart"},
		{Name: "stale"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithNearVector(nearVector).
		WithLimit(opts.TopK).
		Do(ctx)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("near-vector search failed: %w", err))
	}
	if len(result.Errors) > 0 {
		return nil, storeUnavailable(fmt.Errorf("search error: %s", result.Errors[0].Message))
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[ChunkClassName].([]interface{})
	if !ok {
		return nil, nil
	}

	hits := make([]datatypes.RetrievedChunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		hit := datatypes.RetrievedChunk{
			Chunk: datatypes.Chunk{
				DocumentID:   getString(m, "documentId"),
				Version:      int64(getFloat(m, "version")),
				Seq:          int(getFloat(m, "seq")),
				Start:        int(getFloat(m, "start")),
				End:          int(getFloat(m, "end")),
				Content:      getString(m, "content"),
				OverlapStart: int(getFloat(m, "overlapStart")),
			},
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				hit.Score = certainty
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// MarkStale implements VectorStore. Matching objects are patched one by
// one; Weaviate has no batch property update.
func (s *WeaviateStore) MarkStale(ctx context.Context, documentID string, beforeVersion int64) error {
	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"documentId"}).
				WithOperator(filters.Equal).
				WithValueString(documentID),
			filters.Where().
				WithPath([]string{"version"}).
				WithOperator(filters.LessThan).
				WithValueInt(beforeVersion),
			filters.Where().
				WithPath([]string{"stale"}).
				WithOperator(filters.Equal).
				WithValueBoolean(false),
		})

	result, err := s.client.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		WithWhere(whereFilter).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return storeUnavailable(fmt.Errorf("stale query failed: %w", err))
	}
	if len(result.Errors) > 0 {
		return storeUnavailable(fmt.Errorf("stale query error: %s", result.Errors[0].Message))
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[ChunkClassName].([]interface{})
	if !ok {
		return nil
	}

	marked := 0
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		additional, ok := m["_additional"].(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := additional["id"].(string)
		if !ok {
			continue
		}

		err := s.client.Data().Updater().
			WithClassName(ChunkClassName).
			WithID(id).
			WithProperties(map[string]interface{}{"stale": true}).
			WithMerge().
			Do(ctx)
		if err != nil {
			return storeUnavailable(fmt.Errorf("marking chunk %s stale: %w", id, err))
		}
		marked++
	}
	if marked > 0 {
		slog.Info("Marked superseded chunks stale",
			"document_id", documentID,
			"before_version", beforeVersion,
			"count", marked)
	}
	return nil
}

// SweepStale implements VectorStore.
func (s *WeaviateStore) SweepStale(ctx context.Context) (int, error) {
	whereFilter := filters.Where().
		WithPath([]string{"stale"}).
		WithOperator(filters.Equal).
		WithValueBoolean(true)

	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ChunkClassName).
		WithWhere(whereFilter).
		Do(ctx)
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("stale sweep failed: %w", err))
	}

	deleted := 0
	if resp != nil && resp.Results != nil {
		deleted = int(resp.Results.Successful)
	}
	return deleted, nil
}

// DeleteDocument implements VectorStore.
func (s *WeaviateStore) DeleteDocument(ctx context.Context, documentID string) error {
	whereFilter := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ChunkClassName).
		WithWhere(whereFilter).
		Do(ctx)
	if err != nil {
		return storeUnavailable(fmt.Errorf("deleting chunks of %s: %w", documentID, err))
	}
	return nil
}

// Dim implements VectorStore.
func (s *WeaviateStore) Dim() int { return s.dim }

// getString safely extracts a string from a GraphQL result map.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getFloat safely extracts a numeric value; GraphQL ints decode as
// float64.
func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func storeUnavailable(err error) error {
	return &datatypes.RetrievalError{Kind: datatypes.RetrievalStoreUnavailable, Err: err}
}

func dimensionMismatch(documentID string, got, want int) error {
	return &datatypes.RetrievalError{
		Kind: datatypes.RetrievalDimensionMismatch,
		Err:  fmt.Errorf("document %s: vector has %d dimensions, store expects %d", documentID, got, want),
	}
}

var _ VectorStore = (*WeaviateStore)(nil)
