// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package editor assembles the edit pipeline into a runnable service:
// document store, vector index, retrieval, the streaming orchestrator,
// and the HTTP surface.
//
// The service degrades gracefully. Without a Weaviate URL the vector
// index runs in-process; without an OpenAI key, retrieval and indexing
// are disabled and documents remain editable.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/redline-ai/redline/services/editor/applier"
	"github.com/redline-ai/redline/services/editor/chunker"
	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/handlers"
	"github.com/redline-ai/redline/services/editor/index"
	"github.com/redline-ai/redline/services/editor/ingest"
	"github.com/redline-ai/redline/services/editor/observability"
	"github.com/redline-ai/redline/services/editor/registry"
	"github.com/redline-ai/redline/services/editor/retrieval"
	"github.com/redline-ai/redline/services/editor/routes"
	"github.com/redline-ai/redline/services/editor/store"
	"github.com/redline-ai/redline/services/editor/stream"
	"github.com/redline-ai/redline/services/llm"
)

// ServiceConfig holds the deployment-level knobs; the pipeline's own
// tunables come from config.Load.
type ServiceConfig struct {
	// Port is the HTTP server port. Default: 12230.
	Port int

	// DataDir is the document store directory. Default: ./data/redline.
	DataDir string

	// WeaviateURL is the vector database URL. Empty runs the index
	// in-process.
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	OTelEndpoint string

	// StreamLimit is the per-user concurrent stream ceiling.
	StreamLimit int

	// GinMode overrides GIN_MODE when set.
	GinMode string
}

// Service is the assembled editor service.
type Service struct {
	cfg      ServiceConfig
	pipeline config.Config

	st            *store.BadgerStore
	indexer       *index.Indexer
	registry      *registry.Registry
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New builds the service: tracing, metrics, stores, clients, pipeline,
// router. The returned Service is ready to Run.
func New(cfg ServiceConfig) (*Service, error) {
	s := &Service{cfg: applyServiceDefaults(cfg)}

	pipeline, err := config.Load()
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	cleanup, err := initTracer(s.cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	observability.InitMetrics()

	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func applyServiceDefaults(cfg ServiceConfig) ServiceConfig {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "redline-otel-collector:4317"
	}
	if cfg.StreamLimit == 0 {
		cfg.StreamLimit = 4
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/redline"
	}
	return cfg
}

func (s *Service) build() error {
	var err error
	s.st, err = store.Open(store.Config{Path: s.cfg.DataDir})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	s.registry, err = registry.New(registry.StaticPlan{Limit: s.cfg.StreamLimit})
	if err != nil {
		return err
	}

	client, err := llm.NewOpenAIClient()
	if err != nil {
		return fmt.Errorf("initialize model provider: %w", err)
	}

	ch := chunker.New(s.pipeline.Chunker)
	retriever, err := s.buildRetrieval()
	if err != nil {
		return err
	}

	ap := applier.New(s.pipeline.Applier, s.pipeline.Diff, s.st)
	orch := stream.New(s.pipeline.Stream, s.pipeline.Diff, client, retriever,
		ap, s.registry, s.st)
	if s.indexer != nil {
		orch.SetReindex(func(ctx context.Context, doc *datatypes.Document) {
			chunks, err := ch.Split(doc.ID, doc.Version, doc.Content)
			if err != nil {
				slog.Warn("Reindex split failed", "document_id", doc.ID, "error", err)
				return
			}
			if _, err := s.indexer.Index(ctx, doc, chunks); err != nil {
				slog.Warn("Reindex failed", "document_id", doc.ID, "error", err)
			}
		})
	}

	ingestor := ingest.New(s.pipeline.Ingest)

	var ix handlers.DocumentIndexer
	if s.indexer != nil {
		ix = s.indexer
	}
	api := handlers.NewAPI(orch, ingestor, ch, ix, s.st, s.registry,
		observability.DefaultMetrics)

	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Logger(), gin.Recovery())
	s.router.Use(otelgin.Middleware("editor-service"))
	routes.SetupRoutes(s.router, api)

	return nil
}

// buildRetrieval wires the embedder, vector store, indexer, and
// retrieval coordinator. A missing API key disables all of them.
func (s *Service) buildRetrieval() (*retrieval.Coordinator, error) {
	embedder, err := llm.NewOpenAIEmbedder(s.pipeline.Index.EmbeddingDim)
	if err != nil {
		slog.Warn("Embedder unavailable, retrieval and indexing disabled", "error", err)
		return nil, nil
	}

	vstore, err := s.buildVectorStore()
	if err != nil {
		return nil, err
	}
	if err := vstore.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure vector schema: %w", err)
	}

	s.indexer, err = index.NewIndexer(embedder, vstore, s.pipeline.Index)
	if err != nil {
		return nil, err
	}
	if err := s.indexer.StartGC(); err != nil {
		return nil, fmt.Errorf("start index gc: %w", err)
	}

	return retrieval.NewCoordinator(embedder, vstore, s.pipeline.Retrieval)
}

func (s *Service) buildVectorStore() (index.VectorStore, error) {
	raw := strings.Trim(s.cfg.WeaviateURL, "\"' ")
	if raw == "" {
		slog.Info("Weaviate URL not configured, vector index runs in-process")
		return index.NewMemoryStore(s.pipeline.Index.EmbeddingDim), nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", raw)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	slog.Info("Weaviate client initialized", "url", raw)
	return index.NewWeaviateStore(client, s.pipeline.Index.EmbeddingDim)
}

// Run serves HTTP until ctx is cancelled, then drains live streams and
// shuts down.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting editor server", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "active_streams", s.registry.ActiveTotal())
	s.registry.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router exposes the configured engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Close releases everything New acquired.
func (s *Service) Close() {
	if s.indexer != nil {
		s.indexer.StopGC()
	}
	if s.st != nil {
		if err := s.st.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// initTracer points the OTLP exporter at the collector and installs
// the global tracer provider.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create grpc connection: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("editor-service")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
