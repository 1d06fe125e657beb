// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/redline-ai/redline/services/editor"
	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
	"github.com/redline-ai/redline/services/editor/ingest"
	"github.com/redline-ai/redline/services/editor/store"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	ingestName     string
	ingestRendered bool

	rootCmd = &cobra.Command{
		Use:   "redline",
		Short: "A streaming retrieval-augmented document editor",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the editor HTTP server",
		RunE:  runServe,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [url or file path]",
		Short: "Ingest a source into the local document store",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	ingestCmd.Flags().StringVar(&ingestName, "name", "",
		"source name for provenance (defaults to the url or path)")
	ingestCmd.Flags().BoolVar(&ingestRendered, "render", false,
		"render the page in a headless browser before extraction")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := editor.ServiceConfig{
		Port:         getEnvInt("REDLINE_PORT", 12230),
		DataDir:      os.Getenv("REDLINE_DATA_DIR"),
		WeaviateURL:  os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StreamLimit:  getEnvInt("REDLINE_STREAM_LIMIT", 4),
	}

	svc, err := editor.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

// runIngest stores the source's documents without indexing them; the
// server indexes on its own ingest path.
func runIngest(cmd *cobra.Command, args []string) error {
	pipeline, err := config.Load()
	if err != nil {
		return err
	}

	src, err := sourceFromArg(args[0])
	if err != nil {
		return err
	}

	docs, err := ingest.New(pipeline.Ingest).Ingest(cmd.Context(), src)
	if err != nil {
		return err
	}

	dataDir := os.Getenv("REDLINE_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data/redline"
	}
	st, err := store.Open(store.Config{Path: dataDir})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("store close: %v", err)
		}
	}()

	for _, doc := range docs {
		var expected int64
		if existing, err := st.Load(cmd.Context(), doc.ID); err == nil {
			expected = existing.Version
		}
		doc.Version = expected + 1
		if err := st.Commit(cmd.Context(), doc, expected); err != nil {
			return fmt.Errorf("store %s: %w", doc.ID, err)
		}
	}

	out := struct {
		Source    string `json:"source"`
		Documents int    `json:"documents"`
	}{Source: sourceLabel(src), Documents: len(docs)}
	return json.NewEncoder(os.Stdout).Encode(out)
}

func sourceFromArg(arg string) (datatypes.ContentSource, error) {
	src := datatypes.ContentSource{Name: ingestName}

	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		src.URL = arg
		src.Kind = datatypes.SourceURL
		if ingestRendered {
			src.Kind = datatypes.SourceRenderedURL
		}
		return src, nil
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return src, fmt.Errorf("read %s: %w", arg, err)
	}
	if src.Name == "" {
		src.Name = arg
	}
	if strings.HasSuffix(arg, ".html") || strings.HasSuffix(arg, ".htm") {
		src.Kind = datatypes.SourceMarkup
		src.Markup = string(data)
	} else {
		src.Kind = datatypes.SourceText
		src.Text = string(data)
	}
	return src, nil
}

func sourceLabel(src datatypes.ContentSource) string {
	if src.Name != "" {
		return src.Name
	}
	return src.URL
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
