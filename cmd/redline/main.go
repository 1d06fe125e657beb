// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command redline runs the streaming document editor service.
//
// # Environment Variables
//
//   - REDLINE_PORT: HTTP server port (default: 12230)
//   - REDLINE_DATA_DIR: document store directory (default: ./data/redline)
//   - REDLINE_CONFIG: pipeline configuration YAML (optional)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional; in-process
//     index when unset)
//   - OPENAI_API_KEY: model provider key (required for serve)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//     (default: redline-otel-collector:4317)
package main

import (
	"log"
	"os"

	"github.com/redline-ai/redline/pkg/logging"
)

func main() {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("REDLINE_LOG_LEVEL")),
		LogDir:  os.Getenv("REDLINE_LOG_DIR"),
		Service: "editor",
		JSON:    true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer func() { _ = logger.Close() }()
	logger.SetAsDefault()

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
