// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds every tunable parameter of the edit pipeline.
//
// The thresholds and ceilings here are deliberately configuration, not
// constants: the conservative defaults are validated by the pipeline's
// property tests, and deployments override them through a YAML file
// (REDLINE_CONFIG) and per-field environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full tunable surface of the editor service.
type Config struct {
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Stream    StreamConfig    `yaml:"stream"`
	Diff      DiffConfig      `yaml:"diff"`
	Applier   ApplierConfig   `yaml:"applier"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ChunkerConfig controls retrieval-unit splitting.
type ChunkerConfig struct {
	// WindowSize is the chunk size in runes.
	WindowSize int `yaml:"window_size" validate:"gt=0"`
	// OverlapFraction is the fraction of each window shared with its
	// predecessor so no semantic unit is lost at a boundary.
	OverlapFraction float64 `yaml:"overlap_fraction" validate:"gte=0,lt=1"`
}

// IndexConfig controls embedding and vector-store upserts.
type IndexConfig struct {
	// EmbeddingDim is fixed system-wide; a mismatch anywhere is a
	// fatal configuration error, not a per-call failure.
	EmbeddingDim int `yaml:"embedding_dim" validate:"gt=0"`
	// EmbedRateLimit caps embedding calls per second.
	EmbedRateLimit float64 `yaml:"embed_rate_limit" validate:"gt=0"`
	// StoreTimeout bounds each vector-store call.
	StoreTimeout time.Duration `yaml:"store_timeout" validate:"gt=0"`
	// GCSchedule is the cron spec for the stale-chunk sweep.
	GCSchedule string `yaml:"gc_schedule" validate:"required"`
	// MaxRetries bounds store-unavailable retries.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// RetrievalConfig controls similarity search.
type RetrievalConfig struct {
	TopK         int     `yaml:"top_k" validate:"gt=0,lte=50"`
	MinCertainty float64 `yaml:"min_certainty" validate:"gte=0,lte=1"`
}

// StreamConfig controls the completion orchestrator.
type StreamConfig struct {
	// DeltaBuffer is the bounded capacity of the provider→engine
	// channel; a full buffer pauses delta pulls (backpressure).
	DeltaBuffer int `yaml:"delta_buffer" validate:"gt=0"`
	// MaxRetries is the transient-failure attempt ceiling.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gt=0"`
	// ProviderTimeout bounds each model-provider call independently of
	// the stream's own context.
	ProviderTimeout time.Duration `yaml:"provider_timeout" validate:"gt=0"`
}

// DiffConfig controls the diff/anchor engine.
type DiffConfig struct {
	// LookaheadRunes is the tail of generated output held back until
	// enough subsequent context makes revision by the model unlikely.
	LookaheadRunes int `yaml:"lookahead_runes" validate:"gt=0"`
	// FuzzyThreshold is the minimum similarity score for accepting a
	// fuzzy anchor match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" validate:"gte=0,lte=1"`
	// SearchRadius bounds the fuzzy-match neighborhood, in bytes
	// either side of the anchor's last known offset.
	SearchRadius int `yaml:"search_radius" validate:"gt=0"`
}

// ApplierConfig controls patch application.
type ApplierConfig struct {
	// MaxReresolutions bounds conflict re-queues before a hunk is
	// surfaced unresolved.
	MaxReresolutions int `yaml:"max_reresolutions" validate:"gte=0,lte=10"`
}

// IngestConfig controls the content ingestor.
type IngestConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	// SectionSize splits oversized pages into storable sections.
	SectionSize int `yaml:"section_size" validate:"gt=0"`
	// MaxBodyBytes caps fetched response bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gt=0"`
	UserAgent    string `yaml:"user_agent"`
}

var validate = validator.New()

// Default returns the conservative defaults exercised by the property
// tests.
func Default() Config {
	return Config{
		Chunker: ChunkerConfig{
			WindowSize:      1000,
			OverlapFraction: 0.10,
		},
		Index: IndexConfig{
			EmbeddingDim:   1536,
			EmbedRateLimit: 10,
			StoreTimeout:   30 * time.Second,
			GCSchedule:     "@every 5m",
			MaxRetries:     3,
		},
		Retrieval: RetrievalConfig{
			TopK:         6,
			MinCertainty: 0.70,
		},
		Stream: StreamConfig{
			DeltaBuffer:     64,
			MaxRetries:      3,
			RetryBaseDelay:  time.Second,
			ProviderTimeout: 2 * time.Minute,
		},
		Diff: DiffConfig{
			LookaheadRunes: 48,
			FuzzyThreshold: 0.85,
			SearchRadius:   2048,
		},
		Applier: ApplierConfig{
			MaxReresolutions: 2,
		},
		Ingest: IngestConfig{
			FetchTimeout: 30 * time.Second,
			SectionSize:  20000,
			MaxBodyBytes: 10 << 20,
			UserAgent:    "redline-ingestor/1.0",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by REDLINE_CONFIG (if set), then environment overrides, then
// validation.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("REDLINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Info("Loaded configuration file", "path", path)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides maps a small set of deployment-sensitive knobs to
// environment variables. File config covers the rest.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDLINE_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.EmbeddingDim = n
		} else {
			slog.Warn("Ignoring non-numeric REDLINE_EMBEDDING_DIM", "value", v)
		}
	}
	if v := os.Getenv("REDLINE_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.TopK = n
		} else {
			slog.Warn("Ignoring non-numeric REDLINE_TOP_K", "value", v)
		}
	}
	if v := os.Getenv("REDLINE_FUZZY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Diff.FuzzyThreshold = f
		} else {
			slog.Warn("Ignoring non-numeric REDLINE_FUZZY_THRESHOLD", "value", v)
		}
	}
	if v := os.Getenv("REDLINE_STREAM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.MaxRetries = n
		} else {
			slog.Warn("Ignoring non-numeric REDLINE_STREAM_MAX_RETRIES", "value", v)
		}
	}
}
