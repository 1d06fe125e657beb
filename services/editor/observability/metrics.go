// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus metrics for the editor
// service: stream lifecycle counters, hunk outcomes, latency
// histograms, and ingestion counters. Metrics are exposed on /metrics
// via promhttp.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "redline"
	editorSubsystem  = "editor"
)

// EditorMetrics holds all Prometheus metrics for the edit pipeline.
// Initialize once at startup via InitMetrics; all operations are
// thread-safe afterwards.
type EditorMetrics struct {
	// StreamsTotal counts finished streams by terminal state.
	// Labels: status (completed, cancelled, failed)
	StreamsTotal *prometheus.CounterVec

	// ActiveStreams tracks streams currently between Start and their
	// terminal transition.
	ActiveStreams prometheus.Gauge

	// HunksAppliedTotal counts successfully applied patch hunks.
	HunksAppliedTotal prometheus.Counter

	// HunksUnresolvedTotal counts hunks surfaced unresolved, by reason.
	// Labels: reason (anchor_not_found, ambiguous_match, document_mutated)
	HunksUnresolvedTotal *prometheus.CounterVec

	// TimeToFirstHunkSeconds measures latency from stream start to the
	// first applied hunk.
	TimeToFirstHunkSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration by terminal
	// state.
	StreamDurationSeconds *prometheus.HistogramVec

	// DocumentsIngestedTotal counts ingested documents by source kind.
	// Labels: kind (text, markup, url, rendered_url)
	DocumentsIngestedTotal *prometheus.CounterVec

	// IngestErrorsTotal counts skipped ingestion jobs by failure kind.
	// Labels: kind (fetch_failed, unparseable_content, empty_content)
	IngestErrorsTotal *prometheus.CounterVec

	// ChunksIndexedTotal counts chunks upserted into the vector store.
	ChunksIndexedTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *EditorMetrics

// InitMetrics registers all editor metrics with the default Prometheus
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *EditorMetrics {
	DefaultMetrics = &EditorMetrics{
		StreamsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "streams_total",
				Help:      "Finished edit streams by terminal state",
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "active_streams",
				Help:      "Edit streams currently running",
			},
		),

		HunksAppliedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "hunks_applied_total",
				Help:      "Patch hunks applied to documents",
			},
		),

		HunksUnresolvedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "hunks_unresolved_total",
				Help:      "Patch hunks surfaced unresolved, by reason",
			},
			[]string{"reason"},
		),

		TimeToFirstHunkSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "time_to_first_hunk_seconds",
				Help:      "Latency from stream start to the first applied hunk",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total edit stream duration by terminal state",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		DocumentsIngestedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "documents_ingested_total",
				Help:      "Documents accepted by the ingestor, by source kind",
			},
			[]string{"kind"},
		),

		IngestErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "ingest_errors_total",
				Help:      "Skipped ingestion jobs by failure kind",
			},
			[]string{"kind"},
		),

		ChunksIndexedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: editorSubsystem,
				Name:      "chunks_indexed_total",
				Help:      "Chunks upserted into the vector store",
			},
		),
	}
	return DefaultMetrics
}

// RecordStreamEnd records a stream's terminal state and duration.
func (m *EditorMetrics) RecordStreamEnd(status string, seconds float64) {
	m.StreamsTotal.WithLabelValues(status).Inc()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
	m.ActiveStreams.Dec()
}

// RecordStreamStart increments the active stream gauge.
func (m *EditorMetrics) RecordStreamStart() {
	m.ActiveStreams.Inc()
}

// RecordHunk records one hunk outcome.
func (m *EditorMetrics) RecordHunk(applied bool, reason string) {
	if applied {
		m.HunksAppliedTotal.Inc()
		return
	}
	m.HunksUnresolvedTotal.WithLabelValues(reason).Inc()
}

// RecordIngest records one ingestion outcome. kind is the source kind
// on success and the failure kind on error.
func (m *EditorMetrics) RecordIngest(ok bool, kind string, docs int) {
	if ok {
		m.DocumentsIngestedTotal.WithLabelValues(kind).Add(float64(docs))
		return
	}
	m.IngestErrorsTotal.WithLabelValues(kind).Inc()
}
