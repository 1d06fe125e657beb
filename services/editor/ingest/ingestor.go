// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest turns external content into editable documents.
//
// Input is a closed set of tagged sources: inline plain text, inline
// HTML markup, a URL fetched with a plain GET, or a URL that needs
// script execution before its content exists. Everything normalizes to
// plain text (markdown for markup sources) with provenance recording
// where and when the content was obtained. Oversized pages are split
// into sections so each stored document stays within the configured
// size.
//
// Failures are per-job: a fetch error, an unparseable page, or an empty
// result fails that source only, as an *datatypes.IngestionError the
// caller logs and skips.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

// documentNamespace seeds deterministic document ids, so re-ingesting
// the same source section lands on the same document.
var documentNamespace = uuid.MustParse("3d92c7aa-41b8-4f02-8e6d-5a1b0c4f9e27")

// boilerplateSelector matches page chrome that never carries document
// content.
const boilerplateSelector = "script, style, noscript, nav, header, footer, aside, iframe, form"

// Renderer loads a page through a scripting-capable browser and returns
// the resulting HTML.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Ingestor normalizes tagged content sources into documents.
type Ingestor struct {
	cfg      config.IngestConfig
	client   *http.Client
	renderer Renderer
	splitter textsplitter.RecursiveCharacter
	tracer   trace.Tracer
}

// New builds an ingestor. Rendered-URL sources use a headless browser
// unless SetRenderer installs a replacement.
func New(cfg config.IngestConfig) *Ingestor {
	return &Ingestor{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		renderer: newChromeRenderer(cfg),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.SectionSize),
			textsplitter.WithChunkOverlap(0),
		),
		tracer: otel.Tracer("redline.ingest"),
	}
}

// SetRenderer replaces the rendered-URL backend.
func (in *Ingestor) SetRenderer(r Renderer) { in.renderer = r }

// Ingest normalizes one source into one or more documents, in section
// order. Documents carry Version 0; the caller commits them.
func (in *Ingestor) Ingest(ctx context.Context, src datatypes.ContentSource) ([]*datatypes.Document, error) {
	ctx, span := in.tracer.Start(ctx, "ingest.Ingest",
		trace.WithAttributes(
			attribute.String("kind", string(src.Kind)),
			attribute.String("name", src.Name),
		))
	defer span.End()

	text, err := in.normalize(ctx, src)
	if err != nil {
		return nil, err
	}

	text = cleanWhitespace(text)
	if text == "" {
		return nil, &datatypes.IngestionError{
			Kind: datatypes.IngestEmptyContent, Source: sourceName(src),
		}
	}

	sections, err := in.section(text)
	if err != nil {
		return nil, &datatypes.IngestionError{
			Kind: datatypes.IngestUnparseableContent, Source: sourceName(src), Err: err,
		}
	}

	fetchedAt := time.Now().UTC()
	docs := make([]*datatypes.Document, 0, len(sections))
	for i, section := range sections {
		docs = append(docs, &datatypes.Document{
			ID:      documentID(sourceName(src), i),
			Content: section,
			Provenance: &datatypes.Provenance{
				Source:    sourceName(src),
				FetchedAt: fetchedAt,
			},
		})
	}
	span.SetAttributes(attribute.Int("sections", len(docs)))
	return docs, nil
}

// normalize obtains the raw content for the source kind and reduces it
// to plain text.
func (in *Ingestor) normalize(ctx context.Context, src datatypes.ContentSource) (string, error) {
	switch src.Kind {
	case datatypes.SourceText:
		return src.Text, nil

	case datatypes.SourceMarkup:
		return in.markupToText(src.Markup, sourceName(src))

	case datatypes.SourceURL:
		html, err := in.fetch(ctx, src.URL)
		if err != nil {
			return "", err
		}
		return in.markupToText(html, src.URL)

	case datatypes.SourceRenderedURL:
		html, err := in.renderer.Render(ctx, src.URL)
		if err != nil {
			return "", &datatypes.IngestionError{
				Kind: datatypes.IngestFetchFailed, Source: src.URL, Err: err,
			}
		}
		return in.markupToText(html, src.URL)

	default:
		return "", &datatypes.IngestionError{
			Kind:   datatypes.IngestUnparseableContent,
			Source: sourceName(src),
			Err:    fmt.Errorf("unknown source kind %q", src.Kind),
		}
	}
}

// fetch GETs the URL with the configured timeout, user agent, and body
// cap.
func (in *Ingestor) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &datatypes.IngestionError{
			Kind: datatypes.IngestFetchFailed, Source: url, Err: err,
		}
	}
	req.Header.Set("User-Agent", in.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := in.client.Do(req)
	if err != nil {
		return "", &datatypes.IngestionError{
			Kind: datatypes.IngestFetchFailed, Source: url, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &datatypes.IngestionError{
			Kind:   datatypes.IngestFetchFailed,
			Source: url,
			Err:    fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, in.cfg.MaxBodyBytes+1))
	if err != nil {
		return "", &datatypes.IngestionError{
			Kind: datatypes.IngestFetchFailed, Source: url, Err: err,
		}
	}
	if int64(len(body)) > in.cfg.MaxBodyBytes {
		return "", &datatypes.IngestionError{
			Kind:   datatypes.IngestFetchFailed,
			Source: url,
			Err:    fmt.Errorf("body exceeds %d bytes", in.cfg.MaxBodyBytes),
		}
	}
	return string(body), nil
}

// markupToText strips page chrome with goquery and converts what
// remains to markdown.
func (in *Ingestor) markupToText(html, source string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", &datatypes.IngestionError{
			Kind: datatypes.IngestUnparseableContent, Source: source, Err: err,
		}
	}

	doc.Find(boilerplateSelector).Remove()

	root := doc.Selection
	if main := doc.Find("main, article, [role=main]").First(); main.Length() > 0 {
		root = main
	}

	cleaned, err := goquery.OuterHtml(root)
	if err != nil {
		return "", &datatypes.IngestionError{
			Kind: datatypes.IngestUnparseableContent, Source: source, Err: err,
		}
	}

	markdown, err := md.NewConverter("", true, nil).ConvertString(cleaned)
	if err != nil {
		return "", &datatypes.IngestionError{
			Kind: datatypes.IngestUnparseableContent, Source: source, Err: err,
		}
	}
	return markdown, nil
}

// section splits oversized content; anything within SectionSize passes
// through whole.
func (in *Ingestor) section(text string) ([]string, error) {
	if len(text) <= in.cfg.SectionSize {
		return []string{text}, nil
	}
	return in.splitter.SplitText(text)
}

func sourceName(src datatypes.ContentSource) string {
	switch {
	case src.Name != "":
		return src.Name
	case src.URL != "":
		return src.URL
	default:
		return string(src.Kind)
	}
}

func documentID(source string, section int) string {
	key := fmt.Sprintf("%s#%d", source, section)
	return uuid.NewSHA1(documentNamespace, []byte(key)).String()
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]+`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

func cleanWhitespace(text string) string {
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
