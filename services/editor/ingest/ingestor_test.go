// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redline-ai/redline/services/editor/config"
	"github.com/redline-ai/redline/services/editor/datatypes"
)

func testIngestor() *Ingestor {
	return New(config.IngestConfig{
		FetchTimeout: 5 * time.Second,
		SectionSize:  100,
		MaxBodyBytes: 1 << 20,
		UserAgent:    "redline-test/1.0",
	})
}

const testPage = `<!DOCTYPE html>
<html><head><title>Page</title><script>var tracking = true;</script></head>
<body>
<nav>Site navigation links</nav>
<main><h1>Release Notes</h1><p>Everything shipped on time.</p></main>
<footer>Copyright footer</footer>
</body></html>`

func TestIngestPlainText(t *testing.T) {
	in := testIngestor()

	docs, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceText, Name: "notes", Text: "Hello, world.",
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Hello, world.", docs[0].Content)
	require.NotNil(t, docs[0].Provenance)
	assert.Equal(t, "notes", docs[0].Provenance.Source)
	assert.False(t, docs[0].Provenance.FetchedAt.IsZero())

	// Re-ingesting the same source yields the same document id.
	again, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceText, Name: "notes", Text: "Hello, world.",
	})
	require.NoError(t, err)
	assert.Equal(t, docs[0].ID, again[0].ID)
}

func TestIngestMarkupStripsPageChrome(t *testing.T) {
	in := testIngestor()

	docs, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceMarkup, Name: "release-notes", Markup: testPage,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	content := docs[0].Content
	assert.Contains(t, content, "Release Notes")
	assert.Contains(t, content, "Everything shipped on time.")
	assert.NotContains(t, content, "tracking")
	assert.NotContains(t, content, "Site navigation")
	assert.NotContains(t, content, "Copyright footer")
}

func TestIngestEmptyContentFails(t *testing.T) {
	in := testIngestor()

	_, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceText, Name: "blank", Text: "  \n\t  ",
	})
	require.Error(t, err)
	assert.True(t, datatypes.IsEmptyContent(err))
}

func TestIngestURLFetchesAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "redline-test/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(testPage))
	}))
	defer srv.Close()

	in := testIngestor()
	docs, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceURL, URL: srv.URL,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Content, "Everything shipped on time.")
	assert.Equal(t, srv.URL, docs[0].Provenance.Source)
}

func TestIngestURLSurfacesFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	in := testIngestor()
	_, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceURL, URL: srv.URL,
	})
	require.Error(t, err)

	var ie *datatypes.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, datatypes.IngestFetchFailed, ie.Kind)
}

func TestIngestURLEnforcesBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	in := New(config.IngestConfig{
		FetchTimeout: 5 * time.Second,
		SectionSize:  100,
		MaxBodyBytes: 256,
		UserAgent:    "redline-test/1.0",
	})
	_, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceURL, URL: srv.URL,
	})
	require.Error(t, err)

	var ie *datatypes.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, datatypes.IngestFetchFailed, ie.Kind)
}

func TestIngestSectionsOversizedContent(t *testing.T) {
	in := testIngestor()

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("A paragraph with a handful of ordinary words in it.\n\n")
	}

	docs, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceText, Name: "long-doc", Text: b.String(),
	})
	require.NoError(t, err)
	require.Greater(t, len(docs), 1, "content over the section size must split")

	seen := map[string]bool{}
	for _, d := range docs {
		assert.NotEmpty(t, d.Content)
		assert.Equal(t, "long-doc", d.Provenance.Source)
		assert.False(t, seen[d.ID], "section ids must be distinct")
		seen[d.ID] = true
	}
}

type fakeRenderer struct {
	html   string
	err    error
	called int
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (string, error) {
	f.called++
	return f.html, f.err
}

func TestIngestRenderedURLUsesRenderer(t *testing.T) {
	in := testIngestor()
	fr := &fakeRenderer{html: testPage}
	in.SetRenderer(fr)

	docs, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceRenderedURL, URL: "https://example.test/app",
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, fr.called)
	assert.Contains(t, docs[0].Content, "Everything shipped on time.")
}

func TestIngestRendererFailureIsFetchFailed(t *testing.T) {
	in := testIngestor()
	in.SetRenderer(&fakeRenderer{err: errors.New("browser crashed")})

	_, err := in.Ingest(context.Background(), datatypes.ContentSource{
		Kind: datatypes.SourceRenderedURL, URL: "https://example.test/app",
	})
	require.Error(t, err)

	var ie *datatypes.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, datatypes.IngestFetchFailed, ie.Kind)
}
