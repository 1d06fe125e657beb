// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/redline-ai/redline/services/editor/config"
)

// chromeRenderer executes a page's scripts in headless Chrome and
// returns the DOM as HTML. A fresh browser per Render keeps the
// implementation stateless; rendered-URL ingestion is rare enough that
// browser startup cost does not matter.
type chromeRenderer struct {
	cfg config.IngestConfig
}

func newChromeRenderer(cfg config.IngestConfig) *chromeRenderer {
	return &chromeRenderer{cfg: cfg}
}

func (r *chromeRenderer) Render(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(r.cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	started := time.Now()
	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", url, err)
	}

	slog.Debug("Rendered page",
		"url", url, "bytes", len(html), "duration", time.Since(started))
	return html, nil
}

var _ Renderer = (*chromeRenderer)(nil)
