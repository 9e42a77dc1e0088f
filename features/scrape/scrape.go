// Package scrape turns rendered HTML pages into the fields the pipeline
// persists on a link: title, OpenGraph metadata and article markdown. The
// fetcher that renders the page is a port so the coordinator and the probe
// agent can plug in headless Chrome while tests use canned HTML.
package scrape

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkmind/linkmind/runtime/telemetry"
	"github.com/linkmind/linkmind/store"
)

type (
	// Fetcher returns the rendered HTML of a page. Implementations run the
	// page's JavaScript before snapshotting.
	Fetcher interface {
		Fetch(ctx context.Context, url string) (string, error)
	}

	// Options configures a Scraper.
	Options struct {
		// Fetcher renders pages. Required.
		Fetcher Fetcher

		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Scraper fetches pages and extracts their content. It implements the
	// pipeline's Scraper port for the cloud-scrape sub-path and is reused by
	// the probe agent for local web scrapes.
	Scraper struct {
		fetcher Fetcher
		logger  telemetry.Logger
	}
)

// New builds a Scraper from the provided options.
func New(opts Options) (*Scraper, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("missing fetcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scraper{fetcher: opts.Fetcher, logger: logger}, nil
}

// Scrape renders url and extracts title, OpenGraph metadata and markdown.
func (s *Scraper) Scrape(ctx context.Context, url string) (store.ScrapeData, error) {
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return store.ScrapeData{}, err
	}
	data, err := Extract(page, url)
	if err != nil {
		return store.ScrapeData{}, fmt.Errorf("extract %q: %w", url, err)
	}
	s.logger.Debug(ctx, "scraped page", "url", url, "markdown_len", len(data.Markdown))
	return data, nil
}
