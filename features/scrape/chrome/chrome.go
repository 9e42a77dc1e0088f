// Package chrome renders pages with a headless Chrome browser driven through
// chromedp. A fresh browser is launched per fetch and torn down when the
// fetch returns, so a wedged page never leaks into the next one.
package chrome

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

type (
	// Options configures a Fetcher.
	Options struct {
		// NavTimeout bounds page navigation. Defaults to 30 seconds.
		NavTimeout time.Duration

		// Settle is how long to wait after navigation for scripts to finish
		// rendering. Defaults to 2 seconds.
		Settle time.Duration
	}

	// Fetcher renders pages with headless Chrome. It implements the scrape
	// package's Fetcher port.
	Fetcher struct {
		navTimeout time.Duration
		settle     time.Duration
	}
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultSettle     = 2 * time.Second
)

// New builds a Fetcher with defaults applied.
func New(opts Options) *Fetcher {
	navTimeout := opts.NavTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavTimeout
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	return &Fetcher{navTimeout: navTimeout, settle: settle}
}

// Fetch navigates to url, waits for the page to settle and returns the
// rendered document HTML.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, f.navTimeout+f.settle)
	defer cancelRun()

	var page string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(f.settle),
		chromedp.OuterHTML("html", &page, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("chrome fetch %q: %w", url, err)
	}
	return page, nil
}
