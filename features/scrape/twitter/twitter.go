// Package twitter fetches tweet content through an external CLI. Tweet pages
// need an authenticated browser session, so the fetch runs on the user's
// machine where the CLI can reuse their login. The CLI takes the tweet URL as
// its sole argument and prints a ScrapeData JSON object on stdout.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/linkmind/linkmind/store"
)

type (
	// Options configures a Fetcher.
	Options struct {
		// Command is the path to the fetch executable. Required.
		Command string

		// Timeout bounds one CLI invocation. Defaults to 60 seconds.
		Timeout time.Duration
	}

	// Fetcher shells out to the twitter CLI.
	Fetcher struct {
		command string
		timeout time.Duration
	}
)

const defaultTimeout = 60 * time.Second

// New builds a Fetcher from the provided options.
func New(opts Options) (*Fetcher, error) {
	if opts.Command == "" {
		return nil, errors.New("missing twitter command")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{command: opts.Command, timeout: timeout}, nil
}

// Fetch invokes the CLI for url and decodes its stdout. A non-zero exit
// surfaces the CLI's stderr in the returned error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (store.ScrapeData, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.command, url)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return store.ScrapeData{}, fmt.Errorf("twitter fetch %q: timed out after %s", url, f.timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return store.ScrapeData{}, fmt.Errorf("twitter fetch %q: %s: %w", url, msg, err)
		}
		return store.ScrapeData{}, fmt.Errorf("twitter fetch %q: %w", url, err)
	}

	var data store.ScrapeData
	if err := json.Unmarshal(stdout.Bytes(), &data); err != nil {
		return store.ScrapeData{}, fmt.Errorf("twitter fetch %q: decode output: %w", url, err)
	}
	return data, nil
}
