package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/linkmind/linkmind/runtime/bridge"
	"github.com/linkmind/linkmind/runtime/telemetry"
	"github.com/linkmind/linkmind/store"
)

type (
	// Scraper is the local fetch port. The chrome-backed web scraper and the
	// twitter CLI fetcher both implement it.
	Scraper interface {
		Scrape(ctx context.Context, url string) (store.ScrapeData, error)
	}

	// ScraperFunc adapts a function to the Scraper port.
	ScraperFunc func(ctx context.Context, url string) (store.ScrapeData, error)

	// Options configures an Agent.
	Options struct {
		// Config carries the coordinator base URL and bearer token. Both
		// required.
		Config Config

		// Web scrapes ordinary pages. Required.
		Web Scraper

		// Tweet scrapes twitter-kind URLs. Required.
		Tweet Scraper

		// HTTPClient issues the subscription and result requests. It must not
		// carry a client-wide timeout, the subscription is a long-lived
		// stream. Defaults to a fresh client.
		HTTPClient *http.Client

		// HeartbeatTimeout is how long the stream may stay silent before the
		// connection is declared dead. The server pings well inside it.
		// Defaults to DefaultHeartbeatTimeout.
		HeartbeatTimeout time.Duration

		// InitialBackoff and MaxBackoff bound the reconnect schedule. The
		// delay doubles per failed attempt and resets on a successful
		// connect. Default 5s and 60s.
		InitialBackoff time.Duration
		MaxBackoff     time.Duration

		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Agent holds one subscription to the coordinator and works the scrape
	// requests arriving on it. Scrapes run concurrently with the read loop.
	Agent struct {
		base      string
		token     string
		web       Scraper
		tweet     Scraper
		client    *http.Client
		logger    telemetry.Logger
		heartbeat time.Duration
		backoff   time.Duration
		capped    time.Duration

		wg sync.WaitGroup
	}
)

// Scrape calls f.
func (f ScraperFunc) Scrape(ctx context.Context, url string) (store.ScrapeData, error) {
	return f(ctx, url)
}

// ErrUnauthorized reports a bearer token the coordinator rejected. Retrying
// cannot help; the probe needs a fresh login.
var ErrUnauthorized = errors.New("bearer token rejected")

const (
	// DefaultHeartbeatTimeout is the silence window after which the stream
	// is abandoned.
	DefaultHeartbeatTimeout = 60 * time.Second

	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff     = 60 * time.Second

	// resultTimeout bounds one result callback request.
	resultTimeout = 30 * time.Second
)

// New builds an Agent from the provided options.
func New(opts Options) (*Agent, error) {
	base := strings.TrimRight(opts.Config.APIBase, "/")
	if base == "" {
		return nil, errors.New("missing api base")
	}
	if opts.Config.AccessToken == "" {
		return nil, ErrNotLoggedIn
	}
	if opts.Web == nil {
		return nil, errors.New("missing web scraper")
	}
	if opts.Tweet == nil {
		return nil, errors.New("missing tweet scraper")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	heartbeat := opts.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	capped := opts.MaxBackoff
	if capped <= 0 {
		capped = defaultMaxBackoff
	}
	if capped < backoff {
		capped = backoff
	}
	return &Agent{
		base:      base,
		token:     opts.Config.AccessToken,
		web:       opts.Web,
		tweet:     opts.Tweet,
		client:    client,
		logger:    logger,
		heartbeat: heartbeat,
		backoff:   backoff,
		capped:    capped,
	}, nil
}

// Run subscribes to the coordinator's event stream and works scrape requests
// until ctx is canceled. Dropped streams reconnect with doubling backoff. A
// rejected token ends the run with ErrUnauthorized. Run waits for in-flight
// scrapes before returning.
func (a *Agent) Run(ctx context.Context) error {
	defer a.wg.Wait()

	delay := a.backoff
	for {
		connected, err := a.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			delay = a.backoff
		}
		a.logger.Warn(ctx, "probe stream dropped", "err", err.Error(), "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.capped {
			delay = a.capped
		}
	}
}

// subscribe holds one stream open, dispatching its events, until the stream
// drops or goes silent past the heartbeat deadline. connected reports
// whether the server accepted the subscription, which resets the reconnect
// backoff.
func (a *Agent) subscribe(ctx context.Context) (connected bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, a.base+"/api/probe/subscribe_events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return false, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscribe: unexpected status %d", resp.StatusCode)
	}
	a.logger.Info(ctx, "probe stream connected")

	// A silent stream past the heartbeat deadline is dead even when the TCP
	// connection is not; canceling aborts the blocked read below.
	watchdog := time.AfterFunc(a.heartbeat, cancel)
	defer watchdog.Stop()

	dec := bridge.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			return true, err
		}
		watchdog.Reset(a.heartbeat)

		switch ev.Type {
		case bridge.EventPing:
		case bridge.EventScrapeRequest:
			var sr bridge.ScrapeRequest
			if err := json.Unmarshal(ev.Data, &sr); err != nil {
				a.logger.Warn(ctx, "bad scrape request", "err", err.Error())
				continue
			}
			// Scrapes ride on the run context, not the stream context, so a
			// reconnect does not kill work in flight.
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.work(ctx, sr)
			}()
		default:
			a.logger.Debug(ctx, "ignoring stream event", "type", ev.Type)
		}
	}
}

// work executes one scrape request and posts the outcome.
func (a *Agent) work(ctx context.Context, req bridge.ScrapeRequest) {
	a.logger.Info(ctx, "scrape request", "event", req.EventID, "kind", string(req.URLType), "url", req.URL)

	var (
		data store.ScrapeData
		err  error
	)
	switch req.URLType {
	case store.URLKindTwitter:
		data, err = a.tweet.Scrape(ctx, req.URL)
	default:
		data, err = a.web.Scrape(ctx, req.URL)
	}

	res := bridge.ProbeResult{EventID: req.EventID, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
		a.logger.Warn(ctx, "scrape failed", "event", req.EventID, "err", res.Error)
	} else {
		res.Data = &data
	}
	if perr := a.postResult(ctx, res); perr != nil {
		a.logger.Error(ctx, "post scrape result", "event", req.EventID, "err", perr.Error())
	}
}

// postResult reports one scrape outcome. The coordinator acknowledges
// duplicate results, so redelivered events can be reposted safely.
func (a *Agent) postResult(ctx context.Context, res bridge.ProbeResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, resultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/probe/receive_result", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("receive_result: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
