// Package pipeline orchestrates link enrichment: scrape, summarize, embed,
// related-links, insight, export. It runs as durable task handlers on top of
// runtime/task, with each stage wrapped in a memoized step so completed work
// survives retries and worker crashes.
//
// Two task kinds are registered. process-link drives a link from submission
// to analyzed, suspending cleanly when the URL needs a local probe scrape;
// refresh-related re-runs the second half of the pipeline for an
// already-analyzed link. The probe bridge re-enters the pipeline through
// HandleProbeResult, which spawns a fresh process-link task carrying the
// probe's scrape payload.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/linkmind/linkmind/runtime/model"
	"github.com/linkmind/linkmind/runtime/task"
	"github.com/linkmind/linkmind/runtime/telemetry"
	"github.com/linkmind/linkmind/store"
)

type (
	// Scraper fetches a URL with a JS-capable browser and extracts its
	// content. The cloud-scrape sub-path calls it for every URL a probe is
	// not required for.
	Scraper interface {
		Scrape(ctx context.Context, url string) (store.ScrapeData, error)
	}

	// MediaReader extracts text from media attachments found during a
	// scrape. Implementations download the media and run OCR.
	MediaReader interface {
		ExtractText(ctx context.Context, media []store.MediaItem) ([]string, error)
	}

	// Exporter receives each link after analysis completes. The export step
	// exists so downstream sinks can be added without touching the
	// orchestration; the default is a no-op.
	Exporter interface {
		Export(ctx context.Context, link store.Link) error
	}

	// Dispatcher pushes a freshly created probe event to the user's
	// connected probes. Delivery is best effort: events a dispatcher cannot
	// deliver stay pending and replay when a probe reconnects.
	Dispatcher interface {
		Dispatch(ctx context.Context, ev store.ProbeEvent) error
	}

	// Store is the slice of the gateway the pipeline reads and writes.
	Store interface {
		store.LinkStore
		store.RelationStore
		store.SearchStore
		store.ProbeEventStore
	}

	// Pipeline holds the collaborators the task handlers need. Construct it
	// with New, which also registers the handlers on the task runtime.
	Pipeline struct {
		store     Store
		tasks     *task.Runtime
		chat      model.Client
		embedder  model.Embedder
		scraper   Scraper
		media     MediaReader
		exporter  Exporter
		dispatch  Dispatcher
		chatModel string

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Options configures a Pipeline.
	Options struct {
		// Store is the persistence gateway. Required.
		Store Store
		// Tasks is the runtime the handlers register on. Required.
		Tasks *task.Runtime
		// Chat generates summaries and insights. Required.
		Chat model.Client
		// Embedder produces summary vectors. Required.
		Embedder model.Embedder
		// Scraper implements the cloud-scrape sub-path. Required.
		Scraper Scraper
		// Media extracts OCR text from scraped media. Optional; when nil the
		// pipeline skips media processing.
		Media MediaReader
		// Exporter receives analyzed links. Optional; defaults to a no-op.
		Exporter Exporter
		// Dispatch pushes probe events to live subscriptions. Optional; when
		// nil events stay pending until a probe reconnects and replays them.
		Dispatch Dispatcher
		// ChatModel overrides the adapter's default chat model. Optional.
		ChatModel string
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Result is the terminal value of a pipeline task.
	Result struct {
		Status string `json:"status"`
		LinkID int64  `json:"linkId"`
	}
)

// Task kinds registered on the runtime.
const (
	KindProcessLink    = "process-link"
	KindRefreshRelated = "refresh-related"
)

// Result statuses.
const (
	StatusAnalyzed     = "analyzed"
	StatusWaitingProbe = "waiting_probe"
	StatusError        = "error"
)

// Step names. Shared between process-link and refresh-related so a refresh
// resumes with the same memoization keys the tail of process-link uses.
const (
	stepScrape    = "scrape"
	stepSummarize = "summarize"
	stepEmbed     = "embed"
	stepRelated   = "related"
	stepInsight   = "insight"
	stepExport    = "export"
)

// relatedCandidates is how many vector-search hits the related step considers
// before thresholding and truncation.
const relatedCandidates = 10

// New builds a Pipeline and registers its task kinds on opts.Tasks.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Tasks == nil {
		return nil, errors.New("missing task runtime")
	}
	if opts.Chat == nil {
		return nil, errors.New("missing chat client")
	}
	if opts.Embedder == nil {
		return nil, errors.New("missing embedder")
	}
	if opts.Scraper == nil {
		return nil, errors.New("missing scraper")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	p := &Pipeline{
		store:     opts.Store,
		tasks:     opts.Tasks,
		chat:      opts.Chat,
		embedder:  opts.Embedder,
		scraper:   opts.Scraper,
		media:     opts.Media,
		exporter:  opts.Exporter,
		dispatch:  opts.Dispatch,
		chatModel: opts.ChatModel,
		logger:    logger,
		metrics:   metrics,
	}
	if err := p.tasks.Register(KindProcessLink, p.processLink,
		task.WithMaxAttempts(3),
		task.WithRetryStrategy(task.Exponential(10*time.Second, 2, 300*time.Second)),
	); err != nil {
		return nil, err
	}
	if err := p.tasks.Register(KindRefreshRelated, p.refreshRelated,
		task.WithMaxAttempts(2),
		task.WithRetryStrategy(task.Fixed(30*time.Second)),
	); err != nil {
		return nil, err
	}
	return p, nil
}

// SetDispatcher installs the probe-event dispatcher after construction. The
// bridge needs the pipeline as its result handler and the pipeline needs the
// bridge as its dispatcher, so whichever is built second is wired in here
// before the workers start.
func (p *Pipeline) SetDispatcher(d Dispatcher) { p.dispatch = d }
