// Command coordinator runs the LinkMind service: it applies the schema
// migrations, starts the durable task workers and the probe-event expiry
// sweeper, and serves the admission API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/linkmind/linkmind/features/model/anthropic"
	"github.com/linkmind/linkmind/features/model/bedrock"
	"github.com/linkmind/linkmind/features/model/middleware"
	"github.com/linkmind/linkmind/features/model/openai"
	"github.com/linkmind/linkmind/features/scrape"
	"github.com/linkmind/linkmind/features/scrape/chrome"
	"github.com/linkmind/linkmind/features/store/postgres"
	clientpg "github.com/linkmind/linkmind/features/store/postgres/clients/postgres"
	"github.com/linkmind/linkmind/runtime/bridge"
	"github.com/linkmind/linkmind/runtime/model"
	"github.com/linkmind/linkmind/runtime/pipeline"
	"github.com/linkmind/linkmind/runtime/task"
	"github.com/linkmind/linkmind/runtime/telemetry"
	"github.com/linkmind/linkmind/server"
)

// Default chat models per provider. CHAT_MODEL overrides whichever provider
// is selected. The embedder is always OpenAI text-embedding-3-small at the
// store's vector dimensionality.
const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultBedrockModel   = "anthropic.claude-sonnet-4-20250514-v1:0"
)

func main() {
	// Define command line flags. Everything else comes from the environment.
	var (
		httpAddrF = flag.String("http-addr", envOr("HTTP_ADDR", ":8080"), "HTTP listen address")
		dbgF      = flag.Bool("debug", os.Getenv("DEBUG") != "", "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Format follows the terminal heuristic, LOG_FILE redirects
	// the stream and spans correlate through the OTel trace ids.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	logOpts := []log.LogOption{log.WithFormat(format), log.WithFunc(log.Span)}
	if name := os.Getenv("LOG_FILE"); name != "" {
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coordinator: open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOpts = append(logOpts, log.WithOutput(f))
	}
	ctx := log.Context(context.Background(), logOpts...)
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	// Read the environment configuration.
	var (
		dsn       = os.Getenv("DATABASE_URL")
		secret    = os.Getenv("SESSION_SECRET")
		webBase   = strings.TrimRight(envOr("WEB_BASE_URL", "http://localhost:8080"), "/")
		provider  = envOr("MODEL_PROVIDER", "anthropic")
		chatModel = os.Getenv("CHAT_MODEL")
		origins   = splitList(os.Getenv("ALLOWED_ORIGINS"))
		workers   = envInt(ctx, "WORKER_CONCURRENCY", task.DefaultWorkers)
		claim     = envDuration(ctx, "CLAIM_TIMEOUT", task.DefaultClaimTimeout)
		probeTTL  = envDuration(ctx, "PROBE_EVENT_TTL", pipeline.DefaultProbeEventTTL)
		tpmLimit  = envFloat(ctx, "MODEL_TPM_LIMIT", 0)
	)
	if dsn == "" {
		log.Fatal(ctx, errors.New("DATABASE_URL is not set"))
	}
	if secret == "" {
		log.Fatal(ctx, errors.New("SESSION_SECRET is not set"))
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Connect to Postgres and bring the schema up to date before anything
	// reads from it.
	var pg clientpg.Client
	{
		var err error
		pg, err = clientpg.New(ctx, clientpg.Options{DSN: dsn})
		if err != nil {
			log.Fatalf(ctx, err, "connect to postgres")
		}
		if err := postgres.Migrate(ctx, pg.DB().DB); err != nil {
			log.Fatalf(ctx, err, "migrate database")
		}
	}
	defer pg.Close()

	// Initialize the store gateway and the durable task runtime.
	var (
		gateway *postgres.Store
		tasks   *task.Runtime
	)
	{
		var err error
		gateway, err = postgres.New(postgres.Options{Client: pg})
		if err != nil {
			log.Fatalf(ctx, err, "build store")
		}
		taskStore, err := postgres.NewTaskStore(postgres.TaskStoreOptions{Client: pg})
		if err != nil {
			log.Fatalf(ctx, err, "build task store")
		}
		tasks, err = task.New(task.Options{
			Store:        taskStore,
			Workers:      workers,
			ClaimTimeout: claim,
			Logger:       logger,
			Metrics:      metrics,
			Tracer:       tracer,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build task runtime")
		}
	}

	// Build the model clients. The chat client is wrapped with the adaptive
	// rate limiter and a circuit breaker; the breaker sits outside so an open
	// circuit fails fast instead of waiting on limiter capacity.
	var (
		chat     model.Client
		embedder model.Embedder
	)
	{
		var err error
		chat, err = newChatClient(ctx, provider, chatModel)
		if err != nil {
			log.Fatalf(ctx, err, "build %s chat client", provider)
		}
		limiter := middleware.NewAdaptiveRateLimiter(tpmLimit, tpmLimit)
		chat = limiter.Middleware()(chat)
		chat = middleware.Breaker(middleware.BreakerOptions{Name: provider})(chat)

		embedder, err = openai.NewEmbedderFromAPIKey(os.Getenv("OPENAI_API_KEY"))
		if err != nil {
			log.Fatalf(ctx, err, "build embedder")
		}
	}

	// Wire the pipeline, the probe bridge and the HTTP server. The bridge
	// needs the pipeline as its result handler and the pipeline needs the
	// bridge as its dispatcher, so the bridge is wired in after construction.
	var (
		pl  *pipeline.Pipeline
		br  *bridge.Bridge
		srv *server.Server
	)
	{
		scraper, err := scrape.New(scrape.Options{Fetcher: chrome.New(chrome.Options{}), Logger: logger})
		if err != nil {
			log.Fatalf(ctx, err, "build scraper")
		}
		pl, err = pipeline.New(pipeline.Options{
			Store:     gateway,
			Tasks:     tasks,
			Chat:      chat,
			Embedder:  embedder,
			Scraper:   scraper,
			ChatModel: chatModel,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build pipeline")
		}
		br, err = bridge.New(bridge.Options{
			Store:           gateway,
			Results:         pl,
			VerificationURI: webBase + "/auth/device",
			Logger:          logger,
			Metrics:         metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build bridge")
		}
		pl.SetDispatcher(br)
		srv, err = server.New(server.Options{
			Store:          gateway,
			Pipeline:       pl,
			Bridge:         br,
			SessionSecret:  []byte(secret),
			HealthPingers:  []health.Pinger{pg},
			AllowedOrigins: origins,
			Logger:         logger,
			Metrics:        metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build server")
		}
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the service
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)

	tasks.Start(ctx)
	go pl.RunExpirySweeper(ctx, probeTTL)

	// Mount debug and profiler endpoints in debug mode and wrap the handler
	// with request logging.
	var handler http.Handler = srv.Handler()
	if *dbgF {
		mux := http.NewServeMux()
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(mux)
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(mux)
		mux.Handle("/", handler)
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(mux)
	}
	handler = log.HTTP(ctx)(handler)

	httpSrv := &http.Server{Addr: *httpAddrF, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", *httpAddrF)
		errc <- httpSrv.ListenAndServe()
	}()

	// Wait for signal or server failure.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Stop taking requests, then stop the workers and the bridge.
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}
	tasks.Stop()
	br.Close()
	log.Printf(ctx, "exited")
}

// newChatClient builds the provider-selected chat client. The Anthropic and
// OpenAI backends authenticate with API keys, Bedrock resolves the ambient
// AWS configuration (AWS_REGION overrides the profile's region).
func newChatClient(ctx context.Context, provider, chatModel string) (model.Client, error) {
	switch provider {
	case "anthropic":
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), orModel(chatModel, defaultAnthropicModel))
	case "openai":
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), orModel(chatModel, defaultOpenAIModel))
	case "bedrock":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if region := os.Getenv("AWS_REGION"); region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws configuration: %w", err)
		}
		return bedrock.NewFromConfig(cfg, orModel(chatModel, defaultBedrockModel))
	default:
		return nil, fmt.Errorf("unknown model provider %q (valid providers: anthropic, openai, bedrock)", provider)
	}
}

func orModel(override, def string) string {
	if override != "" {
		return override
	}
	return def
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(ctx context.Context, name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf(ctx, err, "invalid %s %q", name, v)
	}
	return n
}

func envFloat(ctx context.Context, name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf(ctx, err, "invalid %s %q", name, v)
	}
	return f
}

// envDuration reads a Go duration from the environment. Bare numbers are
// accepted as seconds so CLAIM_TIMEOUT=300 and CLAIM_TIMEOUT=300s agree.
func envDuration(ctx context.Context, name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf(ctx, err, "invalid %s %q", name, v)
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
