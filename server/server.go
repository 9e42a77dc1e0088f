// Package server exposes the Admission API: the HTTP surface users and
// probes talk to. Link routes enqueue pipeline tasks and read enriched rows,
// device-auth routes run the probe enrollment flow, and the probe routes
// carry the SSE event stream and its result callback.
//
// The package builds an http.Handler; the owning process wires it into an
// http.Server together with request logging. Handlers never block on
// pipeline completion: submissions spawn a task and return 202.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/securecookie"
	"goa.design/clue/health"

	"github.com/linkmind/linkmind/runtime/bridge"
	"github.com/linkmind/linkmind/runtime/telemetry"
	"github.com/linkmind/linkmind/store"
)

type (
	// Pipeline is the admission slice of the link pipeline the API drives.
	// Every method spawns work or orchestrates store writes; none blocks on
	// enrichment.
	Pipeline interface {
		SubmitLink(ctx context.Context, userID int64, url string) (string, error)
		RetryLink(ctx context.Context, linkID int64) (string, error)
		RetryFailed(ctx context.Context, userID int64) ([]int64, error)
		DeleteLink(ctx context.Context, linkID int64) (store.Link, int64, error)
	}

	// Store is the persistence slice the handlers read directly.
	Store interface {
		store.LinkStore
		store.RelationStore
		store.SearchStore
		store.ProbeDeviceStore
		store.ProbeEventStore
	}

	// Server holds the collaborators behind the route table. Construct with
	// New and mount Handler on an http.Server.
	Server struct {
		store    Store
		pipeline Pipeline
		bridge   *bridge.Bridge
		sessions *securecookie.SecureCookie
		pingers  []health.Pinger
		origins  []string
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Options configures a Server.
	Options struct {
		// Store is the persistence gateway. Required.
		Store Store
		// Pipeline drives link admission. Required.
		Pipeline Pipeline
		// Bridge serves probe subscriptions and enrollment. Required.
		Bridge *bridge.Bridge
		// SessionSecret signs session cookies. Required, at least 32 bytes.
		SessionSecret []byte
		// HealthPingers back /healthz. Optional.
		HealthPingers []health.Pinger
		// AllowedOrigins enables CORS with credentials for the given origins.
		// Empty means wildcard origins without credentials.
		AllowedOrigins []string
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// SessionCookieName is the cookie carrying the securecookie-encoded user id.
const SessionCookieName = "linkmind_session"

// List bounds for /api/links and /api/search.
const (
	defaultListLimit = 20
	maxListLimit     = 100
	defaultSearchLim = 10
	maxSearchLimit   = 50
)

// New constructs a Server. Store, Pipeline, Bridge and SessionSecret are
// required.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("missing pipeline")
	}
	if opts.Bridge == nil {
		return nil, errors.New("missing bridge")
	}
	if len(opts.SessionSecret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Server{
		store:    opts.Store,
		pipeline: opts.Pipeline,
		bridge:   opts.Bridge,
		sessions: securecookie.New(opts.SessionSecret, nil),
		pingers:  opts.HealthPingers,
		origins:  opts.AllowedOrigins,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Handler builds the route table. The result is safe for httptest servers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/healthz", health.Handler(health.NewChecker(s.pingers...)))
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.sessionAuth)
			r.Post("/links", s.handleSubmitLink)
			r.Get("/links", s.handleListLinks)
			r.Get("/links/{id}", s.handleGetLink)
			r.Delete("/links/{id}", s.handleDeleteLink)
			r.Post("/retry", s.handleRetryAll)
			r.Post("/retry/{id}", s.handleRetryLink)
			r.Get("/search", s.handleSearch)
			r.Get("/probe/status", s.handleProbeStatus)
		})
		r.Post("/auth/device", s.handleDeviceAuth)
		r.Post("/auth/token", s.handleDeviceToken)
		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuth)
			r.Get("/probe/subscribe_events", s.handleSubscribeEvents)
			r.Post("/probe/receive_result", s.handleReceiveResult)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.sessionAuth)
		r.Get("/auth/device", s.handleVerifyPage)
		r.Post("/auth/device/authorize", s.handleAuthorizePage)
	})

	return r
}

// corsOptions derives the CORS policy: explicit origins get credentialed
// requests so browser sessions work cross-origin, the wildcard default does
// not (forbidden by the CORS protocol).
func (s *Server) corsOptions() cors.Options {
	origins := s.origins
	credentials := len(origins) > 0
	if !credentials {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: credentials,
		MaxAge:           300,
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(context.Background(), "encode response", "err", err.Error())
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store sentinel errors onto the API error contract:
// missing rows are 404, integrity violations 500, everything else 500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConstraint):
		s.respondError(w, http.StatusInternalServerError, "constraint violation")
	default:
		s.logger.Error(r.Context(), "store error", "path", r.URL.Path, "err", err.Error())
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// pathID parses the {id} route parameter. A non-numeric id is a validation
// error, not a miss.
func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// queryLimit parses ?limit= with a default and an upper clamp. Non-numeric
// or non-positive values are rejected.
func queryLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}

// validSubmissionURL reports whether raw is an absolute http(s) URL.
func validSubmissionURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
