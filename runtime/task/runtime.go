package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/linkmind/linkmind/runtime/telemetry"
)

type (
	// Handler executes one task attempt. It structures its work as steps via
	// tc.Step so completed work survives retries and re-claims. The returned
	// value is marshaled to JSON and persisted as the task result.
	Handler func(ctx context.Context, tc *Context) (any, error)

	// Runtime drives task execution: it registers kinds, enqueues tasks, and
	// runs a pool of workers that claim tasks under leases.
	Runtime struct {
		store        Store
		queue        string
		workers      int
		claimTimeout time.Duration
		pollInterval time.Duration
		owner        string

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu    sync.RWMutex
		kinds map[string]registration

		startOnce sync.Once
		stopOnce  sync.Once
		cancel    context.CancelFunc
		wg        sync.WaitGroup
	}

	// Options configures a Runtime.
	Options struct {
		// Store persists tasks. Required.
		Store Store
		// Queue is the queue workers poll. Defaults to DefaultQueue.
		Queue string
		// Workers is the worker pool size. Defaults to DefaultWorkers.
		Workers int
		// ClaimTimeout is the lease duration for claimed tasks. Defaults to
		// DefaultClaimTimeout.
		ClaimTimeout time.Duration
		// PollInterval is the idle sleep between claim attempts. Defaults to
		// DefaultPollInterval. A random jitter of up to half the interval is
		// added so workers do not poll in lockstep.
		PollInterval time.Duration
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	registration struct {
		handler  Handler
		defaults spawnSettings
	}

	spawnSettings struct {
		maxAttempts int
		retry       RetrySpec
		queue       string
	}

	// SpawnOption customizes task scheduling. Options passed to Register set
	// the defaults for the kind; options passed to Spawn override them per
	// task.
	SpawnOption func(*spawnSettings)
)

const (
	// DefaultQueue is the queue used when none is configured.
	DefaultQueue = "default"
	// DefaultWorkers is the worker pool size used when none is configured.
	DefaultWorkers = 2
	// DefaultClaimTimeout is the lease duration used when none is configured.
	DefaultClaimTimeout = 300 * time.Second
	// DefaultPollInterval is the idle poll sleep used when none is configured.
	DefaultPollInterval = time.Second
)

// WithMaxAttempts caps how many times the handler runs before the task fails.
// Values below 1 are treated as 1.
func WithMaxAttempts(n int) SpawnOption {
	return func(s *spawnSettings) {
		if n < 1 {
			n = 1
		}
		s.maxAttempts = n
	}
}

// WithRetryStrategy sets the delay schedule applied between attempts.
func WithRetryStrategy(r RetrySpec) SpawnOption {
	return func(s *spawnSettings) { s.retry = r }
}

// WithQueue schedules the task on a queue other than the runtime default.
func WithQueue(queue string) SpawnOption {
	return func(s *spawnSettings) { s.queue = queue }
}

// New constructs a Runtime. The store is required; everything else defaults.
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, errors.New("missing task store")
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Runtime{
		store:        opts.Store,
		queue:        opts.Queue,
		workers:      opts.Workers,
		claimTimeout: opts.ClaimTimeout,
		pollInterval: opts.PollInterval,
		owner:        uuid.NewString(),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		kinds:        make(map[string]registration),
	}, nil
}

// Register binds kind to a handler. Options set the kind's default scheduling
// (max attempts, retry strategy). Registering the same kind twice is an error.
func (r *Runtime) Register(kind string, h Handler, opts ...SpawnOption) error {
	if kind == "" {
		return errors.New("missing task kind")
	}
	if h == nil {
		return fmt.Errorf("task kind %q has no handler", kind)
	}
	s := spawnSettings{maxAttempts: 1}
	for _, opt := range opts {
		opt(&s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("task kind %q already registered", kind)
	}
	r.kinds[kind] = registration{handler: h, defaults: s}
	return nil
}

// Spawn enqueues a new task of the given kind. params is marshaled to JSON
// unless it already is a json.RawMessage. It returns the task id.
func (r *Runtime) Spawn(ctx context.Context, kind string, params any, opts ...SpawnOption) (string, error) {
	r.mu.RLock()
	reg, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("task kind %q not registered", kind)
	}
	s := reg.defaults
	for _, opt := range opts {
		opt(&s)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return "", fmt.Errorf("marshal params for kind %q: %w", kind, err)
	}
	queue := s.queue
	if queue == "" {
		queue = r.queue
	}
	now := time.Now().UTC()
	t := Task{
		ID:          uuid.NewString(),
		Queue:       queue,
		Kind:        kind,
		Params:      raw,
		State:       StateQueued,
		MaxAttempts: s.maxAttempts,
		Retry:       s.retry,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Enqueue(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue task kind %q: %w", kind, err)
	}
	r.metrics.IncCounter("tasks_spawned", 1, "kind", kind)
	r.logger.Debug(ctx, "task spawned", "task", t.ID, "kind", kind, "queue", queue)
	return t.ID, nil
}

// Cancel cancels a queued or claimed task. Cancelled tasks are terminal and
// never retried; a handler already running is not interrupted but its
// completion is discarded as a stale claim.
func (r *Runtime) Cancel(ctx context.Context, id string) error {
	return r.store.Cancel(ctx, id)
}

// Lookup reports the task's externally visible status.
func (r *Runtime) Lookup(ctx context.Context, id string) (Info, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return Info{State: t.State, Attempts: t.Attempts, LastError: t.LastError, Result: t.Result}, nil
}

// Start launches the worker pool. Workers run until Stop is called or ctx is
// cancelled. Start is idempotent.
func (r *Runtime) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx, i)
		}
		r.logger.Info(ctx, "task runtime started", "workers", r.workers, "queue", r.queue, "claim_timeout", r.claimTimeout.String())
	})
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

func (r *Runtime) worker(ctx context.Context, n int) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := r.store.ClaimNext(ctx, r.queue, r.owner, r.claimTimeout)
		switch {
		case errors.Is(err, ErrNoTask):
			r.idle(ctx)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn(ctx, "claim failed", "worker", n, "queue", r.queue, "err", err.Error())
			r.idle(ctx)
			continue
		}
		r.runTask(ctx, t)
	}
}

// idle sleeps for the poll interval plus jitter, or until ctx is done.
func (r *Runtime) idle(ctx context.Context) {
	d := r.pollInterval + rand.N(r.pollInterval/2+1)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Runtime) runTask(ctx context.Context, t Task) {
	start := time.Now()
	r.metrics.IncCounter("tasks_claimed", 1, "kind", t.Kind)

	r.mu.RLock()
	reg, ok := r.kinds[t.Kind]
	r.mu.RUnlock()
	if !ok {
		// Nothing in this process can run the task; fail it so it does not
		// bounce between workers forever.
		msg := fmt.Sprintf("task kind %q not registered", t.Kind)
		if err := r.store.Fail(ctx, t.ID, r.owner, msg); err != nil {
			r.logger.Error(ctx, "fail unregistered task", "task", t.ID, "err", err.Error())
		}
		return
	}

	memo, err := r.store.GetSteps(ctx, t.ID)
	if err != nil {
		r.logger.Warn(ctx, "load steps failed, releasing task", "task", t.ID, "err", err.Error())
		if rerr := r.store.Release(ctx, t.ID, r.owner); rerr != nil {
			r.logger.Error(ctx, "release task", "task", t.ID, "err", rerr.Error())
		}
		return
	}

	ctx, span := r.tracer.Start(ctx, "task."+t.Kind)
	defer span.End()

	tc := newContext(t, r.store, memo)
	stopRenew := r.keepLease(ctx, t.ID)
	result, err := invoke(ctx, reg.handler, tc)
	stopRenew()

	attempt := t.Attempts + 1
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.settleFailure(ctx, t, attempt, err)
		r.metrics.RecordTimer("task_duration", time.Since(start), "kind", t.Kind, "outcome", "error")
		return
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		span.RecordError(merr)
		r.settleFailure(ctx, t, attempt, fmt.Errorf("marshal result: %w", merr))
		return
	}
	if cerr := r.store.Complete(ctx, t.ID, r.owner, raw); cerr != nil {
		if errors.Is(cerr, ErrStaleClaim) {
			r.logger.Debug(ctx, "discarding result for stale claim", "task", t.ID)
			return
		}
		r.logger.Error(ctx, "complete task", "task", t.ID, "err", cerr.Error())
		return
	}
	r.metrics.IncCounter("tasks_completed", 1, "kind", t.Kind)
	r.metrics.RecordTimer("task_duration", time.Since(start), "kind", t.Kind, "outcome", "ok")
	r.logger.Debug(ctx, "task completed", "task", t.ID, "kind", t.Kind, "attempt", attempt)
}

// settleFailure applies the retry policy after a failed attempt: reschedule
// when attempts remain, otherwise fail the task terminally.
func (r *Runtime) settleFailure(ctx context.Context, t Task, attempt int, cause error) {
	msg := cause.Error()
	if attempt >= t.MaxAttempts {
		if err := r.store.Fail(ctx, t.ID, r.owner, msg); err != nil && !errors.Is(err, ErrStaleClaim) {
			r.logger.Error(ctx, "fail task", "task", t.ID, "err", err.Error())
		}
		r.metrics.IncCounter("tasks_failed", 1, "kind", t.Kind)
		r.logger.Warn(ctx, "task failed permanently", "task", t.ID, "kind", t.Kind, "attempts", attempt, "err", msg)
		return
	}
	delay := t.Retry.Delay(attempt)
	runAfter := time.Now().UTC().Add(delay)
	if err := r.store.Retry(ctx, t.ID, r.owner, msg, runAfter); err != nil && !errors.Is(err, ErrStaleClaim) {
		r.logger.Error(ctx, "retry task", "task", t.ID, "err", err.Error())
		return
	}
	r.metrics.IncCounter("tasks_retried", 1, "kind", t.Kind)
	r.logger.Debug(ctx, "task rescheduled", "task", t.ID, "kind", t.Kind, "attempt", attempt, "delay", delay.String(), "err", msg)
}

// keepLease renews the claim at half the lease interval until the returned
// stop function is called. Renewal failures are logged; a stale claim stops
// renewal since another worker owns the task now.
func (r *Runtime) keepLease(ctx context.Context, id string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(r.claimTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.RenewLease(ctx, id, r.owner, r.claimTimeout); err != nil {
					r.logger.Warn(ctx, "lease renewal failed", "task", id, "err", err.Error())
					if errors.Is(err, ErrStaleClaim) {
						return
					}
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// invoke runs the handler, converting panics into errors so a buggy step
// consumes an attempt instead of killing the worker.
func invoke(ctx context.Context, h Handler, tc *Context) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, tc)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}
