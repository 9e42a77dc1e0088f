// Package bridge connects the coordinator to enrolled probes. It fans
// scrape_request events out to the live subscriptions of a user's probes,
// replays pending events when a probe reconnects, accepts result callbacks,
// and runs the device-code enrollment flow that mints probe bearer tokens.
//
// Delivery is at-least-once: an event is marked sent only after a successful
// sink write, and events still pending are re-sent on the next subscribe.
// Events already sent but not yet completed are considered in flight and are
// not replayed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkmind/linkmind/runtime/telemetry"
	"github.com/linkmind/linkmind/store"
)

type (
	// Sink is one subscriber connection, typically an HTTP response stream.
	// The bridge serializes Send calls on a given sink; implementations only
	// need to write and flush a single frame.
	Sink interface {
		Send(ev Event) error
	}

	// Store is the persistence slice the bridge needs.
	Store interface {
		store.ProbeEventStore
		store.ProbeDeviceStore
		store.DeviceAuthStore
	}

	// ResultHandler consumes probe scrape outcomes. The pipeline implements
	// it: success re-spawns link processing with the probe's payload, failure
	// surfaces the error on the link.
	ResultHandler interface {
		HandleProbeResult(ctx context.Context, ev store.ProbeEvent, data store.ScrapeData) error
		HandleProbeFailure(ctx context.Context, ev store.ProbeEvent, errMsg string) error
	}

	// ProbeResult is the body a probe posts after working a scrape_request.
	ProbeResult struct {
		EventID string            `json:"event_id"`
		Success bool              `json:"success"`
		Data    *store.ScrapeData `json:"data,omitempty"`
		Error   string            `json:"error,omitempty"`
	}

	// Bridge owns the subscription multimap and the device-code flow.
	Bridge struct {
		store           Store
		results         ResultHandler
		verificationURI string
		pingInterval    time.Duration
		authTTL         time.Duration
		pollSeconds     int
		logger          telemetry.Logger
		metrics         telemetry.Metrics

		mu     sync.RWMutex
		subs   map[int64]map[*Subscription]struct{}
		closed bool

		wg sync.WaitGroup
	}

	// Options configures a Bridge.
	Options struct {
		// Store persists probe events, devices and enrollments. Required.
		Store Store
		// Results receives probe outcomes. Required.
		Results ResultHandler
		// VerificationURI is the page users visit to enter their code.
		// Required.
		VerificationURI string
		// PingInterval is the heartbeat period per sink. Defaults to
		// DefaultPingInterval.
		PingInterval time.Duration
		// AuthTTL bounds device-code enrollments. Defaults to
		// DefaultAuthTTL.
		AuthTTL time.Duration
		// PollSeconds is the token poll interval advertised to probes.
		// Defaults to DefaultPollSeconds.
		PollSeconds int
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Subscription is one registered sink. Close is idempotent and safe to
	// call from any goroutine; after it returns no further writes reach the
	// sink.
	Subscription struct {
		bridge *Bridge
		userID int64
		sink   Sink

		writeMu sync.Mutex
		once    sync.Once
		done    chan struct{}
	}
)

const (
	// DefaultPingInterval is the sink heartbeat period used when none is
	// configured.
	DefaultPingInterval = 30 * time.Second
	// DefaultAuthTTL is the device-code enrollment lifetime used when none
	// is configured.
	DefaultAuthTTL = 15 * time.Minute
	// DefaultPollSeconds is the advertised token poll interval used when
	// none is configured.
	DefaultPollSeconds = 5
)

var (
	// ErrClosed reports an operation on a closed bridge or subscription.
	ErrClosed = errors.New("bridge is closed")

	// ErrForeignEvent reports a result posted by a device that does not own
	// the event. Handlers surface it as not found so event ids are not
	// probeable across users.
	ErrForeignEvent = errors.New("probe event belongs to another user")
)

// New constructs a Bridge. Store, Results and VerificationURI are required.
func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Results == nil {
		return nil, errors.New("missing result handler")
	}
	if opts.VerificationURI == "" {
		return nil, errors.New("missing verification URI")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.AuthTTL <= 0 {
		opts.AuthTTL = DefaultAuthTTL
	}
	if opts.PollSeconds <= 0 {
		opts.PollSeconds = DefaultPollSeconds
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Bridge{
		store:           opts.Store,
		results:         opts.Results,
		verificationURI: opts.VerificationURI,
		pingInterval:    opts.PingInterval,
		authTTL:         opts.AuthTTL,
		pollSeconds:     opts.PollSeconds,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		subs:            make(map[int64]map[*Subscription]struct{}),
	}, nil
}

// Subscribe registers sink for the user, replays the user's pending events
// onto it in creation order and starts its heartbeat. The returned
// subscription stays live until Close is called or a write fails.
func (b *Bridge) Subscribe(ctx context.Context, userID int64, sink Sink) (*Subscription, error) {
	if sink == nil {
		return nil, errors.New("missing sink")
	}
	sub := &Subscription{bridge: b, userID: userID, sink: sink, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[userID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if err := b.replayPending(ctx, sub); err != nil {
		_ = sub.Close()
		return nil, err
	}

	b.wg.Add(1)
	go b.heartbeat(sub)

	b.metrics.IncCounter("probe_subscribed", 1)
	b.logger.Debug(ctx, "probe subscribed", "user", userID)
	return sub, nil
}

// replayPending re-sends every event still pending for the subscription's
// user, oldest first, marking each sent.
func (b *Bridge) replayPending(ctx context.Context, sub *Subscription) error {
	pending, err := b.store.ListPendingProbeEvents(ctx, sub.userID)
	if err != nil {
		return fmt.Errorf("list pending probe events: %w", err)
	}
	for _, ev := range pending {
		frame, err := scrapeRequestEvent(ev)
		if err != nil {
			b.logger.Error(ctx, "encode probe event", "event", ev.ID, "err", err.Error())
			continue
		}
		if err := sub.send(frame); err != nil {
			return fmt.Errorf("replay probe event %s: %w", ev.ID, err)
		}
		if err := b.store.MarkProbeEventSent(ctx, ev.ID); err != nil {
			b.logger.Warn(ctx, "mark probe event sent", "event", ev.ID, "err", err.Error())
		}
		b.metrics.IncCounter("probe_events_sent", 1, "path", "replay")
	}
	return nil
}

// heartbeat pings the sink until the subscription closes. A failed ping
// drops the subscription; the probe reconnects and replays.
func (b *Bridge) heartbeat(sub *Subscription) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			if err := sub.send(pingEvent); err != nil {
				_ = sub.Close()
				return
			}
		}
	}
}

// Push writes the frame to every active subscription of the user and reports
// how many sinks accepted it. Sinks are written in parallel so a slow
// consumer delays only itself; sinks that fail are dropped. There is no
// retry at this layer, redelivery rides on the pending-event replay.
func (b *Bridge) Push(ctx context.Context, userID int64, frame Event) int {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[userID]))
	for sub := range b.subs[userID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	var (
		delivered atomic.Int64
		wg        sync.WaitGroup
	)
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := sub.send(frame); err != nil {
				b.logger.Debug(ctx, "drop probe sink", "user", userID, "err", err.Error())
				_ = sub.Close()
				return
			}
			delivered.Add(1)
		}(sub)
	}
	wg.Wait()
	return int(delivered.Load())
}

// Dispatch pushes ev to the user's live subscriptions as a scrape_request
// and marks it sent once at least one sink accepted it. With no live sink
// the event stays pending for replay on the next subscribe.
func (b *Bridge) Dispatch(ctx context.Context, ev store.ProbeEvent) error {
	frame, err := scrapeRequestEvent(ev)
	if err != nil {
		return err
	}
	if n := b.Push(ctx, ev.UserID, frame); n == 0 {
		b.logger.Debug(ctx, "no live probe, event left pending", "event", ev.ID, "user", ev.UserID)
		return nil
	}
	b.metrics.IncCounter("probe_events_sent", 1, "path", "live")
	if err := b.store.MarkProbeEventSent(ctx, ev.ID); err != nil {
		b.logger.Warn(ctx, "mark probe event sent", "event", ev.ID, "err", err.Error())
	}
	return nil
}

// ReceiveResult applies a probe's scrape outcome: it verifies the event
// belongs to the posting device's user, transitions it to completed or
// error, and on success hands the payload to the result handler
// asynchronously. Results for events already terminal are acknowledged
// without effect so probes can repost safely.
func (b *Bridge) ReceiveResult(ctx context.Context, device store.ProbeDevice, res ProbeResult) error {
	ev, err := b.store.GetProbeEvent(ctx, res.EventID)
	if err != nil {
		return err
	}
	if ev.UserID != device.UserID {
		return fmt.Errorf("probe event %s: %w", res.EventID, ErrForeignEvent)
	}
	if ev.Status == store.ProbeEventCompleted || ev.Status == store.ProbeEventError {
		return nil
	}

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "probe reported failure"
		}
		if err := b.store.SetProbeEventStatus(ctx, ev.ID, store.ProbeEventError, nil, msg); err != nil {
			return err
		}
		b.metrics.IncCounter("probe_results", 1, "outcome", "error")
		b.logger.Info(ctx, "probe scrape failed", "event", ev.ID, "link", ev.LinkID, "err", msg)
		return b.results.HandleProbeFailure(ctx, ev, msg)
	}

	if res.Data == nil {
		return errors.New("scrape result has no data")
	}
	if err := b.store.SetProbeEventStatus(ctx, ev.ID, store.ProbeEventCompleted, res.Data, ""); err != nil {
		return err
	}
	b.metrics.IncCounter("probe_results", 1, "outcome", "ok")
	ev.Status = store.ProbeEventCompleted
	ev.Result = res.Data

	data := *res.Data
	hctx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.results.HandleProbeResult(hctx, ev, data); err != nil {
			b.logger.Error(hctx, "handle probe result", "event", ev.ID, "link", ev.LinkID, "err", err.Error())
		}
	}()
	return nil
}

// Close drops every subscription and waits for heartbeats and in-flight
// result handlers to finish.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range all {
		_ = sub.Close()
	}
	b.wg.Wait()
}

func (b *Bridge) remove(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.userID)
		}
	}
	b.mu.Unlock()
	b.metrics.IncCounter("probe_unsubscribed", 1)
}

// send writes one frame to the sink. Writes are serialized and stop once the
// subscription closes, so sinks backed by handler-scoped writers are never
// written after their handler returns.
func (s *Subscription) send(ev Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	return s.sink.Send(ev)
}

// Done is closed once the subscription is no longer registered. Handlers
// block on it to keep their response stream open.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription. It is idempotent; any write in flight
// finishes first.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.writeMu.Lock()
		close(s.done)
		s.writeMu.Unlock()
		s.bridge.remove(s)
	})
	return nil
}
