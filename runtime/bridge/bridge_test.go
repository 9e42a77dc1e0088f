package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linkmind/linkmind/store"
)

type fakeStore struct {
	mu      sync.Mutex
	seq     int
	events  map[string]store.ProbeEvent
	order   []string
	devices map[string]store.ProbeDevice
	auths   map[string]store.DeviceAuthRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:  make(map[string]store.ProbeEvent),
		devices: make(map[string]store.ProbeDevice),
		auths:   make(map[string]store.DeviceAuthRequest),
	}
}

func (f *fakeStore) CreateProbeEvent(_ context.Context, ev store.ProbeEvent) (store.ProbeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", f.seq)
	}
	if ev.Status == "" {
		ev.Status = store.ProbeEventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC().Add(time.Duration(f.seq) * time.Millisecond)
	}
	f.events[ev.ID] = ev
	f.order = append(f.order, ev.ID)
	return ev, nil
}

func (f *fakeStore) GetProbeEvent(_ context.Context, id string) (store.ProbeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return store.ProbeEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func (f *fakeStore) MarkProbeEventSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok || ev.Status != store.ProbeEventPending {
		return nil
	}
	now := time.Now().UTC()
	ev.Status = store.ProbeEventSent
	ev.SentAt = &now
	f.events[id] = ev
	return nil
}

func (f *fakeStore) SetProbeEventStatus(_ context.Context, id string, status store.ProbeEventStatus, result *store.ScrapeData, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = status
	if result != nil {
		ev.Result = result
	}
	ev.ErrorMessage = errMsg
	if status == store.ProbeEventCompleted || status == store.ProbeEventError {
		now := time.Now().UTC()
		ev.CompletedAt = &now
	}
	f.events[id] = ev
	return nil
}

func (f *fakeStore) ListPendingProbeEvents(_ context.Context, userID int64) ([]store.ProbeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProbeEvent
	for _, id := range f.order {
		ev := f.events[id]
		if ev.UserID == userID && ev.Status == store.ProbeEventPending {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) CountPendingProbeEvents(ctx context.Context, userID int64) (int64, error) {
	pending, err := f.ListPendingProbeEvents(ctx, userID)
	return int64(len(pending)), err
}

func (f *fakeStore) ExpireProbeEvents(_ context.Context, cutoff time.Time) ([]store.ProbeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProbeEvent
	for _, id := range f.order {
		ev := f.events[id]
		if (ev.Status == store.ProbeEventPending || ev.Status == store.ProbeEventSent) && ev.CreatedAt.Before(cutoff) {
			now := time.Now().UTC()
			ev.Status = store.ProbeEventError
			ev.ErrorMessage = "probe event expired"
			ev.CompletedAt = &now
			f.events[id] = ev
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateProbeDevice(_ context.Context, dev store.ProbeDevice) (store.ProbeDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if dev.ID == "" {
		dev.ID = fmt.Sprintf("dev-%d", f.seq)
	}
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = time.Now().UTC()
	}
	f.devices[dev.ID] = dev
	return dev, nil
}

func (f *fakeStore) GetProbeDeviceByToken(_ context.Context, token string) (store.ProbeDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dev := range f.devices {
		if dev.Token == token {
			return dev, nil
		}
	}
	return store.ProbeDevice{}, store.ErrNotFound
}

func (f *fakeStore) ListProbeDevices(_ context.Context, userID int64) ([]store.ProbeDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProbeDevice
	for _, dev := range f.devices {
		if dev.UserID == userID {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchProbeDevice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	dev.LastSeenAt = &now
	f.devices[id] = dev
	return nil
}

func (f *fakeStore) CreateDeviceAuth(_ context.Context, req store.DeviceAuthRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths[req.DeviceCode] = req
	return nil
}

func (f *fakeStore) GetDeviceAuth(_ context.Context, deviceCode string) (store.DeviceAuthRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.auths[deviceCode]
	if !ok {
		return store.DeviceAuthRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (f *fakeStore) GetDeviceAuthByUserCode(_ context.Context, userCode string) (store.DeviceAuthRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.auths {
		if req.UserCode == userCode {
			return req, nil
		}
	}
	return store.DeviceAuthRequest{}, store.ErrNotFound
}

func (f *fakeStore) AuthorizeDeviceAuth(_ context.Context, deviceCode string, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.auths[deviceCode]
	if !ok || req.Status != store.DeviceAuthPending {
		return store.ErrNotFound
	}
	req.Status = store.DeviceAuthAuthorized
	req.UserID = &userID
	f.auths[deviceCode] = req
	return nil
}

func (f *fakeStore) ExpireDeviceAuth(_ context.Context, deviceCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.auths[deviceCode]
	if !ok {
		return store.ErrNotFound
	}
	req.Status = store.DeviceAuthExpired
	f.auths[deviceCode] = req
	return nil
}

type recordSink struct {
	mu     sync.Mutex
	frames []Event
	fail   atomic.Bool
}

func (s *recordSink) Send(ev Event) error {
	if s.fail.Load() {
		return errors.New("sink write failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, ev)
	return nil
}

func (s *recordSink) Frames() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordSink) framesOf(typ string) []Event {
	var out []Event
	for _, ev := range s.Frames() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeResults struct {
	mu       sync.Mutex
	handled  []string
	failed   []string
	notified chan struct{}
}

func newFakeResults() *fakeResults {
	return &fakeResults{notified: make(chan struct{}, 16)}
}

func (f *fakeResults) HandleProbeResult(_ context.Context, ev store.ProbeEvent, _ store.ScrapeData) error {
	f.mu.Lock()
	f.handled = append(f.handled, ev.ID)
	f.mu.Unlock()
	f.notified <- struct{}{}
	return nil
}

func (f *fakeResults) HandleProbeFailure(_ context.Context, ev store.ProbeEvent, _ string) error {
	f.mu.Lock()
	f.failed = append(f.failed, ev.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeResults) handledEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.handled))
	copy(out, f.handled)
	return out
}

func (f *fakeResults) failedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failed))
	copy(out, f.failed)
	return out
}

func (f *fakeResults) waitHandled(t *testing.T) {
	t.Helper()
	select {
	case <-f.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("result handler was not called")
	}
}

func newTestBridge(t *testing.T, fs Store, rh ResultHandler) *Bridge {
	t.Helper()
	b, err := New(Options{
		Store:           fs,
		Results:         rh,
		VerificationURI: "https://linkmind.test/auth/device",
		PingInterval:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func decodeScrapeRequest(t *testing.T, ev Event) ScrapeRequest {
	t.Helper()
	require.Equal(t, EventScrapeRequest, ev.Type)
	var req ScrapeRequest
	require.NoError(t, json.Unmarshal(ev.Data, &req))
	return req
}

func TestNewValidatesOptions(t *testing.T) {
	fs := newFakeStore()
	rh := newFakeResults()
	uri := "https://linkmind.test/auth/device"

	_, err := New(Options{Results: rh, VerificationURI: uri})
	require.EqualError(t, err, "missing store")
	_, err = New(Options{Store: fs, VerificationURI: uri})
	require.EqualError(t, err, "missing result handler")
	_, err = New(Options{Store: fs, Results: rh})
	require.EqualError(t, err, "missing verification URI")
}

func TestSubscribeReplaysPendingInOrder(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	first, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	second, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 11, URL: "https://x.com/u/status/1", URLType: store.URLKindTwitter})
	require.NoError(t, err)
	_, err = fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 2, LinkID: 12, URL: "https://example.com/b", URLType: store.URLKindWeb})
	require.NoError(t, err)

	sink := &recordSink{}
	sub, err := b.Subscribe(ctx, 1, sink)
	require.NoError(t, err)
	defer sub.Close()

	frames := sink.framesOf(EventScrapeRequest)
	require.Len(t, frames, 2)
	require.Equal(t, first.ID, decodeScrapeRequest(t, frames[0]).EventID)
	got := decodeScrapeRequest(t, frames[1])
	require.Equal(t, second.ID, got.EventID)
	require.Equal(t, store.URLKindTwitter, got.URLType)
	require.Equal(t, int64(11), got.LinkID)

	ev, err := fs.GetProbeEvent(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventSent, ev.Status)
	require.NotNil(t, ev.SentAt)

	pending, err := fs.ListPendingProbeEvents(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDispatchDeliversAndMarksSent(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	sink := &recordSink{}
	sub, err := b.Subscribe(ctx, 1, sink)
	require.NoError(t, err)
	defer sub.Close()

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	require.NoError(t, b.Dispatch(ctx, ev))

	frames := sink.framesOf(EventScrapeRequest)
	require.Len(t, frames, 1)
	require.Equal(t, ev.ID, decodeScrapeRequest(t, frames[0]).EventID)

	stored, err := fs.GetProbeEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventSent, stored.Status)
}

func TestDispatchWithoutSinkLeavesPending(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	require.NoError(t, b.Dispatch(ctx, ev))

	stored, err := fs.GetProbeEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventPending, stored.Status)
}

func TestPushReachesOnlyTheUser(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	sink1, sink2 := &recordSink{}, &recordSink{}
	sub1, err := b.Subscribe(ctx, 1, sink1)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, 2, sink2)
	require.NoError(t, err)
	defer sub2.Close()

	n := b.Push(ctx, 1, Event{Type: EventScrapeRequest, Data: json.RawMessage(`{"event_id":"ev-x"}`)})
	require.Equal(t, 1, n)
	require.Len(t, sink1.framesOf(EventScrapeRequest), 1)
	require.Empty(t, sink2.framesOf(EventScrapeRequest))
}

func TestPushBroadcastsToAllUserSinks(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	sink1, sink2 := &recordSink{}, &recordSink{}
	sub1, err := b.Subscribe(ctx, 1, sink1)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, 1, sink2)
	require.NoError(t, err)
	defer sub2.Close()

	n := b.Push(ctx, 1, Event{Type: EventScrapeRequest, Data: json.RawMessage(`{}`)})
	require.Equal(t, 2, n)
	require.Len(t, sink1.framesOf(EventScrapeRequest), 1)
	require.Len(t, sink2.framesOf(EventScrapeRequest), 1)
}

func TestFailedSinkIsDropped(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	sink := &recordSink{}
	sub, err := b.Subscribe(ctx, 1, sink)
	require.NoError(t, err)

	sink.fail.Store(true)
	n := b.Push(ctx, 1, Event{Type: EventPing, Data: json.RawMessage(`{}`)})
	require.Zero(t, n)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription still open after failed write")
	}
	require.Zero(t, b.Push(ctx, 1, Event{Type: EventPing, Data: json.RawMessage(`{}`)}))
}

func TestHeartbeatPings(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	sink := &recordSink{}
	sub, err := b.Subscribe(ctx, 1, sink)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		return len(sink.framesOf(EventPing)) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendAfterCloseIsRejected(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	sink := &recordSink{}
	sub, err := b.Subscribe(ctx, 1, sink)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.ErrorIs(t, sub.send(pingEvent), ErrClosed)
	require.Zero(t, b.Push(ctx, 1, pingEvent))
}

func TestReceiveResultSuccess(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	rh := newFakeResults()
	b := newTestBridge(t, fs, rh)

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	dev := store.ProbeDevice{ID: "dev-1", UserID: 1, Token: "lmp_abc"}

	require.NoError(t, b.ReceiveResult(ctx, dev, ProbeResult{
		EventID: ev.ID,
		Success: true,
		Data:    &store.ScrapeData{Markdown: "body", Title: "Example"},
	}))

	stored, err := fs.GetProbeEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	require.Equal(t, "body", stored.Result.Markdown)
	require.NotNil(t, stored.CompletedAt)

	rh.waitHandled(t)
	require.Equal(t, []string{ev.ID}, rh.handledEvents())
}

func TestReceiveResultFailureMarksError(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	rh := newFakeResults()
	b := newTestBridge(t, fs, rh)

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	dev := store.ProbeDevice{ID: "dev-1", UserID: 1, Token: "lmp_abc"}

	require.NoError(t, b.ReceiveResult(ctx, dev, ProbeResult{EventID: ev.ID, Success: false, Error: "tab crashed"}))

	stored, err := fs.GetProbeEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventError, stored.Status)
	require.Equal(t, "tab crashed", stored.ErrorMessage)
	require.Equal(t, []string{ev.ID}, rh.failedEvents())
	require.Empty(t, rh.handledEvents())
}

func TestReceiveResultForeignDevice(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	dev := store.ProbeDevice{ID: "dev-2", UserID: 2, Token: "lmp_def"}

	err = b.ReceiveResult(ctx, dev, ProbeResult{EventID: ev.ID, Success: true, Data: &store.ScrapeData{Markdown: "body"}})
	require.ErrorIs(t, err, ErrForeignEvent)

	stored, err := fs.GetProbeEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventPending, stored.Status)
}

func TestReceiveResultUnknownEvent(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	dev := store.ProbeDevice{ID: "dev-1", UserID: 1, Token: "lmp_abc"}
	err := b.ReceiveResult(ctx, dev, ProbeResult{EventID: "missing", Success: true, Data: &store.ScrapeData{Markdown: "x"}})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceiveResultMissingData(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b := newTestBridge(t, fs, newFakeResults())

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	dev := store.ProbeDevice{ID: "dev-1", UserID: 1, Token: "lmp_abc"}

	err = b.ReceiveResult(ctx, dev, ProbeResult{EventID: ev.ID, Success: true})
	require.EqualError(t, err, "scrape result has no data")
}

func TestReceiveResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	rh := newFakeResults()
	b := newTestBridge(t, fs, rh)

	ev, err := fs.CreateProbeEvent(ctx, store.ProbeEvent{UserID: 1, LinkID: 10, URL: "https://example.com/a", URLType: store.URLKindWeb})
	require.NoError(t, err)
	dev := store.ProbeDevice{ID: "dev-1", UserID: 1, Token: "lmp_abc"}
	res := ProbeResult{EventID: ev.ID, Success: true, Data: &store.ScrapeData{Markdown: "body"}}

	require.NoError(t, b.ReceiveResult(ctx, dev, res))
	rh.waitHandled(t)
	require.NoError(t, b.ReceiveResult(ctx, dev, res))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{ev.ID}, rh.handledEvents())
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	b, err := New(Options{
		Store:           fs,
		Results:         newFakeResults(),
		VerificationURI: "https://linkmind.test/auth/device",
	})
	require.NoError(t, err)
	b.Close()

	_, err = b.Subscribe(ctx, 1, &recordSink{})
	require.ErrorIs(t, err, ErrClosed)
}
