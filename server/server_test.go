package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linkmind/linkmind/runtime/bridge"
	"github.com/linkmind/linkmind/store"
)

// fakeGateway is a mutex-guarded in-memory Store that also backs the bridge.
type fakeGateway struct {
	mu         sync.Mutex
	nextLinkID int64
	seq        int
	links      map[int64]store.Link
	relations  map[int64][]store.Relation
	hits       []store.Link
	events     map[string]store.ProbeEvent
	order      []string
	devices    map[string]store.ProbeDevice
	auths      map[string]store.DeviceAuthRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		links:     make(map[int64]store.Link),
		relations: make(map[int64][]store.Relation),
		events:    make(map[string]store.ProbeEvent),
		devices:   make(map[string]store.ProbeDevice),
		auths:     make(map[string]store.DeviceAuthRequest),
	}
}

// addLink seeds a row, assigning an id and timestamps when unset.
func (g *fakeGateway) addLink(l store.Link) store.Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l.ID == 0 {
		g.nextLinkID++
		l.ID = g.nextLinkID
	} else if l.ID > g.nextLinkID {
		g.nextLinkID = l.ID
	}
	if l.Status == "" {
		l.Status = store.LinkStatusPending
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC().Add(time.Duration(l.ID) * time.Millisecond)
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	g.links[l.ID] = l
	return l
}

func (g *fakeGateway) UpsertLink(_ context.Context, userID int64, url string) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, l := range g.links {
		if l.UserID == userID && l.URL == url {
			l.Status = store.LinkStatusPending
			l.ErrorMessage = ""
			g.links[id] = l
			return id, true, nil
		}
	}
	g.nextLinkID++
	id := g.nextLinkID
	g.links[id] = store.Link{ID: id, UserID: userID, URL: url, Status: store.LinkStatusPending}
	return id, false, nil
}

func (g *fakeGateway) UpdateLinkFields(_ context.Context, linkID int64, u store.LinkUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.links[linkID]
	if !ok {
		return store.ErrNotFound
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.ErrorMessage != nil {
		l.ErrorMessage = *u.ErrorMessage
	}
	g.links[linkID] = l
	return nil
}

func (g *fakeGateway) GetLink(_ context.Context, linkID int64) (store.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.links[linkID]
	if !ok {
		return store.Link{}, store.ErrNotFound
	}
	return l, nil
}

func (g *fakeGateway) GetLinkByURL(_ context.Context, userID int64, url string) (store.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.links {
		if l.UserID == userID && l.URL == url {
			return l, nil
		}
	}
	return store.Link{}, store.ErrNotFound
}

func (g *fakeGateway) CountByURL(_ context.Context, userID int64, url string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for _, l := range g.links {
		if l.UserID == userID && l.URL == url {
			n++
		}
	}
	return n, nil
}

func (g *fakeGateway) ListRecent(_ context.Context, userID int64, limit int) ([]store.Link, error) {
	all := g.linksOf(userID, "")
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (g *fakeGateway) ListPaginated(_ context.Context, userID int64, offset, limit int) ([]store.Link, error) {
	all := g.linksOf(userID, "")
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (g *fakeGateway) ListAnalyzed(_ context.Context, userID int64) ([]store.Link, error) {
	return g.linksOf(userID, store.LinkStatusAnalyzed), nil
}

func (g *fakeGateway) ListFailed(_ context.Context, userID int64) ([]store.Link, error) {
	return g.linksOf(userID, store.LinkStatusError), nil
}

func (g *fakeGateway) linksOf(userID int64, status store.LinkStatus) []store.Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Link
	for _, l := range g.links {
		if l.UserID != userID {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *fakeGateway) DeleteLink(_ context.Context, linkID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.links[linkID]; !ok {
		return store.ErrNotFound
	}
	delete(g.links, linkID)
	return nil
}

func (g *fakeGateway) SaveRelations(_ context.Context, linkID int64, relations []store.Relation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relations[linkID] = append([]store.Relation(nil), relations...)
	return nil
}

func (g *fakeGateway) GetRelations(_ context.Context, linkID int64) ([]store.Relation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]store.Relation(nil), g.relations[linkID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].LinkID < out[j].LinkID
	})
	return out, nil
}

func (g *fakeGateway) RemoveLinkFromRelations(_ context.Context, linkID int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	touched := make(map[int64]struct{})
	for _, r := range g.relations[linkID] {
		touched[r.LinkID] = struct{}{}
	}
	delete(g.relations, linkID)
	for owner, rels := range g.relations {
		kept := rels[:0]
		for _, r := range rels {
			if r.LinkID == linkID {
				touched[owner] = struct{}{}
				continue
			}
			kept = append(kept, r)
		}
		g.relations[owner] = kept
	}
	return int64(len(touched)), nil
}

func (g *fakeGateway) VectorSearch(_ context.Context, _ []float32, _, _ int64, _ int) ([]store.SearchHit, error) {
	return nil, nil
}

func (g *fakeGateway) BM25Search(_ context.Context, query string, userID int64, k int) ([]store.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Link
	for _, l := range g.hits {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (g *fakeGateway) CreateProbeEvent(_ context.Context, ev store.ProbeEvent) (store.ProbeEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", g.seq)
	}
	if ev.Status == "" {
		ev.Status = store.ProbeEventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC().Add(time.Duration(g.seq) * time.Millisecond)
	}
	g.events[ev.ID] = ev
	g.order = append(g.order, ev.ID)
	return ev, nil
}

func (g *fakeGateway) GetProbeEvent(_ context.Context, id string) (store.ProbeEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[id]
	if !ok {
		return store.ProbeEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func (g *fakeGateway) MarkProbeEventSent(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[id]
	if !ok || ev.Status != store.ProbeEventPending {
		return nil
	}
	now := time.Now().UTC()
	ev.Status = store.ProbeEventSent
	ev.SentAt = &now
	g.events[id] = ev
	return nil
}

func (g *fakeGateway) SetProbeEventStatus(_ context.Context, id string, status store.ProbeEventStatus, result *store.ScrapeData, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = status
	if result != nil {
		ev.Result = result
	}
	ev.ErrorMessage = errMsg
	g.events[id] = ev
	return nil
}

func (g *fakeGateway) ListPendingProbeEvents(_ context.Context, userID int64) ([]store.ProbeEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.ProbeEvent
	for _, id := range g.order {
		ev := g.events[id]
		if ev.UserID == userID && ev.Status == store.ProbeEventPending {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (g *fakeGateway) CountPendingProbeEvents(ctx context.Context, userID int64) (int64, error) {
	pending, err := g.ListPendingProbeEvents(ctx, userID)
	return int64(len(pending)), err
}

func (g *fakeGateway) ExpireProbeEvents(_ context.Context, _ time.Time) ([]store.ProbeEvent, error) {
	return nil, nil
}

func (g *fakeGateway) CreateProbeDevice(_ context.Context, dev store.ProbeDevice) (store.ProbeDevice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if dev.ID == "" {
		dev.ID = fmt.Sprintf("dev-%d", g.seq)
	}
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = time.Now().UTC()
	}
	g.devices[dev.ID] = dev
	return dev, nil
}

func (g *fakeGateway) GetProbeDeviceByToken(_ context.Context, token string) (store.ProbeDevice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dev := range g.devices {
		if dev.Token == token {
			return dev, nil
		}
	}
	return store.ProbeDevice{}, store.ErrNotFound
}

func (g *fakeGateway) ListProbeDevices(_ context.Context, userID int64) ([]store.ProbeDevice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.ProbeDevice
	for _, dev := range g.devices {
		if dev.UserID == userID {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGateway) TouchProbeDevice(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, ok := g.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	dev.LastSeenAt = &now
	g.devices[id] = dev
	return nil
}

func (g *fakeGateway) CreateDeviceAuth(_ context.Context, req store.DeviceAuthRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auths[req.DeviceCode] = req
	return nil
}

func (g *fakeGateway) GetDeviceAuth(_ context.Context, deviceCode string) (store.DeviceAuthRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.auths[deviceCode]
	if !ok {
		return store.DeviceAuthRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (g *fakeGateway) GetDeviceAuthByUserCode(_ context.Context, userCode string) (store.DeviceAuthRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.auths {
		if req.UserCode == userCode {
			return req, nil
		}
	}
	return store.DeviceAuthRequest{}, store.ErrNotFound
}

func (g *fakeGateway) AuthorizeDeviceAuth(_ context.Context, deviceCode string, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.auths[deviceCode]
	if !ok || req.Status != store.DeviceAuthPending {
		return store.ErrNotFound
	}
	req.Status = store.DeviceAuthAuthorized
	req.UserID = &userID
	g.auths[deviceCode] = req
	return nil
}

func (g *fakeGateway) ExpireDeviceAuth(_ context.Context, deviceCode string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.auths[deviceCode]
	if !ok {
		return store.ErrNotFound
	}
	req.Status = store.DeviceAuthExpired
	g.auths[deviceCode] = req
	return nil
}

// fakePipeline mirrors the real admission methods over the fake gateway so
// handler responses carry realistic values.
type fakePipeline struct {
	gw *fakeGateway

	mu        sync.Mutex
	nextTask  int
	submitted []string
	retried   []int64
}

func (p *fakePipeline) taskID() string {
	p.nextTask++
	return fmt.Sprintf("task-%d", p.nextTask)
}

func (p *fakePipeline) SubmitLink(_ context.Context, userID int64, url string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, fmt.Sprintf("%d:%s", userID, url))
	return p.taskID(), nil
}

func (p *fakePipeline) RetryLink(_ context.Context, linkID int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retried = append(p.retried, linkID)
	return p.taskID(), nil
}

func (p *fakePipeline) RetryFailed(ctx context.Context, userID int64) ([]int64, error) {
	failed, err := p.gw.ListFailed(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(failed))
	for _, l := range failed {
		ids = append(ids, l.ID)
	}
	p.mu.Lock()
	p.retried = append(p.retried, ids...)
	p.mu.Unlock()
	return ids, nil
}

func (p *fakePipeline) DeleteLink(ctx context.Context, linkID int64) (store.Link, int64, error) {
	link, err := p.gw.GetLink(ctx, linkID)
	if err != nil {
		return store.Link{}, 0, err
	}
	scrubbed, err := p.gw.RemoveLinkFromRelations(ctx, linkID)
	if err != nil {
		return store.Link{}, 0, err
	}
	if err := p.gw.DeleteLink(ctx, linkID); err != nil {
		return store.Link{}, 0, err
	}
	return link, scrubbed, nil
}

// noopResults satisfies the bridge's result handler; server tests assert on
// event state, not pipeline re-entry.
type noopResults struct{}

func (noopResults) HandleProbeResult(context.Context, store.ProbeEvent, store.ScrapeData) error {
	return nil
}

func (noopResults) HandleProbeFailure(context.Context, store.ProbeEvent, string) error {
	return nil
}

type testServer struct {
	srv     *Server
	gateway *fakeGateway
	pl      *fakePipeline
	bridge  *bridge.Bridge
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := newFakeGateway()
	b, err := bridge.New(bridge.Options{
		Store:           gw,
		Results:         noopResults{},
		VerificationURI: "https://linkmind.test/auth/device",
		PingInterval:    time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	pl := &fakePipeline{gw: gw}
	srv, err := New(Options{
		Store:         gw,
		Pipeline:      pl,
		Bridge:        b,
		SessionSecret: []byte(strings.Repeat("s", 32)),
	})
	require.NoError(t, err)
	return &testServer{srv: srv, gateway: gw, pl: pl, bridge: b, handler: srv.Handler()}
}

func (ts *testServer) session(t *testing.T, userID int64) *http.Cookie {
	t.Helper()
	cookie, err := ts.srv.EncodeSession(userID)
	require.NoError(t, err)
	return cookie
}

// do runs one request through the handler. A JSON body is passed as a string;
// cookie and bearer may be nil/empty.
func (ts *testServer) do(t *testing.T, method, target, body string, cookie *http.Cookie, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestNewValidatesOptions(t *testing.T) {
	gw := newFakeGateway()
	b, err := bridge.New(bridge.Options{
		Store:           gw,
		Results:         noopResults{},
		VerificationURI: "https://linkmind.test/auth/device",
	})
	require.NoError(t, err)
	defer b.Close()
	pl := &fakePipeline{gw: gw}
	secret := []byte(strings.Repeat("s", 32))

	_, err = New(Options{Pipeline: pl, Bridge: b, SessionSecret: secret})
	require.EqualError(t, err, "missing store")
	_, err = New(Options{Store: gw, Bridge: b, SessionSecret: secret})
	require.EqualError(t, err, "missing pipeline")
	_, err = New(Options{Store: gw, Pipeline: pl, SessionSecret: secret})
	require.EqualError(t, err, "missing bridge")
	_, err = New(Options{Store: gw, Pipeline: pl, Bridge: b, SessionSecret: []byte("short")})
	require.EqualError(t, err, "session secret must be at least 32 bytes")
}

func TestSessionRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/links", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := &http.Cookie{Name: SessionCookieName, Value: "not-a-session"}
	rec = ts.do(t, http.MethodGet, "/api/links", "", bad, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.session(t, 42)

	rec := ts.do(t, http.MethodGet, "/api/links", "", cookie, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	ts := newTestServer(t)
	other := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/links", "", other.session(t, 42), "")
	require.Equal(t, http.StatusOK, rec.Code, "same secret encodes interchangeably")

	// A cookie minted under a different secret must not verify.
	srv, err := New(Options{
		Store:         ts.gateway,
		Pipeline:      ts.pl,
		Bridge:        ts.bridge,
		SessionSecret: []byte(strings.Repeat("x", 32)),
	})
	require.NoError(t, err)
	foreign, err := srv.EncodeSession(42)
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/links", "", foreign, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/probe/receive_result", `{"event_id":"ev-1","success":false}`, nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/probe/receive_result", `{"event_id":"ev-1","success":false}`, nil, "lmp_unknown")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerTouchesDevice(t *testing.T) {
	ts := newTestServer(t)
	dev, err := ts.gateway.CreateProbeDevice(context.Background(), store.ProbeDevice{UserID: 1, Token: "lmp_tok", Name: "probe-a"})
	require.NoError(t, err)
	ev, err := ts.gateway.CreateProbeEvent(context.Background(), store.ProbeEvent{UserID: 1, LinkID: 1, URL: "https://example.com", URLType: store.URLKindWeb})
	require.NoError(t, err)

	body := fmt.Sprintf(`{"event_id":%q,"success":false,"error":"nope"}`, ev.ID)
	rec := ts.do(t, http.MethodPost, "/api/probe/receive_result", body, nil, "lmp_tok")
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := ts.gateway.ListProbeDevices(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, dev.ID, stored[0].ID)
	require.NotNil(t, stored[0].LastSeenAt)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/livez", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}
