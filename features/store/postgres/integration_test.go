package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/linkmind/linkmind/runtime/task"
	"github.com/linkmind/linkmind/store"

	clientpg "github.com/linkmind/linkmind/features/store/postgres/clients/postgres"
)

var (
	testPGClient    clientpg.Client
	testPGContainer testcontainers.Container
	skipPGTests     bool
	pgSetupDone     bool
)

// setupPostgres starts a ParadeDB container (Postgres with pgvector and
// pg_search) and applies the embedded migrations. Tests are skipped when
// Docker is not available.
func setupPostgres() {
	pgSetupDone = true
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "paradedb/paradedb:latest",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "linkmind_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
			Tmpfs: map[string]string{"/var/lib/postgresql/data": "rw"},
		}
		testPGContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, Postgres tests will be skipped: %v\n", containerErr)
		skipPGTests = true
		return
	}

	host, err := testPGContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipPGTests = true
		return
	}
	port, err := testPGContainer.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipPGTests = true
		return
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/linkmind_test?sslmode=disable", host, port.Port())
	testPGClient, err = clientpg.New(ctx, clientpg.Options{DSN: dsn})
	if err != nil {
		fmt.Printf("Failed to connect to Postgres: %v\n", err)
		skipPGTests = true
		return
	}
	if err := Migrate(ctx, testPGClient.DB().DB); err != nil {
		fmt.Printf("Failed to run migrations: %v\n", err)
		skipPGTests = true
	}
}

// getPGStore returns a gateway backed by the shared container with all
// tables truncated for test isolation.
func getPGStore(t *testing.T) *Store {
	t.Helper()
	if !pgSetupDone {
		setupPostgres()
	}
	if skipPGTests {
		t.Skip("Docker not available, skipping Postgres test")
	}
	_, err := testPGClient.DB().ExecContext(context.Background(),
		`TRUNCATE users, links, link_relations, probe_devices, probe_events, device_auth_requests, tasks, task_steps RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	s, err := New(Options{Client: testPGClient})
	require.NoError(t, err)
	return s
}

func getPGTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	getPGStore(t)
	ts, err := NewTaskStore(TaskStoreOptions{Client: testPGClient})
	require.NoError(t, err)
	return ts
}

// testVector returns a unit-ish embedding of the dimension the schema fixes,
// with the first component carrying the seed so distances are predictable.
func testVector(seed float32) []float32 {
	vec := make([]float32, 1536)
	vec[0] = seed
	vec[1] = 1 - seed
	return vec
}

func TestPostgresLinkLifecycle(t *testing.T) {
	s := getPGStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "chat-1", "Ada")
	require.NoError(t, err)
	require.Equal(t, store.UserStatusPending, user.Status)

	id, existed, err := s.UpsertLink(ctx, user.ID, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, existed)

	again, existed, err := s.UpsertLink(ctx, user.ID, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, id, again)

	title := "Example"
	summary := "An example page."
	tags := []string{"go", "testing"}
	vec := testVector(0.5)
	images := json.RawMessage(`[{"type":"photo","url":"https://example.com/i.png"}]`)
	status := store.LinkStatusAnalyzed
	require.NoError(t, s.UpdateLinkFields(ctx, id, store.LinkUpdate{
		Title:         &title,
		Summary:       &summary,
		Tags:          &tags,
		Images:        &images,
		SummaryVector: &vec,
		Status:        &status,
	}))

	link, err := s.GetLink(ctx, id)
	require.NoError(t, err)
	require.Equal(t, title, link.Title)
	require.Equal(t, tags, link.Tags)
	require.Len(t, link.SummaryVector, 1536)
	require.JSONEq(t, string(images), string(link.Images))
	require.Equal(t, store.LinkStatusAnalyzed, link.Status)

	byURL, err := s.GetLinkByURL(ctx, user.ID, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, id, byURL.ID)

	n, err := s.CountByURL(ctx, user.ID, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	recent, err := s.ListRecent(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	analyzed, err := s.ListAnalyzed(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, analyzed, 1)

	require.NoError(t, s.DeleteLink(ctx, id))
	_, err = s.GetLink(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresVectorSearchAndRelations(t *testing.T) {
	s := getPGStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "chat-1", "Ada")
	require.NoError(t, err)

	analyzed := store.LinkStatusAnalyzed
	mkLink := func(url string, seed float32) int64 {
		id, _, err := s.UpsertLink(ctx, user.ID, url)
		require.NoError(t, err)
		vec := testVector(seed)
		require.NoError(t, s.UpdateLinkFields(ctx, id, store.LinkUpdate{
			SummaryVector: &vec,
			Status:        &analyzed,
		}))
		return id
	}
	a := mkLink("https://example.com/a", 0.5)
	b := mkLink("https://example.com/b", 0.5)
	c := mkLink("https://example.com/c", 0.9)

	hits, err := s.VectorSearch(ctx, testVector(0.5), user.ID, a, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hits), 2)
	require.Equal(t, b, hits[0].LinkID)
	require.Equal(t, 1.0, hits[0].Score)
	for _, h := range hits {
		require.NotEqual(t, a, h.LinkID)
	}

	require.NoError(t, s.SaveRelations(ctx, a, []store.Relation{
		{LinkID: b, Score: 0.9},
		{LinkID: c, Score: 0.7},
	}))

	rels, err := s.GetRelations(ctx, a)
	require.NoError(t, err)
	require.Equal(t, []store.Relation{{LinkID: b, Score: 0.9}, {LinkID: c, Score: 0.7}}, rels)

	// b already shares an edge with a; saving the reverse direction must not
	// create a second row for the pair.
	require.NoError(t, s.SaveRelations(ctx, b, []store.Relation{{LinkID: a, Score: 0.8}}))

	rels, err = s.GetRelations(ctx, b)
	require.NoError(t, err)
	require.Equal(t, []store.Relation{{LinkID: a, Score: 0.9}}, rels)

	removed, err := s.RemoveLinkFromRelations(ctx, b)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	rels, err = s.GetRelations(ctx, a)
	require.NoError(t, err)
	require.Equal(t, []store.Relation{{LinkID: c, Score: 0.7}}, rels)
}

func TestPostgresBM25Search(t *testing.T) {
	s := getPGStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "chat-1", "Ada")
	require.NoError(t, err)

	analyzed := store.LinkStatusAnalyzed
	mkLink := func(url, title, summary string) int64 {
		id, _, err := s.UpsertLink(ctx, user.ID, url)
		require.NoError(t, err)
		require.NoError(t, s.UpdateLinkFields(ctx, id, store.LinkUpdate{
			Title:   &title,
			Summary: &summary,
			Status:  &analyzed,
		}))
		return id
	}
	sockets := mkLink("https://example.com/sockets", "Unix sockets explained", "A deep dive into unix domain sockets.")
	mkLink("https://example.com/gardening", "Tomato gardening", "Growing tomatoes on a balcony.")

	links, err := s.BM25Search(ctx, "sockets", user.ID, 10)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, sockets, links[0].ID)
}

func TestPostgresTaskLifecycle(t *testing.T) {
	ts := getPGTaskStore(t)
	ctx := context.Background()

	require.NoError(t, ts.Enqueue(ctx, task.Task{
		ID:          "t-1",
		Queue:       "pipeline",
		Kind:        "process-link",
		Params:      json.RawMessage(`{"linkId":7}`),
		MaxAttempts: 3,
		Retry:       task.Exponential(10*time.Second, 2, 300*time.Second),
	}))

	claimed, err := ts.ClaimNext(ctx, "pipeline", "w1", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t-1", claimed.ID)
	require.Equal(t, task.StateClaimed, claimed.State)
	require.Equal(t, 0, claimed.Attempts)
	require.JSONEq(t, `{"linkId":7}`, string(claimed.Params))

	_, err = ts.ClaimNext(ctx, "pipeline", "w2", 5*time.Minute)
	require.ErrorIs(t, err, task.ErrNoTask)

	require.NoError(t, ts.SaveStep(ctx, "t-1", "scrape", json.RawMessage(`{"title":"A"}`)))
	require.NoError(t, ts.SaveStep(ctx, "t-1", "scrape", json.RawMessage(`{"title":"B"}`)))
	steps, err := ts.GetSteps(ctx, "t-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"A"}`, string(steps["scrape"]))

	require.NoError(t, ts.RenewLease(ctx, "t-1", "w1", 5*time.Minute))

	require.NoError(t, ts.Retry(ctx, "t-1", "w1", "scrape: boom", time.Now().UTC().Add(-time.Second)))

	claimed, err = ts.ClaimNext(ctx, "pipeline", "w1", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)
	require.Equal(t, "scrape: boom", claimed.LastError)

	require.NoError(t, ts.Complete(ctx, "t-1", "w1", json.RawMessage(`{"status":"analyzed"}`)))
	done, err := ts.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, done.State)
	require.JSONEq(t, `{"status":"analyzed"}`, string(done.Result))

	require.ErrorIs(t, ts.Complete(ctx, "t-1", "w1", nil), task.ErrStaleClaim)
	require.ErrorIs(t, ts.Cancel(ctx, "t-1"), task.ErrNotCancellable)
	require.ErrorIs(t, ts.Cancel(ctx, "missing"), task.ErrTaskNotFound)
}

func TestPostgresTaskLeaseExpiry(t *testing.T) {
	ts := getPGTaskStore(t)
	ctx := context.Background()

	require.NoError(t, ts.Enqueue(ctx, task.Task{
		ID:          "t-2",
		Queue:       "pipeline",
		Kind:        "process-link",
		MaxAttempts: 3,
	}))

	_, err := ts.ClaimNext(ctx, "pipeline", "w1", time.Second)
	require.NoError(t, err)
	_, err = ts.ClaimNext(ctx, "pipeline", "w2", time.Second)
	require.ErrorIs(t, err, task.ErrNoTask)

	time.Sleep(1200 * time.Millisecond)

	reclaimed, err := ts.ClaimNext(ctx, "pipeline", "w2", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t-2", reclaimed.ID)
	require.Equal(t, "w2", reclaimed.ClaimedBy)
	require.Equal(t, 0, reclaimed.Attempts)

	require.ErrorIs(t, ts.Complete(ctx, "t-2", "w1", nil), task.ErrStaleClaim)
	require.NoError(t, ts.Complete(ctx, "t-2", "w2", nil))
}

func TestPostgresProbeEventExpiry(t *testing.T) {
	s := getPGStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "chat-1", "Ada")
	require.NoError(t, err)
	linkID, _, err := s.UpsertLink(ctx, user.ID, "https://x.com/u/status/1")
	require.NoError(t, err)

	ev, err := s.CreateProbeEvent(ctx, store.ProbeEvent{
		UserID:  user.ID,
		LinkID:  linkID,
		URL:     "https://x.com/u/status/1",
		URLType: store.URLKindTwitter,
	})
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventPending, ev.Status)

	pending, err := s.ListPendingProbeEvents(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	expired, err := s.ExpireProbeEvents(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, store.ProbeEventError, expired[0].Status)

	got, err := s.GetProbeEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProbeEventError, got.Status)
	require.NotNil(t, got.CompletedAt)

	n, err := s.CountPendingProbeEvents(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}
