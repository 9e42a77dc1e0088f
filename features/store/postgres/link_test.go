package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/linkmind/linkmind/store"

	clientpg "github.com/linkmind/linkmind/features/store/postgres/clients/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(Options{Client: clientpg.FromDB(sqlx.NewDb(db, "pgx"))})
	require.NoError(t, err)
	return s, mock
}

func TestUpsertLinkInsertsWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id FROM links WHERE user_id").
		WithArgs(int64(1), "https://example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO links").
		WithArgs(int64(1), "https://example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, existed, err := s.UpsertLink(ctx, 1, "https://example.com")
	require.NoError(t, err)
	require.Equal(t, int64(11), id)
	require.False(t, existed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLinkResetsExisting(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id FROM links WHERE user_id").
		WithArgs(int64(1), "https://example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectExec("UPDATE links SET status = 'pending'").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, existed, err := s.UpsertLink(ctx, 1, "https://example.com")
	require.NoError(t, err)
	require.Equal(t, int64(4), id)
	require.True(t, existed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLinkFieldsPartialSet(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	title := "New Title"
	status := store.LinkStatusAnalyzed
	mock.ExpectExec("UPDATE links SET updated_at = now").
		WithArgs("New Title", "analyzed", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateLinkFields(ctx, 9, store.LinkUpdate{Title: &title, Status: &status})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLinkFieldsEncodesTagsAndVector(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	tags := []string{"go", "testing"}
	vec := []float32{0.5, 0.25}
	mock.ExpectExec("UPDATE links SET updated_at = now").
		WithArgs(`["go","testing"]`, pgvector.NewVector(vec), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateLinkFields(ctx, 3, store.LinkUpdate{Tags: &tags, SummaryVector: &vec})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLinkFieldsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	msg := "boom"
	mock.ExpectExec("UPDATE links SET updated_at = now").
		WithArgs("boom", int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateLinkFields(ctx, 404, store.LinkUpdate{ErrorMessage: &msg})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetLinkDecodesRow(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "url", "title", "description", "image_url", "site_name",
		"og_type", "markdown", "summary", "insight", "tags", "images", "summary_vector",
		"status", "error_message", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM links WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(7), int64(1), "https://example.com", "Title", "Desc", "img", "Site",
			"article", "# md", "summary", "insight", []byte(`["go","db"]`), []byte(`[{"type":"photo","url":"u"}]`),
			[]byte("[0.5,0.25]"), "analyzed", "", now, now,
		))

	l, err := s.GetLink(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), l.ID)
	require.Equal(t, []string{"go", "db"}, l.Tags)
	require.JSONEq(t, `[{"type":"photo","url":"u"}]`, string(l.Images))
	require.Equal(t, []float32{0.5, 0.25}, l.SummaryVector)
	require.Equal(t, store.LinkStatusAnalyzed, l.Status)
}

func TestGetLinkNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM links WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetLink(ctx, 7)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteLinkNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM links WHERE id").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, s.DeleteLink(ctx, 5), store.ErrNotFound)
}

func TestVectorSearchScoresHits(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	vec := []float32{1, 0}

	mock.ExpectQuery("SELECT id, summary_vector <=>").
		WithArgs(pgvector.NewVector(vec), int64(1), int64(5), 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "distance"}).
			AddRow(int64(2), 0.0).
			AddRow(int64(3), 0.25).
			AddRow(int64(4), 1.0))

	hits, err := s.VectorSearch(ctx, vec, 1, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []store.SearchHit{
		{LinkID: 2, Score: 1},
		{LinkID: 3, Score: 0.8},
		{LinkID: 4, Score: 0.5},
	}, hits)
}

func TestBM25SearchQueriesAllFields(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "url", "title", "description", "image_url", "site_name",
		"og_type", "markdown", "summary", "insight", "tags", "images", "summary_vector",
		"status", "error_message", "created_at", "updated_at"}
	mock.ExpectQuery("title @@@").
		WithArgs("consensus", int64(1), 10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(2), int64(1), "https://example.com/raft", "Raft", "", "", "",
			"", "", "raft consensus", "", nil, nil, nil, "analyzed", "", now, now,
		))

	links, err := s.BM25Search(ctx, "consensus", 1, 10)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "Raft", links[0].Title)
	require.Nil(t, links[0].SummaryVector)
}

func TestSaveRelationsReplacesOutgoing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM link_relations WHERE link_id").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO link_relations").
		WithArgs(int64(1), int64(2), 0.9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO link_relations").
		WithArgs(int64(1), int64(3), 0.7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveRelations(ctx, 1, []store.Relation{
		{LinkID: 2, Score: 0.9},
		{LinkID: 1, Score: 1}, // self, dropped
		{LinkID: 3, Score: 0.7},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRelationsUnionsBothDirections(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT link_id, related_link_id, score FROM link_relations").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"link_id", "related_link_id", "score"}).
			AddRow(int64(1), int64(2), 0.7).
			AddRow(int64(3), int64(1), 0.9).
			AddRow(int64(2), int64(1), 0.8))

	rels, err := s.GetRelations(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []store.Relation{
		{LinkID: 3, Score: 0.9},
		{LinkID: 2, Score: 0.8},
	}, rels)
}

func TestRemoveLinkFromRelationsCountsReferences(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectExec("DELETE FROM link_relations").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := s.RemoveLinkFromRelations(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
