package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/linkmind/linkmind/store"
)

const linkColumns = `id, user_id, url, title, description, image_url, site_name, og_type,
	markdown, summary, insight, tags, images, summary_vector, status, error_message,
	created_at, updated_at`

type linkRow struct {
	ID            int64            `db:"id"`
	UserID        int64            `db:"user_id"`
	URL           string           `db:"url"`
	Title         string           `db:"title"`
	Description   string           `db:"description"`
	ImageURL      string           `db:"image_url"`
	SiteName      string           `db:"site_name"`
	OGType        string           `db:"og_type"`
	Markdown      string           `db:"markdown"`
	Summary       string           `db:"summary"`
	Insight       string           `db:"insight"`
	Tags          []byte           `db:"tags"`
	Images        []byte           `db:"images"`
	SummaryVector *pgvector.Vector `db:"summary_vector"`
	Status        string           `db:"status"`
	ErrorMessage  string           `db:"error_message"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

func (r linkRow) toLink() (store.Link, error) {
	l := store.Link{
		ID:           r.ID,
		UserID:       r.UserID,
		URL:          r.URL,
		Title:        r.Title,
		Description:  r.Description,
		ImageURL:     r.ImageURL,
		SiteName:     r.SiteName,
		OGType:       r.OGType,
		Markdown:     r.Markdown,
		Summary:      r.Summary,
		Insight:      r.Insight,
		Status:       store.LinkStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &l.Tags); err != nil {
			return store.Link{}, fmt.Errorf("decode tags for link %d: %w", r.ID, err)
		}
	}
	if len(r.Images) > 0 {
		l.Images = json.RawMessage(r.Images)
	}
	if r.SummaryVector != nil {
		l.SummaryVector = r.SummaryVector.Slice()
	}
	return l, nil
}

func toLinks(rows []linkRow) ([]store.Link, error) {
	out := make([]store.Link, len(rows))
	for i, r := range rows {
		l, err := r.toLink()
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}

// UpsertLink inserts a link for (userID, url) or resets the existing one to
// pending with a cleared error. (user_id, url) is effectively unique: lookup
// precedes insert, and a racing duplicate is tolerated by always picking the
// lowest id.
func (s *Store) UpsertLink(ctx context.Context, userID int64, url string) (int64, bool, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM links WHERE user_id = $1 AND url = $2 ORDER BY id LIMIT 1`, userID, url)
	switch {
	case err == nil:
		if _, err := s.db.ExecContext(ctx,
			`UPDATE links SET status = 'pending', error_message = '', updated_at = now() WHERE id = $1`, id); err != nil {
			return 0, false, wrapErr("reset link", err)
		}
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		if err := s.db.GetContext(ctx, &id,
			`INSERT INTO links (user_id, url, status) VALUES ($1, $2, 'pending') RETURNING id`, userID, url); err != nil {
			return 0, false, wrapErr("insert link", err)
		}
		return id, false, nil
	default:
		return 0, false, wrapErr("lookup link", err)
	}
}

// UpdateLinkFields applies the non-nil fields of update and bumps updated_at.
func (s *Store) UpdateLinkFields(ctx context.Context, linkID int64, update store.LinkUpdate) error {
	sets := []string{"updated_at = now()"}
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if update.Title != nil {
		add("title = $%d", *update.Title)
	}
	if update.Description != nil {
		add("description = $%d", *update.Description)
	}
	if update.ImageURL != nil {
		add("image_url = $%d", *update.ImageURL)
	}
	if update.SiteName != nil {
		add("site_name = $%d", *update.SiteName)
	}
	if update.OGType != nil {
		add("og_type = $%d", *update.OGType)
	}
	if update.Markdown != nil {
		add("markdown = $%d", *update.Markdown)
	}
	if update.Summary != nil {
		add("summary = $%d", *update.Summary)
	}
	if update.Insight != nil {
		add("insight = $%d", *update.Insight)
	}
	if update.Tags != nil {
		raw, err := json.Marshal(*update.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		add("tags = $%d::jsonb", string(raw))
	}
	if update.Images != nil {
		add("images = $%d::jsonb", string(*update.Images))
	}
	if update.SummaryVector != nil {
		add("summary_vector = $%d", pgvector.NewVector(*update.SummaryVector))
	}
	if update.Status != nil {
		add("status = $%d", string(*update.Status))
	}
	if update.ErrorMessage != nil {
		add("error_message = $%d", *update.ErrorMessage)
	}
	args = append(args, linkID)
	q := fmt.Sprintf("UPDATE links SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapErr("update link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update link", err)
	}
	if n == 0 {
		return fmt.Errorf("update link %d: %w", linkID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetLink(ctx context.Context, linkID int64) (store.Link, error) {
	var row linkRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+linkColumns+` FROM links WHERE id = $1`, linkID); err != nil {
		return store.Link{}, wrapErr("get link", err)
	}
	return row.toLink()
}

func (s *Store) GetLinkByURL(ctx context.Context, userID int64, url string) (store.Link, error) {
	var row linkRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+linkColumns+` FROM links WHERE user_id = $1 AND url = $2 ORDER BY id LIMIT 1`, userID, url); err != nil {
		return store.Link{}, wrapErr("get link by url", err)
	}
	return row.toLink()
}

func (s *Store) CountByURL(ctx context.Context, userID int64, url string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM links WHERE user_id = $1 AND url = $2`, userID, url); err != nil {
		return 0, wrapErr("count links by url", err)
	}
	return n, nil
}

func (s *Store) ListRecent(ctx context.Context, userID int64, limit int) ([]store.Link, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+linkColumns+` FROM links WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit); err != nil {
		return nil, wrapErr("list recent links", err)
	}
	return toLinks(rows)
}

func (s *Store) ListPaginated(ctx context.Context, userID int64, offset, limit int) ([]store.Link, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+linkColumns+` FROM links WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset); err != nil {
		return nil, wrapErr("list links", err)
	}
	return toLinks(rows)
}

func (s *Store) ListAnalyzed(ctx context.Context, userID int64) ([]store.Link, error) {
	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+linkColumns+` FROM links WHERE user_id = $1 AND status = 'analyzed' ORDER BY created_at, id`,
		userID); err != nil {
		return nil, wrapErr("list analyzed links", err)
	}
	return toLinks(rows)
}

func (s *Store) ListFailed(ctx context.Context, userID int64) ([]store.Link, error) {
	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+linkColumns+` FROM links WHERE user_id = $1 AND status = 'error' ORDER BY created_at, id`,
		userID); err != nil {
		return nil, wrapErr("list failed links", err)
	}
	return toLinks(rows)
}

func (s *Store) DeleteLink(ctx context.Context, linkID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE id = $1`, linkID)
	if err != nil {
		return wrapErr("delete link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("delete link", err)
	}
	if n == 0 {
		return fmt.Errorf("delete link %d: %w", linkID, store.ErrNotFound)
	}
	return nil
}

// SaveRelations replaces linkID's outgoing edges. An edge is skipped when the
// reverse row already exists so each unordered pair keeps a single row; the
// union read in GetRelations makes the pair visible from both ends.
func (s *Store) SaveRelations(ctx context.Context, linkID int64, relations []store.Relation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("save relations", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM link_relations WHERE link_id = $1`, linkID); err != nil {
		return wrapErr("save relations", err)
	}
	const ins = `INSERT INTO link_relations (link_id, related_link_id, score)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (SELECT 1 FROM link_relations WHERE link_id = $2 AND related_link_id = $1)`
	for _, r := range relations {
		if r.LinkID == linkID {
			continue
		}
		if _, err := tx.ExecContext(ctx, ins, linkID, r.LinkID, r.Score); err != nil {
			return wrapErr("save relations", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("save relations", err)
	}
	return nil
}

type relationRow struct {
	LinkID        int64   `db:"link_id"`
	RelatedLinkID int64   `db:"related_link_id"`
	Score         float64 `db:"score"`
}

func (s *Store) GetRelations(ctx context.Context, linkID int64) ([]store.Relation, error) {
	var rows []relationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT link_id, related_link_id, score FROM link_relations WHERE link_id = $1 OR related_link_id = $1`,
		linkID); err != nil {
		return nil, wrapErr("get relations", err)
	}
	return mergeRelations(linkID, rows), nil
}

// mergeRelations folds edges touching linkID into relations keyed by the
// other endpoint, keeping the maximum score per endpoint, sorted by score
// descending then id ascending, capped at store.MaxRelations.
func mergeRelations(linkID int64, rows []relationRow) []store.Relation {
	best := make(map[int64]float64, len(rows))
	for _, r := range rows {
		other := r.RelatedLinkID
		if r.RelatedLinkID == linkID {
			other = r.LinkID
		}
		if other == linkID {
			continue
		}
		score := roundScore(r.Score)
		if prev, ok := best[other]; !ok || score > prev {
			best[other] = score
		}
	}
	out := make([]store.Relation, 0, len(best))
	for id, score := range best {
		out = append(out, store.Relation{LinkID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].LinkID < out[j].LinkID
	})
	if len(out) > store.MaxRelations {
		out = out[:store.MaxRelations]
	}
	return out
}

// RemoveLinkFromRelations deletes every edge touching linkID and reports how
// many other links lost a reference.
func (s *Store) RemoveLinkFromRelations(ctx context.Context, linkID int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapErr("remove relations", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	const refs = `SELECT COUNT(*) FROM (
		SELECT related_link_id AS other FROM link_relations WHERE link_id = $1
		UNION
		SELECT link_id FROM link_relations WHERE related_link_id = $1
	) refs`
	if err := tx.GetContext(ctx, &n, refs, linkID); err != nil {
		return 0, wrapErr("remove relations", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM link_relations WHERE link_id = $1 OR related_link_id = $1`, linkID); err != nil {
		return 0, wrapErr("remove relations", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("remove relations", err)
	}
	return n, nil
}

// VectorSearch returns the k nearest links to vec among the user's links by
// cosine distance, excluding excludeID. Scores are 1/(1+distance) rounded to
// two decimals.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, userID, excludeID int64, k int) ([]store.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	var rows []struct {
		ID       int64   `db:"id"`
		Distance float64 `db:"distance"`
	}
	const q = `SELECT id, summary_vector <=> $1 AS distance
		FROM links
		WHERE user_id = $2 AND id <> $3 AND summary_vector IS NOT NULL
		ORDER BY summary_vector <=> $1, id
		LIMIT $4`
	if err := s.db.SelectContext(ctx, &rows, q, pgvector.NewVector(vec), userID, excludeID, k); err != nil {
		return nil, wrapErr("vector search", err)
	}
	out := make([]store.SearchHit, len(rows))
	for i, r := range rows {
		out[i] = store.SearchHit{LinkID: r.ID, Score: searchScore(r.Distance)}
	}
	return out, nil
}

// BM25Search ranks the user's links against query over title, summary and
// markdown.
func (s *Store) BM25Search(ctx context.Context, query string, userID int64, k int) ([]store.Link, error) {
	if k <= 0 {
		k = 10
	}
	var rows []linkRow
	const q = `SELECT ` + linkColumns + `
		FROM links
		WHERE user_id = $2 AND (title @@@ $1 OR summary @@@ $1 OR markdown @@@ $1)
		ORDER BY paradedb.score(id) DESC, id
		LIMIT $3`
	if err := s.db.SelectContext(ctx, &rows, q, query, userID, k); err != nil {
		return nil, wrapErr("search links", err)
	}
	return toLinks(rows)
}
