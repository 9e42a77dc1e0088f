package store

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Link is a URL submitted by a user together with everything the pipeline
	// has derived from it: scraped metadata, markdown content, LLM outputs,
	// and the summary embedding used for related-links search.
	Link struct {
		ID          int64
		UserID      int64
		URL         string
		Title       string
		Description string
		ImageURL    string
		SiteName    string
		OGType      string
		// Markdown holds the extracted page content. It can be large and is
		// never carried inside step checkpoints; steps re-read it from the
		// store when they need it.
		Markdown string
		Summary  string
		Insight  string
		// Tags is the ordered tag list produced by the summarizer. Nil until
		// the summarize step has run.
		Tags []string
		// Images holds opaque image descriptors (JSON array) collected during
		// scraping. Only the media helper interprets them.
		Images json.RawMessage
		// SummaryVector is the embedding of Summary. Nil until the embed step
		// has run. Dimension is fixed by the embedder (1536).
		SummaryVector []float32
		Status        LinkStatus
		ErrorMessage  string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// LinkStatus is the lifecycle state of a link. Transitions form a DAG:
	// pending → {scraped, waiting_probe, error}; waiting_probe → pending (via
	// probe result re-spawn); scraped → analyzed. Terminal states analyzed and
	// error re-enter pending on retry.
	LinkStatus string

	// LinkUpdate names the fields UpdateLinkFields may change. Nil fields are
	// left untouched. updated_at is bumped on every call.
	LinkUpdate struct {
		Title         *string
		Description   *string
		ImageURL      *string
		SiteName      *string
		OGType        *string
		Markdown      *string
		Summary       *string
		Insight       *string
		Tags          *[]string
		Images        *json.RawMessage
		SummaryVector *[]float32
		Status        *LinkStatus
		ErrorMessage  *string
	}

	// Relation is one related-link edge as seen from a given link: the other
	// endpoint and the similarity score in [0,1].
	Relation struct {
		LinkID int64
		Score  float64
	}

	// SearchHit is a vector-search result.
	SearchHit struct {
		LinkID int64
		Score  float64
	}

	// LinkStore persists links.
	LinkStore interface {
		// UpsertLink inserts a link for (userID, url) or, when one already
		// exists, resets its status to pending and clears its error message.
		// It reports the link id and whether the row already existed.
		UpsertLink(ctx context.Context, userID int64, url string) (int64, bool, error)

		// UpdateLinkFields applies the non-nil fields of update atomically and
		// bumps updated_at.
		UpdateLinkFields(ctx context.Context, linkID int64, update LinkUpdate) error

		GetLink(ctx context.Context, linkID int64) (Link, error)
		GetLinkByURL(ctx context.Context, userID int64, url string) (Link, error)
		CountByURL(ctx context.Context, userID int64, url string) (int64, error)

		// ListRecent returns the user's newest links, newest first.
		ListRecent(ctx context.Context, userID int64, limit int) ([]Link, error)
		// ListPaginated returns a stable created_at-descending page.
		ListPaginated(ctx context.Context, userID int64, offset, limit int) ([]Link, error)
		// ListAnalyzed returns every link in status analyzed, oldest first.
		ListAnalyzed(ctx context.Context, userID int64) ([]Link, error)
		// ListFailed returns every link in status error, oldest first.
		ListFailed(ctx context.Context, userID int64) ([]Link, error)

		// DeleteLink removes the row. It does not orchestrate the cascade;
		// see Pipeline.DeleteLink for relation scrubbing.
		DeleteLink(ctx context.Context, linkID int64) error
	}

	// RelationStore persists related-link edges. At most one row exists per
	// unordered pair; reads union both directions.
	RelationStore interface {
		// SaveRelations replaces the set of outgoing relations for linkID
		// atomically. Pairs are assumed already thresholded and truncated.
		SaveRelations(ctx context.Context, linkID int64, relations []Relation) error

		// GetRelations returns the union of outgoing and incoming edges for
		// linkID, deduplicated by the other endpoint keeping the maximum
		// score, sorted by score descending then by id ascending, capped at
		// MaxRelations.
		GetRelations(ctx context.Context, linkID int64) ([]Relation, error)

		// RemoveLinkFromRelations deletes every edge touching linkID and
		// reports how many other links lost a reference.
		RemoveLinkFromRelations(ctx context.Context, linkID int64) (int64, error)
	}

	// SearchStore runs similarity and keyword queries over links.
	SearchStore interface {
		// VectorSearch returns the k nearest links to vec among the user's
		// links, excluding excludeID, ordered by ascending cosine distance.
		// Scores are 1/(1+distance) rounded to two decimals.
		VectorSearch(ctx context.Context, vec []float32, userID, excludeID int64, k int) ([]SearchHit, error)

		// BM25Search ranks the user's links against query using the backend's
		// BM25 operator over title, summary, and markdown.
		BM25Search(ctx context.Context, query string, userID int64, k int) ([]Link, error)
	}
)

const (
	LinkStatusPending      LinkStatus = "pending"
	LinkStatusScraped      LinkStatus = "scraped"
	LinkStatusAnalyzed     LinkStatus = "analyzed"
	LinkStatusError        LinkStatus = "error"
	LinkStatusWaitingProbe LinkStatus = "waiting_probe"
)

// MaxRelations caps how many relations are stored and returned per link.
const MaxRelations = 5

// RelationThreshold is the minimum score at which two links are related.
// Scores exactly equal to the threshold are retained.
const RelationThreshold = 0.65
