// Package postgres implements the Store Gateway and the durable task store
// on PostgreSQL. Vectors are stored through pgvector and keyword search uses
// the BM25 index via the @@@ operator, so both the related-links index and
// full-text search live next to the rows they rank.
//
// Driver failures are mapped onto the store sentinels: missing rows become
// store.ErrNotFound, integrity violations (SQLSTATE class 23) become
// store.ErrConstraint and everything else is reported as store.ErrUnavailable
// so callers can retry without inspecting pg internals.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/linkmind/linkmind/store"

	clientpg "github.com/linkmind/linkmind/features/store/postgres/clients/postgres"
)

// Options configures the store.
type Options struct {
	// Client is the shared database client. Required.
	Client clientpg.Client
}

// Store implements store.Gateway on Postgres.
type Store struct {
	db *sqlx.DB
}

var _ store.Gateway = (*Store)(nil)

// New returns a Store backed by Postgres.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("postgres client is required")
	}
	return &Store{db: opts.Client.DB()}, nil
}

// wrapErr maps a driver failure onto the store sentinels. op names the failed
// operation for the error chain.
func wrapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: %w: %s", op, store.ErrConstraint, pgErr.Message)
	}
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}

// roundScore rounds to two decimals, the precision relation scores are stored
// and compared at. Scores pass through a float4 column, so reads re-round to
// keep the threshold invariant observable.
func roundScore(s float64) float64 {
	return math.Round(s*100) / 100
}

// searchScore converts a cosine distance into the similarity score the API
// exposes: 1/(1+distance) rounded to two decimals, so identical vectors score
// 1.00 and larger distances score strictly no higher.
func searchScore(distance float64) float64 {
	return roundScore(1 / (1 + distance))
}
