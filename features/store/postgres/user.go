package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkmind/linkmind/store"
)

const userColumns = `id, chat_id, name, status, COALESCE(invite_code, '') AS invite_code, created_at, updated_at`

type userRow struct {
	ID         int64     `db:"id"`
	ChatID     string    `db:"chat_id"`
	Name       string    `db:"name"`
	Status     string    `db:"status"`
	InviteCode string    `db:"invite_code"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r userRow) toUser() store.User {
	return store.User{
		ID:         r.ID,
		ChatID:     r.ChatID,
		Name:       r.Name,
		Status:     store.UserStatus(r.Status),
		InviteCode: r.InviteCode,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// EnsureUser returns the user for chatID, creating a pending one when none
// exists. A racing create loses the unique index on chat_id and falls back to
// the winner's row.
func (s *Store) EnsureUser(ctx context.Context, chatID, name string) (store.User, error) {
	u, err := s.GetUserByChatID(ctx, chatID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}
	var row userRow
	const q = `INSERT INTO users (chat_id, name, status) VALUES ($1, $2, 'pending')
		RETURNING ` + userColumns
	if err := s.db.GetContext(ctx, &row, q, chatID, name); err != nil {
		werr := wrapErr("insert user", err)
		if errors.Is(werr, store.ErrConstraint) {
			return s.GetUserByChatID(ctx, chatID)
		}
		return store.User{}, werr
	}
	return row.toUser(), nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (store.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return store.User{}, wrapErr("get user", err)
	}
	return row.toUser(), nil
}

func (s *Store) GetUserByChatID(ctx context.Context, chatID string) (store.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM users WHERE chat_id = $1`, chatID); err != nil {
		return store.User{}, wrapErr("get user by chat id", err)
	}
	return row.toUser(), nil
}

// ActivateUser marks the user active and records the consumed invite.
func (s *Store) ActivateUser(ctx context.Context, id int64, inviteCode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = 'active', invite_code = $2, updated_at = now() WHERE id = $1`,
		id, inviteCode)
	if err != nil {
		return wrapErr("activate user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("activate user", err)
	}
	if n == 0 {
		return fmt.Errorf("activate user %d: %w", id, store.ErrNotFound)
	}
	return nil
}
