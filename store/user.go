package store

import (
	"context"
	"time"
)

type (
	// User is an account known to the coordinator. Users are created pending
	// on first contact from the chat adapter and activated when an invite is
	// consumed.
	User struct {
		ID         int64
		ChatID     string
		Name       string
		Status     UserStatus
		InviteCode string
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	// UserStatus is the account state.
	UserStatus string

	// UserStore persists users.
	UserStore interface {
		// EnsureUser returns the user for chatID, creating a pending one with
		// the given display name when none exists.
		EnsureUser(ctx context.Context, chatID, name string) (User, error)

		GetUser(ctx context.Context, id int64) (User, error)
		GetUserByChatID(ctx context.Context, chatID string) (User, error)

		// ActivateUser marks the user active and records the consumed invite.
		ActivateUser(ctx context.Context, id int64, inviteCode string) error
	}
)

const (
	UserStatusPending UserStatus = "pending"
	UserStatusActive  UserStatus = "active"
)
