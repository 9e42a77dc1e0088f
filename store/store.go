// Package store defines the Store Gateway: the typed persistence surface for
// links, relations, probe events, probe devices, device-auth requests, users,
// and search. Every read and write in the system goes through a Gateway
// implementation; no other component holds a database handle.
//
// The package declares domain types and per-entity store interfaces. Backends
// live under features/store (the Postgres adapter is the production one).
// Operations return ErrNotFound for missing rows, ErrConstraint for integrity
// violations, and ErrUnavailable for transient backend failures so callers
// can distinguish retryable from fatal errors without inspecting driver
// internals.
package store

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates a transient backend failure. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConstraint indicates a uniqueness or referential-integrity violation.
	// Retrying without changing inputs will not succeed.
	ErrConstraint = errors.New("constraint violation")
)

// Gateway aggregates every persistence concern. Components that need only a
// slice of it should accept the narrower interface instead.
type Gateway interface {
	LinkStore
	RelationStore
	SearchStore
	ProbeEventStore
	ProbeDeviceStore
	DeviceAuthStore
	UserStore
}
