// Package task implements the durable task runtime: a persistent job queue
// with per-task step memoization.
//
// A task is a handler invocation with JSON parameters. Handlers structure
// their work as named steps via Context.Step; each step's return value is
// persisted on first success, so when a task is retried or re-claimed after a
// crash the completed steps are skipped and only the failing step and those
// after it re-run. This is the restartability primitive the enrichment
// pipeline is built on.
//
// Workers poll the queue cooperatively and claim tasks under a lease. A lease
// that expires (worker crash, hang) returns the task to the queue without
// consuming a retry attempt; an in-flight step simply reruns, which is safe
// because step authors keep steps idempotent. Handler errors consume an
// attempt and are rescheduled per the task's retry strategy until MaxAttempts
// is reached, after which the task is failed with its last error recorded.
//
// Persistence is behind the Store interface; the Postgres adapter under
// features/store/postgres is the production backend and inmem serves tests.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

type (
	// Task is one durable unit of work.
	Task struct {
		// ID uniquely identifies the task.
		ID string
		// Queue names the queue the task is scheduled on.
		Queue string
		// Kind selects the registered handler.
		Kind string
		// Params is the JSON payload passed to the handler.
		Params json.RawMessage
		// State is the lifecycle state.
		State State
		// Attempts counts handler attempts that have started.
		Attempts int
		// MaxAttempts caps handler attempts before the task fails.
		MaxAttempts int
		// Retry schedules re-runs after failed attempts.
		Retry RetrySpec
		// RunAfter delays scheduling; workers ignore the task until then.
		RunAfter time.Time
		// ClaimedBy identifies the worker holding the claim, if any.
		ClaimedBy string
		// LeaseUntil is the claim expiry. A claimed task whose lease has
		// passed is reclaimable.
		LeaseUntil time.Time
		// Result is the handler return value once the task completed.
		Result json.RawMessage
		// LastError records the most recent handler error.
		LastError string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// State is the lifecycle state of a task.
	State string

	// Info is the externally visible status of a task.
	Info struct {
		State     State
		Attempts  int
		LastError string
		Result    json.RawMessage
	}
)

const (
	// StateQueued indicates the task is waiting to be claimed.
	StateQueued State = "queued"
	// StateClaimed indicates a worker holds the task under a lease.
	StateClaimed State = "claimed"
	// StateCompleted indicates the handler returned successfully.
	StateCompleted State = "completed"
	// StateFailed indicates the handler exhausted its attempts.
	StateFailed State = "failed"
	// StateCancelled indicates the task was cancelled externally.
	StateCancelled State = "cancelled"
)

var (
	// ErrTaskNotFound indicates no task exists for the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoTask indicates the queue has no runnable task right now.
	ErrNoTask = errors.New("no task available")

	// ErrStaleClaim indicates the caller no longer holds the task's claim,
	// typically because the lease expired and another worker took over or the
	// task was cancelled.
	ErrStaleClaim = errors.New("task claim is stale")

	// ErrNotCancellable indicates the task is already terminal.
	ErrNotCancellable = errors.New("task is not cancellable")
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}
