package task

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists tasks and their step memoization records. Implementations
// must make ClaimNext atomic: two workers calling it concurrently must never
// claim the same task.
type Store interface {
	// Enqueue stores a new task in state queued.
	Enqueue(ctx context.Context, t Task) error

	// ClaimNext claims the oldest runnable task on queue for owner under the
	// given lease and returns it in state claimed. Runnable means queued with
	// run_after in the past, or claimed with an expired lease (a crashed
	// worker's task; reclaiming does not consume an attempt). Returns
	// ErrNoTask when nothing is runnable.
	ClaimNext(ctx context.Context, queue, owner string, lease time.Duration) (Task, error)

	// RenewLease extends owner's claim. Returns ErrStaleClaim when owner no
	// longer holds the task.
	RenewLease(ctx context.Context, id, owner string, lease time.Duration) error

	// Complete transitions owner's claimed task to completed with its result.
	Complete(ctx context.Context, id, owner string, result json.RawMessage) error

	// Retry returns owner's claimed task to the queue after a failed attempt:
	// attempts is incremented, lastErr recorded, and the task is ignored by
	// workers until runAfter.
	Retry(ctx context.Context, id, owner, lastErr string, runAfter time.Time) error

	// Fail transitions owner's claimed task to failed after its final
	// attempt, recording lastErr.
	Fail(ctx context.Context, id, owner, lastErr string) error

	// Release returns owner's claimed task to the queue without consuming an
	// attempt, clearing the claim.
	Release(ctx context.Context, id, owner string) error

	// Cancel transitions a queued or claimed task to cancelled. Returns
	// ErrNotCancellable for terminal tasks.
	Cancel(ctx context.Context, id string) error

	// Get returns the task by id, ErrTaskNotFound when absent.
	Get(ctx context.Context, id string) (Task, error)

	// SaveStep persists one step's return value keyed by (taskID, name).
	// Saving the same step twice keeps the first value.
	SaveStep(ctx context.Context, taskID, name string, value json.RawMessage) error

	// GetSteps returns all memoized step values for the task.
	GetSteps(ctx context.Context, taskID string) (map[string]json.RawMessage, error)
}
