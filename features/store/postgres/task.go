package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/linkmind/linkmind/runtime/task"

	clientpg "github.com/linkmind/linkmind/features/store/postgres/clients/postgres"
)

// TaskStore implements task.Store on Postgres. Claims rely on FOR UPDATE
// SKIP LOCKED so concurrent workers never claim the same task.
type TaskStore struct {
	db *sqlx.DB
}

// TaskStoreOptions configures the task store.
type TaskStoreOptions struct {
	// Client is the shared database client. Required.
	Client clientpg.Client
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore returns a task store backed by Postgres.
func NewTaskStore(opts TaskStoreOptions) (*TaskStore, error) {
	if opts.Client == nil {
		return nil, errors.New("postgres client is required")
	}
	return &TaskStore{db: opts.Client.DB()}, nil
}

const taskColumns = `id, queue, kind, params, state, attempts, max_attempts, retry_strategy,
	run_after, claimed_by, lease_until, result, last_error, created_at, updated_at`

type taskRow struct {
	ID            string     `db:"id"`
	Queue         string     `db:"queue"`
	Kind          string     `db:"kind"`
	Params        []byte     `db:"params"`
	State         string     `db:"state"`
	Attempts      int        `db:"attempts"`
	MaxAttempts   int        `db:"max_attempts"`
	RetryStrategy []byte     `db:"retry_strategy"`
	RunAfter      time.Time  `db:"run_after"`
	ClaimedBy     string     `db:"claimed_by"`
	LeaseUntil    *time.Time `db:"lease_until"`
	Result        []byte     `db:"result"`
	LastError     string     `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r taskRow) toTask() (task.Task, error) {
	t := task.Task{
		ID:          r.ID,
		Queue:       r.Queue,
		Kind:        r.Kind,
		State:       task.State(r.State),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		RunAfter:    r.RunAfter,
		ClaimedBy:   r.ClaimedBy,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Params) > 0 {
		t.Params = json.RawMessage(r.Params)
	}
	if len(r.Result) > 0 {
		t.Result = json.RawMessage(r.Result)
	}
	if len(r.RetryStrategy) > 0 {
		if err := json.Unmarshal(r.RetryStrategy, &t.Retry); err != nil {
			return task.Task{}, fmt.Errorf("decode retry strategy for task %s: %w", r.ID, err)
		}
	}
	if r.LeaseUntil != nil {
		t.LeaseUntil = *r.LeaseUntil
	}
	return t, nil
}

// Enqueue stores a new task in state queued.
func (s *TaskStore) Enqueue(ctx context.Context, t task.Task) error {
	retry, err := json.Marshal(t.Retry)
	if err != nil {
		return fmt.Errorf("encode retry strategy: %w", err)
	}
	var params any
	if len(t.Params) > 0 {
		params = string(t.Params)
	}
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	runAfter := t.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	const q = `INSERT INTO tasks (id, queue, kind, params, state, attempts, max_attempts, retry_strategy, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 'queued', $5, $6, $7::jsonb, $8, $9, $9)`
	if _, err := s.db.ExecContext(ctx, q,
		t.ID, t.Queue, t.Kind, params, t.Attempts, t.MaxAttempts, string(retry), runAfter, now); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// ClaimNext claims the oldest runnable task on queue for owner. Runnable is
// queued with run_after due, or claimed with an expired lease.
func (s *TaskStore) ClaimNext(ctx context.Context, queue, owner string, lease time.Duration) (task.Task, error) {
	const q = `UPDATE tasks
		SET state = 'claimed', claimed_by = $2, lease_until = now() + $3 * interval '1 second', updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = $1
			  AND ((state = 'queued' AND run_after <= now()) OR (state = 'claimed' AND lease_until <= now()))
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns
	var row taskRow
	if err := s.db.GetContext(ctx, &row, q, queue, owner, lease.Seconds()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, task.ErrNoTask
		}
		return task.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return row.toTask()
}

// RenewLease extends owner's claim.
func (s *TaskStore) RenewLease(ctx context.Context, id, owner string, lease time.Duration) error {
	const q = `UPDATE tasks SET lease_until = now() + $3 * interval '1 second', updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = 'claimed'`
	return s.ownedUpdate(ctx, id, "renew lease", q, id, owner, lease.Seconds())
}

// Complete transitions owner's claimed task to completed with its result.
func (s *TaskStore) Complete(ctx context.Context, id, owner string, result json.RawMessage) error {
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	const q = `UPDATE tasks SET state = 'completed', result = $3::jsonb, claimed_by = '', updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = 'claimed'`
	return s.ownedUpdate(ctx, id, "complete task", q, id, owner, res)
}

// Retry returns owner's claimed task to the queue after a failed attempt.
func (s *TaskStore) Retry(ctx context.Context, id, owner, lastErr string, runAfter time.Time) error {
	const q = `UPDATE tasks SET state = 'queued', attempts = attempts + 1, last_error = $3, run_after = $4, claimed_by = '', updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = 'claimed'`
	return s.ownedUpdate(ctx, id, "retry task", q, id, owner, lastErr, runAfter)
}

// Fail transitions owner's claimed task to failed after its final attempt.
func (s *TaskStore) Fail(ctx context.Context, id, owner, lastErr string) error {
	const q = `UPDATE tasks SET state = 'failed', attempts = attempts + 1, last_error = $3, claimed_by = '', updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = 'claimed'`
	return s.ownedUpdate(ctx, id, "fail task", q, id, owner, lastErr)
}

// Release returns owner's claimed task to the queue without consuming an
// attempt.
func (s *TaskStore) Release(ctx context.Context, id, owner string) error {
	const q = `UPDATE tasks SET state = 'queued', claimed_by = '', updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = 'claimed'`
	return s.ownedUpdate(ctx, id, "release task", q, id, owner)
}

// Cancel transitions a queued or claimed task to cancelled.
func (s *TaskStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = 'cancelled', claimed_by = '', updated_at = now() WHERE id = $1 AND state IN ('queued', 'claimed')`, id)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return task.ErrNotCancellable
}

// Get returns the task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (task.Task, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

// SaveStep persists one step value, keeping the first write.
func (s *TaskStore) SaveStep(ctx context.Context, taskID, name string, value json.RawMessage) error {
	var val any
	if len(value) > 0 {
		val = string(value)
	}
	const q = `INSERT INTO task_steps (task_id, name, value) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (task_id, name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, taskID, name, val); err != nil {
		return fmt.Errorf("save step %q: %w", name, err)
	}
	return nil
}

// GetSteps returns all memoized step values for the task.
func (s *TaskStore) GetSteps(ctx context.Context, taskID string) (map[string]json.RawMessage, error) {
	var rows []struct {
		Name  string `db:"name"`
		Value []byte `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT name, value FROM task_steps WHERE task_id = $1`, taskID); err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.Name] = json.RawMessage(r.Value)
	}
	return out, nil
}

// ownedUpdate runs an owner-guarded update and distinguishes a lost claim
// from a missing task when no row matched.
func (s *TaskStore) ownedUpdate(ctx context.Context, id, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return task.ErrTaskNotFound
	}
	return task.ErrStaleClaim
}
