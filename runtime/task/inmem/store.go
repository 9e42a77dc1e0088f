// Package inmem provides an in-memory task store for testing and
// single-process development. Tasks do not survive a restart.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/linkmind/linkmind/runtime/task"
)

type stepKey struct {
	taskID string
	name   string
}

// Store is a mutex-guarded in-memory implementation of task.Store.
type Store struct {
	mu    sync.Mutex
	tasks map[string]task.Task
	steps map[stepKey]json.RawMessage
}

var _ task.Store = (*Store)(nil)

// New returns an empty in-memory task store.
func New() *Store {
	return &Store{
		tasks: make(map[string]task.Task),
		steps: make(map[stepKey]json.RawMessage),
	}
}

// Enqueue stores a new task in state queued.
func (s *Store) Enqueue(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = task.StateQueued
	s.tasks[t.ID] = t
	return nil
}

// ClaimNext claims the oldest runnable task on queue.
func (s *Store) ClaimNext(_ context.Context, queue, owner string, lease time.Duration) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	var candidates []task.Task
	for _, t := range s.tasks {
		if t.Queue != queue {
			continue
		}
		runnable := (t.State == task.StateQueued && !t.RunAfter.After(now)) ||
			(t.State == task.StateClaimed && t.LeaseUntil.Before(now))
		if runnable {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return task.Task{}, task.ErrNoTask
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	t := candidates[0]
	t.State = task.StateClaimed
	t.ClaimedBy = owner
	t.LeaseUntil = now.Add(lease)
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return t, nil
}

// RenewLease extends owner's claim.
func (s *Store) RenewLease(_ context.Context, id, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.claimed(id, owner)
	if err != nil {
		return err
	}
	t.LeaseUntil = time.Now().UTC().Add(lease)
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Complete transitions owner's claimed task to completed.
func (s *Store) Complete(_ context.Context, id, owner string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.claimed(id, owner)
	if err != nil {
		return err
	}
	t.State = task.StateCompleted
	t.Result = result
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Retry returns owner's claimed task to the queue after a failed attempt.
func (s *Store) Retry(_ context.Context, id, owner, lastErr string, runAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.claimed(id, owner)
	if err != nil {
		return err
	}
	t.State = task.StateQueued
	t.Attempts++
	t.LastError = lastErr
	t.RunAfter = runAfter
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Fail transitions owner's claimed task to failed.
func (s *Store) Fail(_ context.Context, id, owner, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.claimed(id, owner)
	if err != nil {
		return err
	}
	t.State = task.StateFailed
	t.Attempts++
	t.LastError = lastErr
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Release returns owner's claimed task to the queue without consuming an
// attempt.
func (s *Store) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.claimed(id, owner)
	if err != nil {
		return err
	}
	t.State = task.StateQueued
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Cancel transitions a queued or claimed task to cancelled.
func (s *Store) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if t.State.Terminal() {
		return task.ErrNotCancellable
	}
	t.State = task.StateCancelled
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Get returns the task by id.
func (s *Store) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	return t, nil
}

// SaveStep persists one step value, keeping the first write.
func (s *Store) SaveStep(_ context.Context, taskID, name string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stepKey{taskID: taskID, name: name}
	if _, ok := s.steps[k]; ok {
		return nil
	}
	s.steps[k] = value
	return nil
}

// GetSteps returns all memoized step values for the task.
func (s *Store) GetSteps(_ context.Context, taskID string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for k, v := range s.steps {
		if k.taskID == taskID {
			out[k.name] = v
		}
	}
	return out, nil
}

// claimed returns the task when owner holds its claim.
func (s *Store) claimed(id, owner string) (task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	if t.State != task.StateClaimed || t.ClaimedBy != owner {
		return task.Task{}, task.ErrStaleClaim
	}
	return t, nil
}
