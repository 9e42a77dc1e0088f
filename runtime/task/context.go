package task

import (
	"context"
	"encoding/json"
	"fmt"
)

// Context is the handler-side view of a running task. It carries the task's
// identity and parameters and exposes Step, the memoization primitive.
// A Context is bound to a single task attempt and must not be retained after
// the handler returns.
type Context struct {
	task  Task
	store Store
	memo  map[string]json.RawMessage
}

// newContext builds the handler context for one attempt, seeded with the
// task's memoized steps.
func newContext(t Task, store Store, memo map[string]json.RawMessage) *Context {
	if memo == nil {
		memo = make(map[string]json.RawMessage)
	}
	return &Context{task: t, store: store, memo: memo}
}

// TaskID returns the id of the running task.
func (c *Context) TaskID() string { return c.task.ID }

// Kind returns the task kind.
func (c *Context) Kind() string { return c.task.Kind }

// Attempt returns the 1-based number of the current attempt.
func (c *Context) Attempt() int { return c.task.Attempts + 1 }

// Params returns the task's JSON parameters.
func (c *Context) Params() json.RawMessage { return c.task.Params }

// DecodeParams unmarshals the task parameters into v.
func (c *Context) DecodeParams(v any) error {
	if err := json.Unmarshal(c.task.Params, v); err != nil {
		return fmt.Errorf("decode params for task %q: %w", c.task.ID, err)
	}
	return nil
}

// Step executes fn at most once per task. On first success the marshaled
// return value is persisted keyed by (taskID, name) before Step returns; on
// replay the memoized value is returned without running fn. An error from fn
// is returned as-is and nothing is persisted, so the step reruns on the next
// attempt.
func (c *Context) Step(ctx context.Context, name string, fn func(context.Context) (any, error)) (json.RawMessage, error) {
	if raw, ok := c.memo[name]; ok {
		return raw, nil
	}
	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal step %q result: %w", name, err)
	}
	if err := c.store.SaveStep(ctx, c.task.ID, name, raw); err != nil {
		return nil, fmt.Errorf("persist step %q: %w", name, err)
	}
	c.memo[name] = raw
	return raw, nil
}

// Completed reports whether the named step already has a memoized value.
func (c *Context) Completed(name string) bool {
	_, ok := c.memo[name]
	return ok
}

// Step runs a typed step through tc. It memoizes like Context.Step and
// decodes the stored JSON back into T on replay.
func Step[T any](ctx context.Context, tc *Context, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := tc.Step(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode step %q value: %w", name, err)
	}
	return v, nil
}
