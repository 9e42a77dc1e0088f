package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/linkmind/linkmind/runtime/model"
)

type (
	// BreakerOptions configures the circuit breaker middleware.
	BreakerOptions struct {
		// Name identifies the breaker in errors. Defaults to "model".
		Name string

		// FailureThreshold is the number of consecutive provider failures
		// that opens the breaker. Defaults to 5.
		FailureThreshold uint32

		// Cooldown is how long the breaker stays open before letting a probe
		// request through. Defaults to 30 seconds.
		Cooldown time.Duration
	}

	breakerClient struct {
		next model.Client
		cb   *gobreaker.TwoStepCircuitBreaker
	}
)

// Breaker returns a model.Client middleware that fails fast after repeated
// provider failures instead of queueing more doomed requests. Throttling is
// handled by the adaptive limiter and does not count against the breaker.
func Breaker(opts BreakerOptions) func(model.Client) model.Client {
	name := opts.Name
	if name == "" {
		name = "model"
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &breakerClient{next: next, cb: cb}
	}
}

// Complete delegates to the underlying client while the breaker is closed and
// fails fast with gobreaker.ErrOpenState while it is open.
func (c *breakerClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	done, err := c.cb.Allow()
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	done(err == nil || errors.Is(err, model.ErrRateLimited))
	return resp, err
}
