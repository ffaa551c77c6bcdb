package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/songzhibin97/procurement-engine/types"
)

// Action is a side-effecting call made from a workflow step.
type Action[T any] func(ctx context.Context) (T, error)

// RetryPolicy bounds the attempts of a retried step.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a policy leaves MaxAttempts unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Second,
	Multiplier:      2,
	MaxInterval:     time.Minute,
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// StepWithRetry is Step with bounded exponential retries of fn. Every failed attempt is
// persisted, so after a restart the step continues with what is left of the budget.
// Policy and configuration errors are never retried. The recorded error is the last one.
func StepWithRetry[T any](c *Context, name string, policy RetryPolicy, fn Action[T]) (T, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	return Step(c, name, func(ctx context.Context) (T, error) {
		var zero T
		remaining := policy.MaxAttempts - c.attemptsUsed(name)
		if remaining <= 0 {
			return zero, fmt.Errorf("%w: %s exhausted %d attempts", types.ErrTransientIO, name, policy.MaxAttempts)
		}
		op := func() (T, error) {
			v, err := fn(ctx)
			if err == nil {
				return v, nil
			}
			if ctx.Err() != nil {
				return zero, backoff.Permanent(err)
			}
			attempt := c.noteAttempt(name)
			c.logger.Warn("step attempt failed", "step", name, "attempt", attempt, "error", err)
			if types.Permanent(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return backoff.Retry(ctx, op,
			backoff.WithBackOff(policy.backOff()),
			backoff.WithMaxTries(uint(remaining)),
		)
	})
}
