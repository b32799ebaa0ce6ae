// Package replicasync waits for replicas to catch up with confirmed writes and
// retries operations against replicas that have not yet converged.
//
// Both loops use a fixed delay between attempts, never sleep after the last
// attempt, and stop at the first attempt boundary after their context ends.
package replicasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
)

const (
	DefaultMaxAttempts = 10
	DefaultDelay       = 3 * time.Second
)

var (
	ErrSyncTimeout     = errors.New("replica did not converge")
	ErrOperationFailed = errors.New("operation failed")
)

// RetryPolicy bounds a retry loop. Values <= 0 fall back to the defaults.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries
	// everything. Errors it rejects are returned as-is, without wrapping.
	Retryable func(error) bool
}

func DefaultPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = DefaultDelay
	}
	return p
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// OperationFailedError is returned once every attempt of a retried operation
// has failed. It unwraps to both ErrOperationFailed and the last error.
type OperationFailedError struct {
	Attempts int
	Err      error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *OperationFailedError) Unwrap() []error {
	return []error{ErrOperationFailed, e.Err}
}

// Retry calls fn until it succeeds or the policy is exhausted. A cancelled ctx
// stops the loop at the next attempt boundary or mid-sleep and returns the
// context error.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			telemetry.RetryAttempts.WithLabelValues("cancelled").Inc()
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			telemetry.RetryAttempts.WithLabelValues("ok").Inc()
			return v, nil
		}
		if !p.retryable(err) {
			telemetry.RetryAttempts.WithLabelValues("permanent").Inc()
			return zero, err
		}
		lastErr = err
		telemetry.RetryAttempts.WithLabelValues("failed").Inc()

		if attempt == p.MaxAttempts {
			break
		}
		if err := sleepWithContext(ctx, p.Delay); err != nil {
			telemetry.RetryAttempts.WithLabelValues("cancelled").Inc()
			return zero, err
		}
	}

	telemetry.RetryAttempts.WithLabelValues("exhausted").Inc()
	return zero, &OperationFailedError{Attempts: p.MaxAttempts, Err: lastErr}
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
