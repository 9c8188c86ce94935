package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/db"
)

// RetryPolicy retries an operation on transient concurrency conflicts with
// exponential backoff. The backoff sleep blocks the calling goroutine, so the
// ceiling is kept small relative to the consumer pool.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the configured defaults: 5 retries, 200ms
// initial backoff, 2s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// IsRetryable reports whether err is a transient conflict worth another
// attempt: a version conflict detected by the optimistic check, or a
// serialization/deadlock/lock-timeout failure reported by the store.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || db.IsSerializationFailure(err)
}

// Execute runs op, retrying retryable failures up to the policy's ceiling.
// When the ceiling is exhausted the last error is wrapped in
// ErrRetryExhausted so callers can tell "gave up" from "rejected".
func (p RetryPolicy) Execute(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	wrapped := func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx))
	if err == nil {
		return nil
	}

	if IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrRetryExhausted, err)
	}
	return err
}
