package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultStoreTimeout         = 5 * time.Second
	DefaultMaxEvaluationRetries = 5
	DefaultRetryInitialInterval = 20 * time.Millisecond
)

// RetryPolicy bounds the retries of an evaluation that lost a race.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxEvaluationRetries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 50 * p.InitialInterval
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by MaxRetries instead
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)
}

// retryConflicts runs op until it succeeds, fails with a non-retryable
// error, or exhausts the policy. Exhaustion is a ConflictError.
func retryConflicts(ctx context.Context, p RetryPolicy, key SlotKey, op func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx))
	if err != nil && errors.Is(err, ErrConcurrentModification) {
		return &ConflictError{Key: key, Attempts: attempts, Err: err}
	}
	return err
}

// classify turns a store deadline into a retryable transient error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: store call timed out: %w", ErrTransient, err)
	}
	return err
}
