package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryAttempts bounds local retries of transient store I/O. Exceeding the
// budget surfaces the error to the caller, which fails verification with
// reason "io_error" and proceeds to rollback.
const retryAttempts = 3

// WithRetry runs op with bounded exponential backoff. Contract errors
// (not-found, duplicates, illegal state, validation) are never retried;
// everything else is treated as transient I/O.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newRetryBackOff(), retryAttempts),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// IsPermanent reports whether the error is a contract error that retrying
// cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrIllegalState) ||
		IsValidationError(err)
}

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}
