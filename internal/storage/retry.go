package storage

import (
	"context"
	"errors"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

// withRetry runs fn up to attempts times with linear backoff. Context
// cancellation stops retrying immediately.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		// not-found is definitive, retrying cannot change it
		if errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}
	}
	return lastErr
}
