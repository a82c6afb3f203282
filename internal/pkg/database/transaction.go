package database

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TxFunc defines a transaction function
type TxFunc func(ctx context.Context, tx *gorm.DB) error

// Transaction executes a function within a database transaction
func (db *DB) Transaction(ctx context.Context, fn TxFunc) error {
	return db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(ctx, tx); err != nil {
			db.logger.Error("transaction failed, rolling back", zap.Error(err))
			return err
		}
		return nil
	})
}

// TransactionWithRetry executes a function within a transaction, retrying on
// serialization and deadlock failures with linear backoff.
func (db *DB) TransactionWithRetry(ctx context.Context, maxRetries int, fn TxFunc) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			db.logger.Warn("retrying transaction",
				zap.Int("attempt", i+1),
				zap.Int("max_retries", maxRetries),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			}
		}

		lastErr = db.Transaction(ctx, fn)
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// isRetryable reports whether an error can be resolved by re-running the
// transaction. Postgres serialization failures (40001) and deadlocks (40P01)
// qualify.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access")
}
