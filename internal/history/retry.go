package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/dactylo/internal/logging"
)

type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, initialBackoff: 50 * time.Millisecond, maxBackoff: time.Second}
}

// withRetry runs fn until it succeeds, fails permanently or the attempts
// run out. Only transient errors are retried; the final error is wrapped
// in a logging.OperationError.
func withRetry(ctx context.Context, logger *zap.Logger, policy retryPolicy, operation, requestID string, fn func() error) error {
	if policy.attempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	opLogger := logging.WithOperation(logger, operation, requestID)
	backoff := policy.initialBackoff
	var err error
	for attempt := 0; attempt < policy.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= policy.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == policy.attempts-1 {
			if !isMiss(err) {
				opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
