package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ratewatch/internal/config"
	"ratewatch/internal/permanent"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs op under an exponential backoff policy.
// Permanent errors stop retries immediately.
// Params: context bounding all attempts, retry policy, logger, label, and operation.
// Returns: nil on success or last attempt error.
func withRetry(ctx context.Context, policy config.RetryConfig, logger *slog.Logger, label string, op func() error) error {
	if !policy.Enabled || policy.MaxAttempts <= 1 {
		return op()
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = time.Duration(policy.InitialMS) * time.Millisecond
	schedule.MaxInterval = time.Duration(policy.MaxMS) * time.Millisecond
	schedule.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err != nil && permanent.Is(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		logger.Warn("delivery attempt failed", "target", label, "attempt", attempt, "retry_in", wait, "error", err)
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(schedule, uint64(policy.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, bounded, onRetry); err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", label, attempt, err)
	}
	return nil
}
