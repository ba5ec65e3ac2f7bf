package engine

import (
	"context"
	"time"

	"github.com/weft-dev/weft/pkg/schema"
)

// RetryDelay returns the configured wait between retry attempts of an
// action step. An unset or unparseable retry_delay means no wait; the
// value was already validated at graph build time.
func RetryDelay(policy *schema.OnErrorPolicy) time.Duration {
	if policy == nil || policy.RetryDelay == "" {
		return 0
	}
	d, err := time.ParseDuration(policy.RetryDelay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// WaitForRetry sleeps for the retry delay or returns early when the
// execution context is cancelled.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
