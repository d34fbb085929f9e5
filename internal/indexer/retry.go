package indexer

import (
	"context"
	"time"
)

const maxRetryDelay = 30 * time.Second

// withRetry calls fn until it succeeds, retries are spent or ctx ends. The
// delay doubles after each failure up to maxRetryDelay.
func withRetry(ctx context.Context, retries int, base time.Duration, fn func(context.Context) error) error {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		if err := sleepCtx(ctx, retryDelay(base, attempt)); err != nil {
			return err
		}
	}
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt >= 32 {
		return maxRetryDelay
	}
	d := base << attempt
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
