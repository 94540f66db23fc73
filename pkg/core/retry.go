package core

import (
	"context"
	"time"
)

// withRetry runs op up to cfg.MaxAttempts times, doubling the delay
// between attempts from cfg.InitialBackoff up to cfg.MaxBackoff.
// Permanent errors and context cancellation stop the loop immediately;
// everything else is treated as transient.
func withRetry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	delay := cfg.InitialBackoff.Std()

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if maxDelay := cfg.MaxBackoff.Std(); delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}
