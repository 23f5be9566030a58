package util

import (
	"context"
	"time"
)

// maxRetryDelay caps the per-attempt backoff no matter how many attempts
// the caller allows.
const maxRetryDelay = 30 * time.Second

// Retry calls fn up to maxAttempts times, backing off exponentially from
// baseDelay between attempts. It returns nil on the first success, ctx's
// error if cancelled while waiting, or the last error once attempts run
// out.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, baseDelay, maxRetryDelay)):
		}
	}
	return err
}
