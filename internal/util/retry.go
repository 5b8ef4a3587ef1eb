package util

import (
	"context"
	"time"
)

// Retry runs fn until it succeeds, giving up after maxAttempts. The wait
// between attempts starts at baseDelay and doubles each time. It returns the
// last error when every attempt failed, or the context's error when
// cancelled while waiting.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	wait := baseDelay
	var lastErr error

	for left := maxAttempts; left > 0; left-- {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if left == 1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}
