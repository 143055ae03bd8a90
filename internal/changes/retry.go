package changes

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHandlerAttempts = 3
	handlerRetryStep       = 100 * time.Millisecond
)

// handleWithRetry runs the handler up to attempts times with a linear backoff
// and returns the last error when every attempt fails.
func handleWithRetry(ctx context.Context, handler Handler, event ChangeEvent, attempts int, source string, logger *zap.Logger) error {
	if attempts <= 0 {
		attempts = defaultHandlerAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = handler(ctx, event)
		if lastErr == nil {
			return nil
		}
		logger.Warn("change handler failed",
			zap.String("source", source),
			zap.String("change_id", event.ChangeID),
			zap.String("review_id", event.ReviewID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * handlerRetryStep):
		}
	}
	return lastErr
}
