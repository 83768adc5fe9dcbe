package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithTimeout bounds every call. A zero duration disables the bound.
func WithTimeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if d <= 0 {
				return next(ctx, payload)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// WithRetry retries failed calls with exponential backoff (base, 2×base,
// ...). It gives up early on context cancellation, an open circuit, a
// permanent remote status or a recovered panic.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if ctx.Err() != nil || !retryable(err) {
					return nil, lastErr
				}
				if attempt == maxRetries {
					break
				}
				wait := baseBackoff * (1 << uint(attempt))
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: retrying call",
						"attempt", attempt+1,
						"max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, lastErr
				case <-t.C:
				}
			}
			return nil, lastErr
		}
	}
}

func retryable(err error) bool {
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return false
	}
	var status *ErrRemoteStatus
	if errors.As(err, &status) && status.Permanent() {
		return false
	}
	var p *ErrPanic
	return !errors.As(err, &p)
}
