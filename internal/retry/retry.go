// Package retry implements the shared bounded-retry policy used by every
// fallible I/O call in the pipeline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryAfterHint is implemented by errors that carry an upstream wait
// instruction, e.g. an HTTP 429 with a Retry-After header. When present and
// positive it replaces the exponential backoff delay for that attempt.
type RetryAfterHint interface {
	RetryAfterHint() (time.Duration, bool)
}

// Policy controls how many attempts are made and how long to wait between
// them. Delay before attempt i (1-based, from the second attempt on) is
// BaseDelay * 2^(i-2).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable reports whether an error is worth another attempt. Nil
	// means every error is retryable.
	Retryable func(error) bool
}

// DefaultPolicy mirrors the configured defaults: three attempts, 5s base.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// Do runs fn up to p.MaxAttempts times, sleeping between attempts. The
// context cancels both fn (via pass-through) and the inter-attempt waits.
// On exhaustion it returns the last error wrapped with the attempt count.
func Do[T any](ctx context.Context, log zerolog.Logger, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.delay(attempt, lastErr)
			log.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying after failure")
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

func (p Policy) delay(attempt int, lastErr error) time.Duration {
	var hint RetryAfterHint
	if errors.As(lastErr, &hint) {
		if d, ok := hint.RetryAfterHint(); ok && d > 0 {
			return d
		}
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
