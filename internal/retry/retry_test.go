package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hintedErr struct {
	after time.Duration
}

func (e *hintedErr) Error() string { return "throttled" }

func (e *hintedErr) RetryAfterHint() (time.Duration, bool) { return e.after, true }

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), zerolog.Nop(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		"fetch", func(context.Context) (int, error) {
			calls++
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), zerolog.Nop(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		"fetch", func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), zerolog.Nop(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		"fetch", func(context.Context) (int, error) {
			calls++
			return 0, errors.New("down")
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "down")
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), zerolog.Nop(), Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}, "fetch", func(context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), zerolog.Nop(), Policy{MaxAttempts: 2, BaseDelay: time.Second},
		"fetch", func(context.Context) (int, error) {
			calls++
			return 0, &hintedErr{after: 10 * time.Millisecond}
		})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	// The hint (10ms) replaces the 1s base delay.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDoRespectsContextDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := Do(ctx, zerolog.Nop(), Policy{MaxAttempts: 3, BaseDelay: time.Minute},
		"fetch", func(context.Context) (int, error) {
			calls++
			return 0, errors.New("transient")
		})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestDelayDoubles(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.delay(2, nil))
	assert.Equal(t, 10*time.Second, p.delay(3, nil))
	assert.Equal(t, 20*time.Second, p.delay(4, nil))
}
