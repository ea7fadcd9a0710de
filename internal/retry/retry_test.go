package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		initial time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", 100 * time.Millisecond, time.Second, 1, 100 * time.Millisecond},
		{"doubles", 100 * time.Millisecond, time.Second, 3, 400 * time.Millisecond},
		{"capped", 100 * time.Millisecond, time.Second, 10, time.Second},
		{"no cap", time.Millisecond, 0, 5, 16 * time.Millisecond},
		{"zero initial", 0, time.Second, 4, 0},
		{"attempt below one", 50 * time.Millisecond, 0, 0, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.initial, tt.max, tt.attempt))
		})
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 2}, func(context.Context, int) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, attempts)
}

func TestDoStopsOnPermanent(t *testing.T) {
	boom := errors.New("bad request")
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) error {
		return Permanent(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallWithTimeout(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		v, err := CallWithTimeout(context.Background(), time.Second, func(context.Context) (string, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})

	t.Run("deadline reaches callee", func(t *testing.T) {
		_, err := CallWithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("panic becomes error", func(t *testing.T) {
		err := RunWithTimeout(context.Background(), time.Second, func(context.Context) error {
			panic("kaboom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
	})
}

func TestSleepWithContext(t *testing.T) {
	require.NoError(t, SleepWithContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepWithContext(ctx, time.Hour), context.Canceled)
}
