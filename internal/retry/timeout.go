package retry

import (
	"context"
	"fmt"
	"time"
)

// CallWithTimeout runs fn under a deadline derived from ctx. A zero timeout
// only inherits ctx. Panics inside fn are returned as errors.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (result T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			var zero T
			result, err = zero, fmt.Errorf("panic: %v", r)
		}
	}()

	return fn(ctx)
}

// RunWithTimeout is CallWithTimeout for calls without a result.
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := CallWithTimeout(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
