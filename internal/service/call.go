package service

import (
	"context"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
)

// call runs fn under its own deadline. Expiry surfaces as a retryable
// errs.ErrTimeout naming op.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		return v, errs.FromContext(op, err)
	}
	return v, nil
}

func exec(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := call(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
