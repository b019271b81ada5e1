// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jllopis/kairosforge/pkg/errors"
)

// WithDeadline runs fn under a deadline of d derived from ctx and passes
// the bounded context into fn. Exceeding the deadline returns a TIMEOUT
// error even if fn ignores cancellation. A zero d runs fn unbounded.
func WithDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, TimeoutError(d, ctx.Err())
		}
		return zero, ctx.Err()
	case res := <-done:
		if res.err != nil && stderrors.Is(res.err, context.DeadlineExceeded) {
			return zero, TimeoutError(d, res.err)
		}
		return res.value, res.err
	}
}

// TimeoutError builds the TIMEOUT error reported for an exceeded deadline.
func TimeoutError(d time.Duration, cause error) *errors.ForgeError {
	return errors.New(errors.CodeTimeout, "operation exceeded timeout", cause).
		WithContext("timeout", d.String()).
		WithRecoverable(true)
}
