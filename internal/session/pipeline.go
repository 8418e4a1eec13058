package session

import (
	"context"
	"fmt"
	"time"

	"clinical-sim/internal/platform/logger"
)

// Step is one named agent call with its own timeout and retry policy.
type Step[T any] struct {
	Name    string
	Timeout time.Duration
	Retries int
	RetryIf func(error) bool
	Run     func(ctx context.Context) (T, error)
}

// RunStep executes step, retrying while RetryIf allows and attempts remain.
func RunStep[T any](ctx context.Context, log *logger.Logger, step Step[T]) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := runOnce(ctx, step)
		if err == nil {
			return v, nil
		}
		if attempt > step.Retries || step.RetryIf == nil || !step.RetryIf(err) || ctx.Err() != nil {
			return v, err
		}
		log.Warn("retrying step", "step", step.Name, "attempt", attempt, "error", err)
	}
}

type stepResult[T any] struct {
	v   T
	err error
}

func runOnce[T any](ctx context.Context, step Step[T]) (T, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	// Buffered so a late result never blocks the worker after a timeout.
	ch := make(chan stepResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- stepResult[T]{v: zero, err: fmt.Errorf("step %s panicked: %v", step.Name, r)}
			}
		}()
		v, err := step.Run(ctx)
		ch <- stepResult[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.v, fmt.Errorf("step %s: %w", step.Name, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("step %s: %w", step.Name, ctx.Err())
	}
}
