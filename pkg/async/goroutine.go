package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// PanicError is returned for an item whose function panicked
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).Errorf("background task %s failed", taskName)
		}
	}()
}

// ForEach runs fn for every index in [0, n) with at most limit calls in
// flight. It never stops early: an error or panic from one item is stored
// at that item's position in the returned slice and the remaining items
// still run. The returned slice is nil when every item succeeded.
//
// Cancelling ctx stops scheduling of items not yet started; their errors
// are ctx.Err().
func ForEach(ctx context.Context, limit, n int, fn func(ctx context.Context, i int) error) []error {
	if n == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}

	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		i := i
		g.Go(func() error {
			errs[i] = runItem(ctx, i, fn)
			// Per-item errors are collected, never returned, so the group
			// keeps scheduling.
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return errs
		}
	}
	return nil
}

func runItem(ctx context.Context, i int, fn func(context.Context, int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, i)
}
