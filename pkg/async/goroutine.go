package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/entitle/pkg/observability"
)

// SafeGo runs fn in a goroutine bounded by timeout. Errors and panics are
// logged, never propagated. A nil logger logs to stdout.
func SafeGo(parent context.Context, logger *observability.Logger, timeout time.Duration, task string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, task)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", task).Warn("background task failed")
		}
	}()
}

// Batch applies fn to every item using at most workers goroutines. Each
// call gets its own timeout derived from ctx. Items not yet started when
// ctx ends are reported with ctx's error. A panicking call is reported as
// an error.
func Batch[T any](ctx context.Context, items []T, workers int, task string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	work := make(chan T)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := runOne(ctx, timeout, task, item, fn); err != nil {
					record(err)
				}
			}
		}()
	}

	for i, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
			for range items[i:] {
				record(fmt.Errorf("%s: %w", task, ctx.Err()))
			}
			close(work)
			wg.Wait()
			return errs
		}
	}
	close(work)
	wg.Wait()
	return errs
}

func runOne[T any](ctx context.Context, timeout time.Duration, task string, item T, fn func(context.Context, T) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", task, r, debug.Stack())
		}
	}()
	return fn(ctx, item)
}
