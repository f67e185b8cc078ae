// Package parallel runs independent tasks concurrently and reports a result per task.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrPanic = errors.New("task panicked")

// Task is a unit of work. Context is attached to the task result and to error logs.
type Task[C, T any] struct {
	Context C
	Run     func(ctx context.Context) (T, error)
}

type Result[C, T any] struct {
	Success bool
	Value   T
	Err     error
	Context C
}

type options struct {
	logErrors   bool
	stopOnError bool
	limit       int
}

type Option func(*options)

// WithoutErrorLog disables logging of failed tasks.
func WithoutErrorLog() Option {
	return func(o *options) {
		o.logErrors = false
	}
}

// StopOnError cancels the context passed to the remaining tasks on the first failure
// and makes All return that failure.
func StopOnError() Option {
	return func(o *options) {
		o.stopOnError = true
	}
}

// WithLimit bounds the number of tasks running at the same time.
func WithLimit(n int) Option {
	return func(o *options) {
		o.limit = n
	}
}

// All runs every task and waits for all of them to complete. Results are returned in
// task order. Unless StopOnError is set a failed task never affects its siblings and
// the returned error is always nil.
func All[C, T any](ctx context.Context, tasks []Task[C, T], opts ...Option) ([]Result[C, T], error) {
	o := options{logErrors: true, limit: -1}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		g    *errgroup.Group
		gCtx = ctx
	)
	if o.stopOnError {
		g, gCtx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	if o.limit > 0 {
		g.SetLimit(o.limit)
	}

	results := make([]Result[C, T], len(tasks))
	for i, task := range tasks {
		results[i].Context = task.Context
		g.Go(func() error {
			res := &results[i]
			if o.stopOnError {
				if err := gCtx.Err(); err != nil {
					res.Err = err
					return err
				}
			}

			res.Value, res.Err = run(gCtx, task)
			if res.Err != nil {
				if o.logErrors {
					slog.ErrorContext(ctx, "task failed", "context", task.Context, "error", res.Err)
				}
				if o.stopOnError {
					return res.Err
				}
				return nil
			}
			res.Success = true
			return nil
		})
	}

	return results, g.Wait()
}

func run[C, T any](ctx context.Context, task Task[C, T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task.Run(ctx)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
