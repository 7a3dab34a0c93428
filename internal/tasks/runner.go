// Package tasks runs long imports outside the request that started them.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Runner starts fire-and-forget background jobs. Jobs are never joined or
// cancelled; their outcome is only logged.
type Runner struct {
	logger *slog.Logger
	onDone func(name string, err error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithOnDone registers a callback invoked after every job with its result.
func WithOnDone(fn func(name string, err error)) RunnerOption {
	return func(r *Runner) {
		r.onDone = fn
	}
}

// NewRunner creates a new Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go runs fn on its own goroutine with a context detached from any request.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	go func() {
		start := time.Now()
		err := r.run(fn)
		if err != nil {
			r.logger.Error("background task failed",
				"task", name,
				"duration", time.Since(start),
				"error", err,
			)
		} else {
			r.logger.Info("background task finished",
				"task", name,
				"duration", time.Since(start),
			)
		}
		if r.onDone != nil {
			r.onDone(name, err)
		}
	}()
}

func (r *Runner) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(context.Background())
}
