package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrConnect is returned when the database stays unreachable after all retries.
var ErrConnect = errors.New("could not connect to the vector database")

// Opener establishes one connection attempt.
type Opener func(ctx context.Context) (Repository, error)

// Options controls connection retries.
type Options struct {
	Retries    int           // total attempts (default: 5)
	RetryDelay time.Duration // pause between attempts (default: 5s)
	Logger     *slog.Logger
}

// Open calls open until it succeeds or the attempts run out.
func Open(ctx context.Context, open Opener, opts Options) (Repository, error) {
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		repo, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("connected to vector database", "attempt", attempt)
			}
			return repo, nil
		}
		lastErr = err
		logger.Warn("vector database connection failed",
			"attempt", attempt,
			"max_attempts", opts.Retries,
			"error", err,
		)
		if attempt == opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
		case <-time.After(opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnect, opts.Retries, lastErr)
}

// Use opens a repository, runs fn with it, and always closes it.
func Use(ctx context.Context, open Opener, opts Options, fn func(Repository) error) error {
	repo, err := Open(ctx, open, opts)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(repo)
}
