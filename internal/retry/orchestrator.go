// Package retry wraps runner invocations in a bounded retry loop with linear
// backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/log"
	"github.com/promptgate/promptgate/internal/runner"
)

//go:generate mockgen -destination=mocks/runner_mock.go -package=mocks github.com/promptgate/promptgate/internal/runner Runner

// SleepFunc is the injectable sleep seam; tests supply a recording fake.
type SleepFunc func(time.Duration)

// Orchestrator retries execution failures and, optionally, empty successful
// output. Timeouts are never retried.
type Orchestrator struct {
	runner       runner.Runner
	maxRetries   int
	baseDelay    time.Duration
	retryOnEmpty bool
	sleep        SleepFunc
	logger       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the sleep function. Production wiring uses time.Sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator around r with the given retry policy.
func New(r runner.Runner, cfg config.RetryConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:       r,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay,
		retryOnEmpty: cfg.RetryOnEmpty,
		sleep:        time.Sleep,
		logger:       log.WithComponent("retry"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run invokes the runner up to maxRetries+1 times. An ExecError is retried
// while the attempt budget lasts; a TimeoutError always propagates
// immediately; a successful run with empty trimmed stdout is retried under
// the same budget when retry-on-empty is enabled. Backoff before retry n is
// n*baseDelay (1-based linear).
func (o *Orchestrator) Run(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	var (
		res runner.Result
		err error
	)

	for attempt := 1; ; attempt++ {
		res, err = o.runner.Run(ctx, spec)

		if err != nil {
			var timeoutErr *runner.TimeoutError
			if errors.As(err, &timeoutErr) {
				return runner.Result{}, err
			}

			var execErr *runner.ExecError
			if !errors.As(err, &execErr) {
				// Spawn faults and context errors are not part of the retry
				// taxonomy.
				return runner.Result{}, err
			}

			if attempt > o.maxRetries {
				return runner.Result{}, err
			}
			o.logger.Warn("execution failed, retrying",
				"attempt", attempt,
				"max_retries", o.maxRetries,
				"exit_code", execErr.ExitCode,
			)
			o.backoff(attempt)
			continue
		}

		if o.retryOnEmpty && res.Stdout == "" && attempt <= o.maxRetries {
			o.logger.Warn("empty output, retrying", "attempt", attempt, "max_retries", o.maxRetries)
			o.backoff(attempt)
			continue
		}

		res.Attempts = attempt
		return res, nil
	}
}

func (o *Orchestrator) backoff(attempt int) {
	o.sleep(time.Duration(attempt) * o.baseDelay)
}
