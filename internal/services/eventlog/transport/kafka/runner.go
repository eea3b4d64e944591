package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/platform/timeouts"
)

// OpenSource opens a fresh reader for a new session.
type OpenSource func() (Source, error)

// Runner keeps partition sessions alive. When a session fails the reader is
// closed and reopened after an exponential backoff, so uncommitted records are
// redelivered from the last committed offset.
type Runner struct {
	open   OpenSource
	router *PartitionRouter
	logger *zap.Logger
	policy func() *backoff.ExponentialBackOff
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logging.OrNop(logger) }
}

// WithBackOff overrides the restart backoff policy.
func WithBackOff(policy func() *backoff.ExponentialBackOff) RunnerOption {
	return func(r *Runner) {
		if policy != nil {
			r.policy = policy
		}
	}
}

// NewRunner creates a runner.
func NewRunner(open OpenSource, router *PartitionRouter, opts ...RunnerOption) (*Runner, error) {
	if open == nil {
		return nil, fmt.Errorf("source opener is required")
	}
	if router == nil {
		return nil, fmt.Errorf("partition router is required")
	}
	r := &Runner{
		open:   open,
		router: router,
		logger: zap.NewNop(),
		policy: defaultRestartBackOff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func defaultRestartBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = timeouts.ReaderRestartMax
	return b
}

// Run blocks until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	policy := r.policy()
	for {
		if ctx.Err() != nil {
			return nil
		}
		source, err := r.open()
		if err != nil {
			r.logger.Warn("open log reader", zap.Error(err))
			if !r.wait(ctx, policy.NextBackOff()) {
				return nil
			}
			continue
		}

		committed, runErr := r.router.Run(ctx, source)
		if closeErr := source.Close(); closeErr != nil {
			r.logger.Warn("close log reader", zap.Error(closeErr))
		}
		if ctx.Err() != nil {
			return nil
		}
		if committed > 0 {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		r.logger.Warn("partition session ended; reopening reader",
			zap.Int64("committed", committed),
			zap.Duration("delay", delay),
			zap.Error(runErr),
		)
		if !r.wait(ctx, delay) {
			return nil
		}
	}
}

func (r *Runner) wait(ctx context.Context, delay time.Duration) bool {
	if delay == backoff.Stop || delay < 0 {
		delay = timeouts.ReaderRestartMax
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
