package workflows

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/metrics"
)

// RetryPolicy bounds the retries of one pipeline step
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
}

// Retrier retries transient step failures with exponential backoff.
// Errors wrapped with backoff.Permanent are returned at once.
type Retrier struct {
	policy  RetryPolicy
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewRetrier(policy RetryPolicy, log *logger.Logger, m *metrics.Metrics) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Base <= 0 {
		policy.Base = 200 * time.Millisecond
	}
	return &Retrier{policy: policy, log: log, metrics: m}
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends.
func (r *Retrier) Do(ctx context.Context, step string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.Base
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(fn, b, func(err error, next time.Duration) {
		r.metrics.StepRetried(step)
		r.log.Warn("step failed, retrying", "step", step, "error", err, "retryIn", next)
	})
}

// permanent marks err as not worth retrying
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
