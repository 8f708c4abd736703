package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"mailpipe/pkg/metrics"
)

// RateWaiter is consulted before every outbound attempt.
type RateWaiter interface {
	Wait(ctx context.Context, identity string) error
}

// Breaker short-circuits attempts against a consistently failing API.
type Breaker interface {
	ExecuteWithContext(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)
}

// RetryLogger receives per-attempt diagnostics.
type RetryLogger interface {
	WarnwCtx(ctx context.Context, msg string, keysAndValues ...interface{})
}

// Executor wraps every call to one external API identity with the full
// outbound discipline: rate-limit admission, circuit breaking, and
// bounded retry with backoff.
type Executor struct {
	identity string
	policy   Policy
	limiter  RateWaiter
	breaker  Breaker
	logger   RetryLogger
}

type ExecutorConfig struct {
	Identity string
	Policy   Policy
	Limiter  RateWaiter
	Breaker  Breaker
	Logger   RetryLogger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		identity: cfg.Identity,
		policy:   cfg.Policy,
		limiter:  cfg.Limiter,
		breaker:  cfg.Breaker,
		logger:   cfg.Logger,
	}
}

func (e *Executor) Identity() string {
	return e.identity
}

// Do runs op under the executor's policy. Open-breaker rejections count
// as retryable so the backoff loop rides out the cool-down.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := func() error {
		run := func() error {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx, e.identity); err != nil {
					return err
				}
			}
			return op(ctx)
		}

		if e.breaker == nil {
			return run()
		}

		_, err := e.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
			return nil, run()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return NewRetryableError(err)
		}
		return err
	}

	onRetry := func(n int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(e.identity).Inc()
		if e.logger != nil {
			e.logger.WarnwCtx(ctx, "Outbound call failed, retrying",
				"identity", e.identity,
				"attempt", n,
				"next_delay", nextDelay.String(),
				"error", err,
			)
		}
	}

	return RetryWithCallback(ctx, e.policy, attempt, onRetry)
}
