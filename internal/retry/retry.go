// Package retry implements the rate-limit-aware retry coordinator that wraps
// upstream provider calls.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
)

// Policy configures the retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first call.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// JitterFactor spreads the computed delay by ±(delay*JitterFactor/2).
	JitterFactor float64

	// OnRetry, if set, is invoked before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the default retry policy for LLM API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     32 * time.Second,
		JitterFactor: 0.1,
	}
}

// Coordinator executes thunks with retry-after-aware exponential backoff.
type Coordinator struct {
	policy Policy
	logger *logger.Logger
	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator with the given policy.
func NewCoordinator(policy Policy, log *logger.Logger) *Coordinator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 32 * time.Second
	}
	if policy.JitterFactor < 0 {
		policy.JitterFactor = 0
	}
	return &Coordinator{
		policy: policy,
		logger: log.WithComponent("retry"),
		sleep:  sleepCtx,
	}
}

// ExecuteWithRetry runs thunk, retrying retryable failures with exponential
// backoff and jitter. A rate-limit error carrying a retry-after hint waits
// that long instead of the computed backoff. Non-retryable errors are
// returned immediately. After the attempt budget is spent, the last error is
// returned marked non-retryable with the attempt count and operation label in
// its context.
func (c *Coordinator) ExecuteWithRetry(ctx context.Context, label string, thunk func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		lastErr = thunk(ctx)
		if lastErr == nil {
			return nil
		}

		if !aierrors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == c.policy.MaxAttempts-1 {
			break
		}

		delay := c.backoff(attempt)
		if hint, ok := aierrors.RetryAfterHint(lastErr); ok {
			delay = hint
		}

		if c.policy.OnRetry != nil {
			c.policy.OnRetry(attempt, lastErr, delay)
		}

		c.logger.Warn("retrying operation",
			slog.String("operation", label),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))

		if err := c.sleep(ctx, delay); err != nil {
			return aierrors.New(aierrors.KindTimeout, "operation cancelled while waiting to retry").
				WithCause(err).
				WithRetryable(false).
				WithContext("operation", label)
		}
	}

	return aierrors.Wrap(lastErr, aierrors.KindUnknown, "operation failed").
		WithRetryable(false).
		WithContext("attempts", c.policy.MaxAttempts).
		WithContext("operation", label)
}

// backoff computes min(cap, base*2^attempt) with uniform jitter in
// ±(delay*jitterFactor/2).
func (c *Coordinator) backoff(attempt int) time.Duration {
	base := float64(c.policy.BaseDelay) * math.Pow(2, float64(attempt))
	if base > float64(c.policy.MaxDelay) {
		base = float64(c.policy.MaxDelay)
	}
	if c.policy.JitterFactor > 0 {
		spread := base * c.policy.JitterFactor
		base = base - spread/2 + rand.Float64()*spread
	}
	return time.Duration(base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
