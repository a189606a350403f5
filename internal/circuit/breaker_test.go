package circuit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r := NewRegistry(cfg, testLogger())
	r.now = func() time.Time { return clock.now }
	return r, clock
}

func serverError() error {
	return aierrors.New(aierrors.KindInternal, "upstream blew up")
}

func failN(t *testing.T, r *Registry, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := r.Execute(context.Background(), key, func(ctx context.Context) error {
			return serverError()
		})
		if err == nil {
			t.Fatalf("failure %d: expected error", i)
		}
	}
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	key := Key("openai", "gpt-4o", "stream")

	failN(t, r, key, 5)

	invoked := false
	err := r.Execute(context.Background(), key, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("open breaker must not invoke the thunk")
	}
	if aierrors.KindOf(err) != aierrors.KindOverloaded {
		t.Fatalf("kind = %v, want overloaded", aierrors.KindOf(err))
	}
	if aierrors.IsRetryable(err) {
		t.Fatal("open-breaker rejection must not be retryable")
	}

	stats, ok := r.GetStats(key)
	if !ok || stats.State != "open" {
		t.Fatalf("state = %q, want open", stats.State)
	}
	if stats.TotalRejections != 1 {
		t.Fatalf("rejections = %d, want 1", stats.TotalRejections)
	}
}

func TestBreakerHalfOpenPermitsExactlyOneTrial(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	key := Key("openai", "gpt-4o", "stream")
	failN(t, r, key, 5)

	clock.advance(61 * time.Second)

	trials := 0
	err := r.Execute(context.Background(), key, func(ctx context.Context) error {
		trials++
		// A concurrent call while the trial is in flight must be rejected.
		inner := r.Execute(ctx, key, func(ctx context.Context) error {
			trials++
			return nil
		})
		if aierrors.KindOf(inner) != aierrors.KindOverloaded {
			t.Fatalf("concurrent half-open call: kind = %v, want overloaded", aierrors.KindOf(inner))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if trials != 1 {
		t.Fatalf("trials = %d, want 1", trials)
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	key := Key("anthropic", "claude-sonnet-4-5", "send")
	failN(t, r, key, 5)

	clock.advance(61 * time.Second)

	for i := 0; i < 2; i++ {
		if err := r.Execute(context.Background(), key, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("success %d rejected: %v", i, err)
		}
	}

	stats, _ := r.GetStats(key)
	if stats.State != "closed" {
		t.Fatalf("state = %q, want closed after success threshold", stats.State)
	}
	if stats.RecentFailures != 0 {
		t.Fatalf("recent failures = %d, want 0 after close", stats.RecentFailures)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	key := Key("openai", "gpt-4o-mini", "send")
	failN(t, r, key, 5)

	clock.advance(61 * time.Second)
	failN(t, r, key, 1)

	stats, _ := r.GetStats(key)
	if stats.State != "open" {
		t.Fatalf("state = %q, want open after half-open failure", stats.State)
	}

	// The new open period starts from the failed trial.
	err := r.Execute(context.Background(), key, func(ctx context.Context) error { return nil })
	if aierrors.KindOf(err) != aierrors.KindOverloaded {
		t.Fatalf("kind = %v, want overloaded", aierrors.KindOf(err))
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	key := Key("openai", "gpt-4o", "send")

	for i := 0; i < 10; i++ {
		_ = r.Execute(context.Background(), key, func(ctx context.Context) error {
			return aierrors.New(aierrors.KindInvalidRequest, "bad payload")
		})
	}

	stats, _ := r.GetStats(key)
	if stats.State != "closed" {
		t.Fatalf("state = %q, client errors must not open the breaker", stats.State)
	}
}

func TestBreakerRollingWindowDiscardsOldFailures(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	key := Key("openai", "gpt-4o", "stream")

	failN(t, r, key, 4)
	clock.advance(121 * time.Second)
	failN(t, r, key, 1)

	stats, _ := r.GetStats(key)
	if stats.State != "closed" {
		t.Fatalf("state = %q, stale failures must not count toward the threshold", stats.State)
	}
	if stats.RecentFailures != 1 {
		t.Fatalf("recent failures = %d, want 1", stats.RecentFailures)
	}
}

func TestResetAllClosesBreakers(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	key := Key("openai", "gpt-4o", "stream")
	failN(t, r, key, 5)

	r.ResetAll()

	if err := r.Execute(context.Background(), key, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("call after reset rejected: %v", err)
	}
}
