package provider

import (
	"context"

	"github.com/emberworks/chatbridge/internal/circuit"
	"github.com/emberworks/chatbridge/internal/retry"
)

// Resilience bundles the circuit-breaker registry and the retry coordinator
// that every adapter call passes through. The breaker wraps the raw upstream
// call; the coordinator wraps the breaker, so open-breaker rejections
// (overloaded, non-retryable) are surfaced without further attempts.
type Resilience struct {
	Breakers    *circuit.Registry
	Coordinator *retry.Coordinator
}

// Guard executes fn under the breaker keyed (provider, model, kind) inside
// the retry loop labelled with the same tuple.
func (r *Resilience) Guard(ctx context.Context, providerName, model, kind string, fn func(ctx context.Context) error) error {
	if r == nil || r.Breakers == nil || r.Coordinator == nil {
		return fn(ctx)
	}
	key := circuit.Key(providerName, model, kind)
	return r.Coordinator.ExecuteWithRetry(ctx, key, func(ctx context.Context) error {
		return r.Breakers.Execute(ctx, key, fn)
	})
}
